// Package session tracks live agent sessions and the terminal surfaces
// backing them. A session owns a rolling view of its terminal output,
// classifies fresh fragments as they arrive, and reports completion,
// error, and shutdown conditions to whoever registered for them.
package session

// Session is a running agent attached to some terminal surface.
type Session interface {
	// ID returns the stable identifier for this session.
	ID() string

	// SendInput writes text to the agent followed by a newline.
	SendInput(text string) error

	// Output returns everything the session has accumulated so far.
	Output() string

	// IsWorking reports whether the agent currently shows a busy
	// indicator in its recent output.
	IsWorking() bool

	// AssignTask marks the session as busy with the given task.
	AssignTask(taskID string)

	// ClearTask releases the session back to the idle pool.
	ClearTask()

	// CurrentTaskID returns the assigned task ID, or "" when idle.
	CurrentTaskID() string

	// Close tears down the underlying terminal surface.
	Close() error
}

// Events carries the callbacks a session fires as it classifies
// output. Nil fields are skipped.
type Events struct {
	// Completion fires when a completion phrase appears in fresh
	// output while a task is assigned. At most once per assignment.
	Completion func(sessionID, phrase string)

	// Error fires when the underlying surface reports a read or
	// capture failure.
	Error func(sessionID, message string)

	// Stopped fires when the surface goes away (pane killed,
	// process exited, explicit Close).
	Stopped func(sessionID string)
}

func (e Events) completion(id, phrase string) {
	if e.Completion != nil {
		e.Completion(id, phrase)
	}
}

func (e Events) error(id, msg string) {
	if e.Error != nil {
		e.Error(id, msg)
	}
}

func (e Events) stopped(id string) {
	if e.Stopped != nil {
		e.Stopped(id)
	}
}
