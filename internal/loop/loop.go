// Package loop contains the top-level scheduler. Driven by an external
// ticker, it hands queued tasks to idle sessions, enforces task
// timeouts, and reacts to completion, error, and stop events pushed
// by the sessions themselves. Scheduling decisions are serialized on
// the tick; session events are handled as they arrive.
package loop

import (
	"fmt"
	"sync"
	"time"

	"autopilot/internal/session"
	"autopilot/internal/store"
	"autopilot/internal/task"
)

// Config tunes one loop instance. The tick cadence is owned by the
// caller; the loop only sees the Tick calls it is handed.
type Config struct {
	// MinDuration keeps the loop alive at least this long after
	// Start; 0 means no minimum.
	MinDuration time.Duration

	// AutoGenerate enqueues filler tasks while the queue is empty
	// and the minimum duration has not elapsed.
	AutoGenerate bool

	// FillerPrompts is the rotation used for generated tasks.
	// Empty falls back to the package defaults.
	FillerPrompts []string
}

// FillerPriority sits below any user-submitted task so real work is
// always preferred once queued.
const FillerPriority = -100

var defaultFillerPrompts = []string{
	"Look for failing or flaky tests and fix one.",
	"Find a TODO in the codebase and resolve it.",
	"Improve test coverage for one undertested package.",
	"Review recent changes for missing documentation and fill it in.",
}

// Loop is the scheduler. All collaborators are injected; it owns the
// task queue and its persisted state exclusively.
type Loop struct {
	queue    *task.Queue
	sessions session.Manager
	store    store.StateStore
	obs      Observer
	cfg      Config
	now      func() time.Time

	mu        sync.Mutex
	state     store.LoopState
	fillerIdx int
}

// New builds a loop around its collaborators. obs and now may be nil.
// The persisted loop state is adopted as-is; the store already
// downgrades a stale "running" status at load time.
func New(queue *task.Queue, sessions session.Manager, st store.StateStore, obs Observer, cfg Config, now func() time.Time) *Loop {
	if now == nil {
		now = time.Now
	}
	if obs == nil {
		obs = NewMultiObserver()
	}
	if len(cfg.FillerPrompts) == 0 {
		cfg.FillerPrompts = defaultFillerPrompts
	}
	return &Loop{
		queue:    queue,
		sessions: sessions,
		store:    st,
		obs:      obs,
		cfg:      cfg,
		now:      now,
		state:    st.LoopState(),
	}
}

// Stats is a point-in-time snapshot for CLI and status surfaces.
type Stats struct {
	Status         store.LoopStatus
	StartedAt      time.Time
	LastCheckAt    time.Time
	TasksCompleted int
	TasksGenerated int
	Tasks          task.Counts
	Sessions       int
}

// Start moves the loop to running and resets the per-run counters.
// Starting a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status == store.LoopRunning {
		return
	}
	l.state.Status = store.LoopRunning
	l.state.StartedAt = l.now()
	l.state.MinDuration = l.cfg.MinDuration
	l.state.TasksCompleted = 0
	l.state.TasksGenerated = 0
	l.fillerIdx = 0
	l.persist()
	l.emit(Event{Kind: EventStarted})
}

// Stop halts scheduling from any state. Idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status == store.LoopStopped {
		return
	}
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	l.state.Status = store.LoopStopped
	l.persist()
	l.emit(Event{Kind: EventStopped})
}

// Pause suspends ticks without resetting counters.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status != store.LoopRunning {
		return
	}
	l.state.Status = store.LoopPaused
	l.persist()
	l.emit(Event{Kind: EventPaused})
}

// Resume continues a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status != store.LoopPaused {
		return
	}
	l.state.Status = store.LoopRunning
	l.persist()
	l.emit(Event{Kind: EventResumed})
}

// Stats returns a snapshot of the loop, queue, and session pool.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Status:         l.state.Status,
		StartedAt:      l.state.StartedAt,
		LastCheckAt:    l.state.LastCheckAt,
		TasksCompleted: l.state.TasksCompleted,
		TasksGenerated: l.state.TasksGenerated,
		Tasks:          l.queue.Counts(),
		Sessions:       l.sessions.Count(),
	}
}

// Tick performs one scheduling pass: fail timed-out tasks, assign
// queued work to idle sessions, top the queue up with filler tasks,
// then decide whether the run is finished. A panic inside a tick is
// reported as an error event and never stops the next tick.
func (l *Loop) Tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.emit(Event{Kind: EventError, Message: fmt.Sprintf("tick panic: %v", r)})
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status != store.LoopRunning {
		return
	}

	l.checkTimeouts(now)
	l.assignTasks()
	l.generateFollowUpTasks(now)
	l.state.LastCheckAt = now

	if l.shouldStop(now) {
		l.stopLocked()
		return
	}
	l.persist()
}

func (l *Loop) checkTimeouts(now time.Time) {
	for _, t := range l.queue.RunningTasks() {
		if !t.TimedOut(now) {
			continue
		}
		sessionID := t.AssignedSession
		reason := fmt.Sprintf("timed out after %s", t.Timeout)
		if err := t.Fail(reason); err != nil {
			continue
		}
		l.queue.Update(t)
		if s := l.sessions.Get(sessionID); s != nil && s.CurrentTaskID() == t.ID {
			s.ClearTask()
		}
		l.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, SessionID: sessionID, Message: reason})
	}
}

func (l *Loop) assignTasks() {
	for _, s := range l.sessions.IdleSessions() {
		t := l.queue.Next()
		if t == nil {
			return
		}
		if err := t.Assign(s.ID()); err != nil {
			continue
		}
		l.queue.Update(t)
		s.AssignTask(t.ID)

		if err := s.SendInput(t.Prompt); err != nil {
			// The prompt never reached the agent. Fail the task
			// now and free the session; the next tick moves on.
			reason := fmt.Sprintf("failed to deliver prompt: %v", err)
			_ = t.Fail(reason)
			l.queue.Update(t)
			s.ClearTask()
			l.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, SessionID: s.ID(), Message: reason})
			continue
		}
		l.emit(Event{Kind: EventTaskAssigned, TaskID: t.ID, SessionID: s.ID()})
	}
}

func (l *Loop) generateFollowUpTasks(now time.Time) {
	if !l.cfg.AutoGenerate || l.cfg.MinDuration <= 0 {
		return
	}
	if now.Sub(l.state.StartedAt) >= l.cfg.MinDuration {
		return
	}
	if l.queue.Counts().Pending != 0 {
		return
	}
	if len(l.sessions.IdleSessions()) == 0 {
		return
	}

	prompt := l.cfg.FillerPrompts[l.fillerIdx%len(l.cfg.FillerPrompts)]
	l.fillerIdx++
	t := l.queue.Add(task.Spec{Prompt: prompt, Priority: FillerPriority})
	l.state.TasksGenerated++
	l.emit(Event{Kind: EventTaskGenerated, TaskID: t.ID})
}

func (l *Loop) shouldStop(now time.Time) bool {
	counts := l.queue.Counts()
	if counts.Pending != 0 || counts.Running != 0 {
		return false
	}
	minReached := l.cfg.MinDuration <= 0 || now.Sub(l.state.StartedAt) >= l.cfg.MinDuration
	return minReached || !l.cfg.AutoGenerate
}

// HandleSessionCompletion reacts to a session reporting a completion
// phrase. The session's current-task pointer is checked first so a
// late event for an already-failed task cannot resurrect it.
func (l *Loop) HandleSessionCompletion(sessionID, phrase string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.queue.RunningTaskForSession(sessionID)
	if t == nil {
		return
	}
	s := l.sessions.Get(sessionID)
	if s == nil || s.CurrentTaskID() != t.ID {
		return
	}

	t.AppendOutput(s.Output())
	if !t.CheckCompletion(t.Output) && phrase == "" {
		return
	}
	if err := t.Complete(); err != nil {
		return
	}
	l.queue.Update(t)
	s.ClearTask()
	l.state.TasksCompleted++
	l.persist()
	l.emit(Event{Kind: EventTaskCompleted, TaskID: t.ID, SessionID: sessionID, Message: phrase})
}

// HandleSessionError attaches error text to the session's current
// task without failing it. Agents routinely write non-fatal
// diagnostics to stderr.
func (l *Loop) HandleSessionError(sessionID, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.queue.RunningTaskForSession(sessionID)
	if t == nil {
		return
	}
	t.SetError(message)
	l.queue.Update(t)
}

// HandleSessionStopped fails whatever task the vanished session was
// running so the work can be requeued by an operator.
func (l *Loop) HandleSessionStopped(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.queue.RunningTaskForSession(sessionID)
	if t == nil {
		return
	}
	reason := "session stopped unexpectedly"
	if err := t.Fail(reason); err != nil {
		return
	}
	l.queue.Update(t)
	if s := l.sessions.Get(sessionID); s != nil && s.CurrentTaskID() == t.ID {
		s.ClearTask()
	}
	l.persist()
	l.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, SessionID: sessionID, Message: reason})
}

// persist writes loop state and the task table. Callers hold the
// lock. A write failure is reported as an error event; scheduling
// carries on with in-memory state.
func (l *Loop) persist() {
	if err := l.store.SetLoopState(l.state); err != nil {
		l.emit(Event{Kind: EventError, Message: fmt.Sprintf("persist loop state: %v", err)})
	}
	list := l.queue.List()
	tasks := make([]task.Task, 0, len(list))
	for _, t := range list {
		tasks = append(tasks, *t)
	}
	if err := l.store.SaveTasks(tasks); err != nil {
		l.emit(Event{Kind: EventError, Message: fmt.Sprintf("persist tasks: %v", err)})
	}
}

func (l *Loop) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	l.obs.HandleEvent(e)
}
