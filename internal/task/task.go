// Package task owns the unit-of-work entity and the priority queue the
// scheduler draws from. Tasks move pending → running → completed/failed;
// a task records which session is working it and accumulates session output
// for auditing regardless of state.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultTimeout bounds a single task's wall-clock run. Long enough for
// substantial agent work, short enough to catch a wedged session.
const DefaultTimeout = 30 * time.Minute

// Sentinel tags wrapping a custom completion phrase in agent output. The
// task prompt instructs the agent to emit the wrapped phrase on completion;
// the wrapping keeps the bare phrase in ordinary prose from counting.
const (
	completionTagOpen  = "<task-complete>"
	completionTagClose = "</task-complete>"
)

// defaultCompletionPhrases mark completion for tasks without a custom
// phrase. Matched case-insensitively against accumulated output.
var defaultCompletionPhrases = []string{
	"task complete",
	"task completed",
	"all tasks complete",
	"nothing left to do",
}

// Task is a unit of work handed to an agent session.
type Task struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	WorkDir  string `json:"work_dir,omitempty"`
	Priority int    `json:"priority"`

	// DependsOn lists task IDs that must be completed before this task is
	// eligible for assignment.
	DependsOn []string `json:"depends_on,omitempty"`
	Status    Status   `json:"status"`

	// AssignedSession is non-empty iff Status == StatusRunning.
	AssignedSession  string        `json:"assigned_session,omitempty"`
	CompletionPhrase string        `json:"completion_phrase,omitempty"`
	Timeout          time.Duration `json:"timeout"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	Output    string `json:"output,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Spec describes a task to create. Zero values get queue defaults.
type Spec struct {
	Prompt           string
	WorkDir          string
	Priority         int
	DependsOn        []string
	CompletionPhrase string
	Timeout          time.Duration
}

// New creates a pending task from spec with a fresh ID and defaults applied.
func New(spec Spec) *Task {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Task{
		ID:               uuid.NewString(),
		Prompt:           spec.Prompt,
		WorkDir:          spec.WorkDir,
		Priority:         spec.Priority,
		DependsOn:        spec.DependsOn,
		Status:           StatusPending,
		CompletionPhrase: spec.CompletionPhrase,
		Timeout:          timeout,
		CreatedAt:        time.Now(),
	}
}

// Assign transitions pending → running and records the owning session.
func (t *Task) Assign(sessionID string) error {
	if t.Status != StatusPending {
		return fmt.Errorf("assign task %s: status is %s, want %s", t.ID, t.Status, StatusPending)
	}
	if sessionID == "" {
		return fmt.Errorf("assign task %s: empty session id", t.ID)
	}
	t.Status = StatusRunning
	t.AssignedSession = sessionID
	t.StartedAt = time.Now()
	return nil
}

// Complete transitions running → completed and clears the session link.
func (t *Task) Complete() error {
	if t.Status != StatusRunning {
		return fmt.Errorf("complete task %s: status is %s, want %s", t.ID, t.Status, StatusRunning)
	}
	t.Status = StatusCompleted
	t.AssignedSession = ""
	t.CompletedAt = time.Now()
	return nil
}

// Fail transitions pending or running → failed and records the reason.
func (t *Task) Fail(reason string) error {
	if t.Status != StatusPending && t.Status != StatusRunning {
		return fmt.Errorf("fail task %s: status is %s", t.ID, t.Status)
	}
	t.Status = StatusFailed
	t.AssignedSession = ""
	t.LastError = reason
	t.CompletedAt = time.Now()
	return nil
}

// AppendOutput accumulates session output. Allowed in any state: output for
// an already-failed task is still kept for audit.
func (t *Task) AppendOutput(text string) {
	t.Output += text
}

// SetError records diagnostic error text without changing status. Error
// output is common and not itself conclusive of failure.
func (t *Task) SetError(text string) {
	t.LastError = text
}

// CheckCompletion tests output for this task's completion marker: the custom
// phrase wrapped in sentinel tags, or any default completion phrase when no
// custom phrase was set.
func (t *Task) CheckCompletion(output string) bool {
	if t.CompletionPhrase != "" {
		return strings.Contains(output, completionTagOpen+t.CompletionPhrase+completionTagClose)
	}
	lower := strings.ToLower(output)
	for _, p := range defaultCompletionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// TimedOut reports whether a running task has exceeded its timeout as of now.
func (t *Task) TimedOut(now time.Time) bool {
	if t.Status != StatusRunning || t.StartedAt.IsZero() {
		return false
	}
	return now.Sub(t.StartedAt) >= t.Timeout
}
