package task

import (
	"sort"
	"sync"
	"time"
)

// Counts holds per-status task tallies.
type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue stores tasks and selects the next eligible one for assignment.
// Safe for concurrent use: the scheduler tick and session event handlers
// may run on different goroutines.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*Task

	// now is injectable for deterministic ordering tests.
	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Add creates a task from spec, stores it, and returns it.
func (q *Queue) Add(spec Spec) *Task {
	t := New(spec)
	t.CreatedAt = q.nowFn()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[t.ID] = t
	return t
}

// Restore loads previously persisted tasks. A task persisted as running
// belongs to a session that no longer exists, so it is failed rather than
// resumed; execution is not exactly-once across restarts.
func (q *Queue) Restore(tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		if t.Status == StatusRunning {
			t.Status = StatusFailed
			t.AssignedSession = ""
			t.LastError = "control process restarted mid-task"
		}
		q.tasks[t.ID] = &t
	}
}

// Next returns the highest-priority pending task whose every dependency is
// completed, FIFO on ties. Returns nil if nothing is eligible.
func (q *Queue) Next() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var eligible []*Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if q.depsCompletedLocked(t) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	return eligible[0]
}

// Update persists a mutated task back into the store. Tasks are stored by
// pointer, so this is a no-op for tasks obtained from this queue; it exists
// so callers holding a detached copy (e.g. restored from disk) can write it
// back by ID.
func (q *Queue) Update(t *Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[t.ID] = t
}

// Get returns the task with the given ID, or nil if unknown.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id]
}

// RunningTasks returns all tasks currently in the running state.
func (q *Queue) RunningTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for _, t := range q.tasks {
		if t.Status == StatusRunning {
			out = append(out, t)
		}
	}
	return out
}

// RunningTaskForSession returns the running task assigned to sessionID,
// or nil if that session has none.
func (q *Queue) RunningTaskForSession(sessionID string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == StatusRunning && t.AssignedSession == sessionID {
			return t
		}
	}
	return nil
}

// Counts returns per-status tallies.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// List returns all tasks ordered by creation time.
func (q *Queue) List() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove deletes the task with the given ID.
// Returns false if the ID is unknown.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[id]; !ok {
		return false
	}
	delete(q.tasks, id)
	return true
}

// Clear deletes all tasks and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = make(map[string]*Task)
	return n
}

// depsCompletedLocked reports whether every dependency of t is completed.
// Unknown dependency IDs count as unmet: the task stays blocked rather than
// running against a dependency that was never queued.
func (q *Queue) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) nowFn() time.Time {
	if q.now != nil {
		return q.now()
	}
	return time.Now()
}
