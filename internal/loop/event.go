package loop

import "time"

// EventKind enumerates everything the loop can report. The set is
// closed: observers can switch exhaustively on it.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventPaused
	EventResumed
	EventTaskAssigned
	EventTaskCompleted
	EventTaskFailed
	EventTaskGenerated
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventTaskAssigned:
		return "task_assigned"
	case EventTaskCompleted:
		return "task_completed"
	case EventTaskFailed:
		return "task_failed"
	case EventTaskGenerated:
		return "task_generated"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one loop occurrence. TaskID and SessionID are set for the
// task events; Message carries failure reasons and error text.
type Event struct {
	Kind      EventKind
	Time      time.Time
	TaskID    string
	SessionID string
	Message   string
}

// Observer receives loop events in the order they were emitted.
type Observer interface {
	HandleEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) HandleEvent(e Event) { f(e) }

// MultiObserver fans events out to several observers, preserving
// emission order per observer. Nil observers are skipped.
type MultiObserver struct {
	observers []Observer
}

var _ Observer = (*MultiObserver)(nil)

// NewMultiObserver builds a fan-out over the given observers, with
// nil entries filtered.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

// HandleEvent forwards the event to every observer. A panicking
// observer does not block the others.
func (m *MultiObserver) HandleEvent(e Event) {
	for _, obs := range m.observers {
		safeCall(func() { obs.HandleEvent(e) })
	}
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			// One observer failing shouldn't block others.
		}
	}()
	fn()
}
