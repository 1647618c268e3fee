package session

import (
	"sort"
	"sync"

	"autopilot/internal/tmux"
)

// Manager is the view of the session pool the scheduler works with.
type Manager interface {
	// IdleSessions returns sessions with no task assigned, ordered
	// by ID for deterministic assignment.
	IdleSessions() []Session

	// BusySessions returns sessions with a task assigned.
	BusySessions() []Session

	// Get returns the session with the given ID, or nil.
	Get(id string) Session

	// Count returns the number of registered sessions.
	Count() int
}

// LivenessChecker reports which panes currently exist, keyed by pane
// ID. Injectable so tests can simulate panes disappearing.
type LivenessChecker func() (map[string]bool, error)

// TmuxLiveness checks pane existence via list-panes.
func TmuxLiveness() (map[string]bool, error) {
	return tmux.ListPaneIDs()
}

type entry struct {
	sess Session
	// paneID is empty for sessions not backed by a tmux pane;
	// those are never pruned by liveness checks.
	paneID string
}

// Registry is the concrete Manager. It owns session registration and
// prunes sessions whose backing pane has disappeared.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]entry
	liveness  LivenessChecker
	onRemoved func(Session)
}

// NewRegistry builds an empty registry. onRemoved, if non-nil, is
// called for every session removed by Prune or Remove.
func NewRegistry(liveness LivenessChecker, onRemoved func(Session)) *Registry {
	if liveness == nil {
		liveness = TmuxLiveness
	}
	return &Registry{
		sessions:  make(map[string]entry),
		liveness:  liveness,
		onRemoved: onRemoved,
	}
}

// Register adds a session. paneID may be empty for surfaces with no
// tmux pane. Re-registering an ID replaces the previous entry.
func (r *Registry) Register(sess Session, paneID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = entry{sess: sess, paneID: paneID}
}

// Remove drops a session without closing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok && r.onRemoved != nil {
		r.onRemoved(e.sess)
	}
}

func (r *Registry) Get(id string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return e.sess
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) IdleSessions() []Session {
	return r.filter(func(s Session) bool { return s.CurrentTaskID() == "" })
}

func (r *Registry) BusySessions() []Session {
	return r.filter(func(s Session) bool { return s.CurrentTaskID() != "" })
}

func (r *Registry) filter(keep func(Session) bool) []Session {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sessions[id].sess)
	}
	r.mu.Unlock()

	kept := out[:0]
	for _, s := range out {
		if keep(s) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Prune removes sessions whose backing pane no longer exists and
// returns how many were dropped. Sessions without a pane are kept.
func (r *Registry) Prune() (int, error) {
	live, err := r.liveness()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	var removed []Session
	for id, e := range r.sessions {
		if e.paneID == "" || live[e.paneID] {
			continue
		}
		removed = append(removed, e.sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if r.onRemoved != nil {
		for _, s := range removed {
			r.onRemoved(s)
		}
	}
	return len(removed), nil
}

// CloseAll closes every registered session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		all = append(all, e.sess)
	}
	r.sessions = make(map[string]entry)
	r.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
}
