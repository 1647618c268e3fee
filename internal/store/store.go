// Package store persists control-plane state between runs: the
// scheduler's loop state, runtime configuration, and task records.
// Writes are atomic (temp file then rename) so a crash mid-write
// never leaves a torn file behind.
package store

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"autopilot/internal/jsonutil"
	"autopilot/internal/task"
)

// LoopStatus is the persisted scheduler status.
type LoopStatus string

const (
	LoopStopped LoopStatus = "stopped"
	LoopRunning LoopStatus = "running"
	LoopPaused  LoopStatus = "paused"
)

// LoopState is the scheduler's persisted state, written after every
// transition and every tick.
type LoopState struct {
	Status LoopStatus `json:"status"`

	StartedAt   time.Time `json:"started_at,omitzero"`
	LastCheckAt time.Time `json:"last_check_at,omitzero"`

	// MinDuration is the minimum run duration; 0 means none.
	MinDuration time.Duration `json:"min_duration_ns"`

	TasksCompleted int `json:"tasks_completed"`
	TasksGenerated int `json:"tasks_generated"`
}

// Config is runtime configuration for the control plane.
type Config struct {
	PollInterval          time.Duration `json:"poll_interval_ns"`
	DefaultTimeout        time.Duration `json:"default_timeout_ns"`
	MaxConcurrentSessions int           `json:"max_concurrent_sessions"`
}

// DefaultConfig returns the configuration used when nothing has been
// persisted yet.
func DefaultConfig() Config {
	return Config{
		PollInterval:          2 * time.Second,
		DefaultTimeout:        task.DefaultTimeout,
		MaxConcurrentSessions: 4,
	}
}

// StateStore is the persistence surface the scheduler depends on.
type StateStore interface {
	Config() Config
	LoopState() LoopState
	SetLoopState(LoopState) error
	Tasks() []task.Task
	SaveTasks(tasks []task.Task) error
}

type fileState struct {
	Config Config               `json:"config"`
	Loop   LoopState            `json:"ralph_loop"`
	Tasks  map[string]task.Task `json:"tasks"`
}

// FileStore is a StateStore backed by a single JSON file.
type FileStore struct {
	path string
	logw io.Writer

	mu    sync.Mutex
	state fileState
}

// Open loads the store at path, creating default state if the file
// does not exist. A loop state persisted as running or paused means
// the previous process died mid-run; it is downgraded to stopped
// rather than resumed. Warnings go to logw when non-nil.
func Open(path string, logw io.Writer) (*FileStore, error) {
	s := &FileStore{
		path: path,
		logw: logw,
		state: fileState{
			Config: DefaultConfig(),
			Loop:   LoopState{Status: LoopStopped},
			Tasks:  make(map[string]task.Task),
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := jsonutil.UnmarshalWithContext(data, &s.state, "parse state file"); err != nil {
		return nil, err
	}
	if s.state.Tasks == nil {
		s.state.Tasks = make(map[string]task.Task)
	}
	if s.state.Config.PollInterval <= 0 {
		s.state.Config = DefaultConfig()
	}
	if s.state.Config.MaxConcurrentSessions <= 0 {
		s.state.Config.MaxConcurrentSessions = DefaultConfig().MaxConcurrentSessions
	}

	if st := s.state.Loop.Status; st == LoopRunning || st == LoopPaused {
		s.writef("loop state was %q at load, previous run did not shut down cleanly; downgrading to stopped\n", st)
		s.state.Loop.Status = LoopStopped
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Config
}

// SetConfig replaces the runtime configuration and persists it.
func (s *FileStore) SetConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Config = cfg
	return s.save()
}

func (s *FileStore) LoopState() LoopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Loop
}

func (s *FileStore) SetLoopState(state LoopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Loop = state
	return s.save()
}

func (s *FileStore) Tasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.state.Tasks))
	for _, t := range s.state.Tasks {
		out = append(out, t)
	}
	return out
}

func (s *FileStore) SaveTasks(tasks []task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Tasks = make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		s.state.Tasks[t.ID] = t
	}
	return s.save()
}

// save writes the whole state atomically. Callers hold the lock.
func (s *FileStore) save() error {
	data, err := jsonutil.MarshalIndented(s.state, "marshal state")
	if err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) writef(format string, args ...any) {
	if s.logw == nil {
		return
	}
	fmt.Fprintf(s.logw, format, args...)
}
