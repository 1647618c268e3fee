package session

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"autopilot/internal/pattern"
)

// PtySession runs an agent as a child process attached to a
// pseudo-terminal. Unlike TmuxSession there is no polling; a reader
// goroutine streams output from the pty and classifies fragments as
// they arrive.
type PtySession struct {
	id     string
	events Events

	cmd *exec.Cmd
	tty io.ReadWriteCloser

	mu        sync.Mutex
	window    *pattern.Window
	output    strings.Builder
	working   bool
	tokens    int
	taskID    string
	reported  bool
	closed    bool
	listeners []func(fragment string)

	done chan struct{}
}

// StartPtySession launches command on a fresh pty, rooted in dir when
// non-empty, and begins reading its output. Events.Stopped fires when
// the process exits or the session is closed, whichever comes first.
func StartPtySession(id, dir, command string, args []string, events Events) (*PtySession, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", id, err)
	}
	s := &PtySession{
		id:     id,
		events: events,
		cmd:    cmd,
		tty:    tty,
		window: pattern.NewWindow(pattern.DefaultWindowSize),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *PtySession) ID() string { return s.id }

func (s *PtySession) SendInput(text string) error {
	if _, err := io.WriteString(s.tty, text+"\n"); err != nil {
		return fmt.Errorf("send to session %s: %w", s.id, err)
	}
	return nil
}

func (s *PtySession) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *PtySession) IsWorking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// Tokens returns the most recent context token count seen in output.
func (s *PtySession) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

func (s *PtySession) AssignTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = taskID
	s.reported = false
}

func (s *PtySession) ClearTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = ""
	s.reported = false
}

func (s *PtySession) CurrentTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// Subscribe registers a listener for fresh output fragments. Listeners
// run on the reader goroutine, outside the session lock.
func (s *PtySession) Subscribe(fn func(fragment string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *PtySession) readLoop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.tty.Read(buf)
		if n > 0 {
			s.ingest(string(buf[:n]))
		}
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			// Reads fail with EIO once the child exits; only a
			// failure on a live session is worth reporting.
			if !closed && err != io.EOF {
				s.events.error(s.id, err.Error())
			}
			break
		}
	}
	_ = s.cmd.Wait()
	s.events.stopped(s.id)
}

func (s *PtySession) ingest(fragment string) {
	s.mu.Lock()
	sig := s.window.Classify(fragment)
	s.output.WriteString(fragment)
	s.working = sig.Working
	if sig.HasTokens {
		s.tokens = sig.Tokens
	}
	fireCompletion := sig.Completion && s.taskID != "" && !s.reported
	if fireCompletion {
		s.reported = true
	}
	listeners := make([]func(string), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(fragment)
	}
	if fireCompletion {
		s.events.completion(s.id, strings.TrimSpace(fragment))
	}
}

// Close kills the child process and releases the pty. Safe to call
// more than once; Events.Stopped is delivered by the reader goroutine.
func (s *PtySession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.tty.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}
