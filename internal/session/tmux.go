package session

import (
	"fmt"
	"strings"
	"sync"

	"autopilot/internal/pattern"
	"autopilot/internal/tmux"
)

// TmuxSession drives an agent running inside a tmux pane. Output is
// pulled by polling capture-pane and diffing against the previous
// snapshot, so only fresh text reaches the classifier and listeners.
type TmuxSession struct {
	id     string
	paneID string
	events Events

	// Hooks over the tmux binary, replaceable in tests.
	sendKeys func(paneID, keys string) error
	capture  func(paneID string) (string, error)
	kill     func(paneID string) error

	mu          sync.Mutex
	window      *pattern.Window
	output      strings.Builder
	lastCapture string
	working     bool
	tokens      int
	taskID      string
	reported    bool
	closed      bool
	listeners   []func(fragment string)
}

// NewTmuxSession wraps an existing pane. The caller is responsible for
// having started the agent process inside it.
func NewTmuxSession(id, paneID string, events Events) *TmuxSession {
	return &TmuxSession{
		id:       id,
		paneID:   paneID,
		events:   events,
		sendKeys: tmux.SendKeys,
		capture:  tmux.CapturePane,
		kill:     tmux.KillPane,
		window:   pattern.NewWindow(pattern.DefaultWindowSize),
	}
}

// SpawnTmuxSession splits a new pane rooted at workDir, launches
// command in it, and returns a session wrapping the result.
func SpawnTmuxSession(id, workDir, command string, events Events) (*TmuxSession, error) {
	paneID, err := tmux.SplitPane(workDir, command)
	if err != nil {
		return nil, fmt.Errorf("spawn session %s: %w", id, err)
	}
	return NewTmuxSession(id, paneID, events), nil
}

func (s *TmuxSession) ID() string { return s.id }

// PaneID returns the tmux pane backing this session.
func (s *TmuxSession) PaneID() string { return s.paneID }

func (s *TmuxSession) SendInput(text string) error {
	if err := s.sendKeys(s.paneID, text); err != nil {
		return fmt.Errorf("send to session %s: %w", s.id, err)
	}
	return s.sendKeys(s.paneID, "\n")
}

func (s *TmuxSession) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *TmuxSession) IsWorking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// Tokens returns the most recent context token count seen in output,
// or 0 if none has appeared yet.
func (s *TmuxSession) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

func (s *TmuxSession) AssignTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = taskID
	s.reported = false
}

func (s *TmuxSession) ClearTask() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = ""
	s.reported = false
}

func (s *TmuxSession) CurrentTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// Subscribe registers a listener that receives every fresh output
// fragment. Listeners run on the polling goroutine, in registration
// order, outside the session lock.
func (s *TmuxSession) Subscribe(fn func(fragment string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Poll captures the pane, extracts text not seen in the previous
// capture, and runs it through classification. A capture failure is
// reported through Events.Error but does not terminate the session.
func (s *TmuxSession) Poll() {
	content, err := s.capture(s.paneID)
	if err != nil {
		s.events.error(s.id, err.Error())
		return
	}

	fragment := s.diff(content)
	if fragment == "" {
		return
	}

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

// diff returns the portion of content not covered by the previous
// capture. Pane captures are cumulative snapshots of the visible
// buffer, so the common prefix is text already processed.
func (s *TmuxSession) diff(content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if content == s.lastCapture {
		return ""
	}
	prev := s.lastCapture
	s.lastCapture = content
	n := 0
	for n < len(prev) && n < len(content) && prev[n] == content[n] {
		n++
	}
	// Back up to a rune boundary so the classifier never sees a
	// fragment starting mid-character.
	for n > 0 && !utf8RuneStart(content[n]) {
		n--
	}
	return content[n:]
}

func (s *TmuxSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.kill(s.paneID)
	s.events.stopped(s.id)
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
