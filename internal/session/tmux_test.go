package session

import (
	"errors"
	"strings"
	"testing"
)

// stubPane simulates a pane whose capture grows over time.
type stubPane struct {
	content string
	sent    []string
	killed  bool
	failCap bool
}

func newStubSession(events Events) (*TmuxSession, *stubPane) {
	pane := &stubPane{}
	s := NewTmuxSession("sess-1", "%7", events)
	s.sendKeys = func(paneID, keys string) error {
		pane.sent = append(pane.sent, keys)
		return nil
	}
	s.capture = func(paneID string) (string, error) {
		if pane.failCap {
			return "", errors.New("no such pane")
		}
		return pane.content, nil
	}
	s.kill = func(paneID string) error {
		pane.killed = true
		return nil
	}
	return s, pane
}

func TestPollAccumulatesFreshOutput(t *testing.T) {
	s, pane := newStubSession(Events{})

	pane.content = "line one\n"
	s.Poll()
	pane.content = "line one\nline two\n"
	s.Poll()

	if got := s.Output(); got != "line one\nline two\n" {
		t.Errorf("Output() = %q, want both lines exactly once", got)
	}
}

func TestPollWorkingIndicator(t *testing.T) {
	s, pane := newStubSession(Events{})

	pane.content = "⠋ thinking (esc to interrupt)"
	s.Poll()
	if !s.IsWorking() {
		t.Error("expected working after busy indicator")
	}

	pane.content = "⠋ thinking (esc to interrupt)\ndone\n> "
	s.Poll()
	if s.IsWorking() {
		t.Error("expected idle after prompt returned")
	}
}

func TestPollTokens(t *testing.T) {
	s, pane := newStubSession(Events{})

	pane.content = "context: 123.4k tokens"
	s.Poll()
	if got := s.Tokens(); got != 123400 {
		t.Errorf("Tokens() = %d, want 123400", got)
	}
}

func TestCompletionFiresOncePerAssignment(t *testing.T) {
	var fired int
	s, pane := newStubSession(Events{
		Completion: func(sessionID, phrase string) {
			fired++
			if sessionID != "sess-1" {
				t.Errorf("completion for session %q", sessionID)
			}
		},
	})
	s.AssignTask("task-1")

	pane.content = "✻ Worked for 54s\n"
	s.Poll()
	pane.content = "✻ Worked for 54s\nstill here, Worked for 55s\n"
	s.Poll()
	if fired != 1 {
		t.Fatalf("completion fired %d times, want 1", fired)
	}

	// A new assignment re-arms the report.
	s.ClearTask()
	s.AssignTask("task-2")
	pane.content = "✻ Worked for 54s\nstill here, Worked for 55s\nWorked for 3m 2s\n"
	s.Poll()
	if fired != 2 {
		t.Fatalf("completion fired %d times after reassignment, want 2", fired)
	}
}

func TestCompletionIgnoredWhenIdle(t *testing.T) {
	var fired int
	s, pane := newStubSession(Events{
		Completion: func(string, string) { fired++ },
	})

	pane.content = "Worked for 10s\n"
	s.Poll()
	if fired != 0 {
		t.Errorf("completion fired with no task assigned")
	}
}

func TestCaptureFailureReportsError(t *testing.T) {
	var msg string
	s, pane := newStubSession(Events{
		Error: func(sessionID, m string) { msg = m },
	})

	pane.failCap = true
	s.Poll()
	if !strings.Contains(msg, "no such pane") {
		t.Errorf("error event = %q, want capture failure", msg)
	}
	if s.Output() != "" {
		t.Errorf("output should be untouched after failed capture")
	}
}

func TestSendInputAppendsNewline(t *testing.T) {
	s, pane := newStubSession(Events{})

	if err := s.SendInput("hello"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if len(pane.sent) != 2 || pane.sent[0] != "hello" || pane.sent[1] != "\n" {
		t.Errorf("sent = %q, want text then newline", pane.sent)
	}
}

func TestSubscribeReceivesFragments(t *testing.T) {
	var got []string
	s, pane := newStubSession(Events{})
	s.Subscribe(func(fragment string) { got = append(got, fragment) })

	pane.content = "a"
	s.Poll()
	pane.content = "ab"
	s.Poll()

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("fragments = %q, want [a b]", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var stopped int
	s, pane := newStubSession(Events{
		Stopped: func(string) { stopped++ },
	})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !pane.killed {
		t.Error("pane was not killed")
	}
	if stopped != 1 {
		t.Errorf("stopped fired %d times, want 1", stopped)
	}
}
