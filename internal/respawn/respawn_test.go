package respawn

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSession struct {
	inputs  []string
	sendErr error
}

func (f *fakeSession) SendInput(text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.inputs = append(f.inputs, text)
	return nil
}

type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

func fullConfig() Config {
	return Config{
		Enabled:        true,
		IdleTimeout:    100 * time.Millisecond,
		InterStepDelay: 50 * time.Millisecond,
		SendUpdate:     true,
		SendClear:      true,
		SendInit:       true,
	}
}

// runStage drives one sending/waiting stage to success: the prompt
// comes back, then the waiting deadline expires.
func runStage(c *Controller, clk *clock) {
	c.HandleOutput("done\n> ")
	c.Tick(clk.advance(60 * time.Millisecond))
}

func startAndGoIdle(c *Controller, clk *clock) {
	c.Start()
	c.HandleOutput("$ ")
	c.Tick(clk.advance(150 * time.Millisecond))
}

func TestIdleTimerFiresCycleOnce(t *testing.T) {
	var cycles []int
	sess := &fakeSession{}
	clk := newClock()
	c := New("s1", sess, fullConfig(), Events{
		CycleStarted: func(n int) { cycles = append(cycles, n) },
	}, clk.now)

	c.Start()
	c.HandleOutput("$ ")
	c.Tick(clk.advance(50 * time.Millisecond))
	if len(cycles) != 0 {
		t.Fatal("cycle started before the idle timeout elapsed")
	}
	c.Tick(clk.advance(100 * time.Millisecond))
	if len(cycles) != 1 || cycles[0] != 1 {
		t.Fatalf("cycles = %v, want exactly one cycle numbered 1", cycles)
	}

	// The deadline is consumed; further ticks must not re-fire.
	c.Tick(clk.advance(time.Second))
	if len(cycles) != 1 {
		t.Fatalf("cycle fired again without a new prompt")
	}
}

func TestWorkingActivityResetsIdleTimer(t *testing.T) {
	var cycles int
	clk := newClock()
	c := New("s1", &fakeSession{}, fullConfig(), Events{
		CycleStarted: func(int) { cycles++ },
	}, clk.now)

	c.Start()
	c.HandleOutput("$ ")
	clk.advance(80 * time.Millisecond)
	c.HandleOutput("⠙ thinking (esc to interrupt)")
	c.Tick(clk.advance(200 * time.Millisecond))
	if cycles != 0 {
		t.Fatal("cycle started despite working activity")
	}
}

func TestStagesRunInFixedOrder(t *testing.T) {
	var steps []string
	var states []State
	sess := &fakeSession{}
	clk := newClock()
	cfg := fullConfig()
	cfg.SendKickstart = true
	c := New("s1", sess, cfg, Events{
		StepSent:     func(stage string) { steps = append(steps, stage) },
		StateChanged: func(s, _ State) { states = append(states, s) },
	}, clk.now)

	startAndGoIdle(c, clk)
	runStage(c, clk) // update settles
	runStage(c, clk) // clear settles
	runStage(c, clk) // init settles, kickstart goes out

	want := []string{"update", "clear", "init", "kickstart"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps = %v, want %v", steps, want)
		}
	}
	if st, _, _ := c.Status(); st != StateWatching {
		t.Errorf("state after cycle = %v, want watching", st)
	}
	if sess.inputs[0] != DefaultUpdatePrompt || sess.inputs[1] != DefaultClearCommand {
		t.Errorf("stage commands = %v", sess.inputs)
	}

	// No sending state may appear twice in a row.
	for i := 1; i < len(states); i++ {
		if states[i] == states[i-1] {
			t.Errorf("state %v repeated back to back", states[i])
		}
	}
}

func TestDisabledStagesAreSkipped(t *testing.T) {
	var steps []string
	clk := newClock()
	cfg := fullConfig()
	cfg.SendUpdate = false
	cfg.SendInit = false
	c := New("s1", &fakeSession{}, cfg, Events{
		StepSent: func(stage string) { steps = append(steps, stage) },
	}, clk.now)

	startAndGoIdle(c, clk)
	runStage(c, clk)

	if len(steps) != 1 || steps[0] != "clear" {
		t.Fatalf("steps = %v, want only clear", steps)
	}
}

func TestStageRetriesThenAborts(t *testing.T) {
	var logs []string
	sess := &fakeSession{}
	clk := newClock()
	cfg := fullConfig()
	cfg.MaxStageRetries = 2
	c := New("s1", sess, cfg, Events{
		Log: func(m string) { logs = append(logs, m) },
	}, clk.now)

	startAndGoIdle(c, clk)
	// Prompt never returns: each due tick resends until retries run out.
	c.Tick(clk.advance(60 * time.Millisecond))
	c.Tick(clk.advance(60 * time.Millisecond))
	c.Tick(clk.advance(60 * time.Millisecond))

	if st, _, _ := c.Status(); st != StateWatching {
		t.Fatalf("state = %v, want watching after aborted cycle", st)
	}
	// Initial send plus two retries.
	if len(sess.inputs) != 3 {
		t.Errorf("sent %d commands, want 3", len(sess.inputs))
	}
	found := false
	for _, m := range logs {
		if strings.Contains(m, "aborting cycle") {
			found = true
		}
	}
	if !found {
		t.Error("abort was not logged")
	}
}

func TestConfirmIdleDeclineRearms(t *testing.T) {
	var cycles int
	asked := 0
	clk := newClock()
	cfg := fullConfig()
	cfg.ConfirmIdle = func(timeout time.Duration) (bool, error) {
		asked++
		return asked > 1, nil
	}
	c := New("s1", &fakeSession{}, cfg, Events{
		CycleStarted: func(int) { cycles++ },
	}, clk.now)

	c.Start()
	c.HandleOutput("$ ")
	c.Tick(clk.advance(150 * time.Millisecond))
	if cycles != 0 {
		t.Fatal("cycle started despite declined confirmation")
	}
	c.Tick(clk.advance(150 * time.Millisecond))
	if cycles != 1 {
		t.Fatalf("cycle count = %d after second confirmation, want 1", cycles)
	}
}

func TestConfirmIdleErrorFailsOpen(t *testing.T) {
	var cycles int
	clk := newClock()
	cfg := fullConfig()
	cfg.ConfirmIdle = func(timeout time.Duration) (bool, error) {
		return false, errors.New("hook unavailable")
	}
	c := New("s1", &fakeSession{}, cfg, Events{
		CycleStarted: func(int) { cycles++ },
	}, clk.now)

	startAndGoIdle(c, clk)
	if cycles != 1 {
		t.Fatalf("cycle count = %d, want 1 when the hook errors", cycles)
	}
}

func TestPauseFreezesResumeRearms(t *testing.T) {
	var cycles int
	clk := newClock()
	c := New("s1", &fakeSession{}, fullConfig(), Events{
		CycleStarted: func(int) { cycles++ },
	}, clk.now)

	c.Start()
	c.HandleOutput("$ ")
	c.Pause()
	c.Tick(clk.advance(time.Second))
	if cycles != 0 {
		t.Fatal("cycle fired while paused")
	}

	c.Resume()
	c.Tick(clk.advance(150 * time.Millisecond))
	if cycles != 1 {
		t.Fatalf("cycle count after resume = %d, want 1", cycles)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var changes int
	clk := newClock()
	c := New("s1", &fakeSession{}, fullConfig(), Events{
		StateChanged: func(_, _ State) { changes++ },
	}, clk.now)

	c.Start()
	c.Stop()
	after := changes
	c.Stop()
	if changes != after {
		t.Error("second Stop emitted another state change")
	}
	if st, _, _ := c.Status(); st != StateStopped {
		t.Errorf("state = %v, want stopped", st)
	}
}

func TestStartIgnoredWhenDisabled(t *testing.T) {
	clk := newClock()
	cfg := fullConfig()
	cfg.Enabled = false
	c := New("s1", &fakeSession{}, cfg, Events{}, clk.now)

	c.Start()
	if st, _, _ := c.Status(); st != StateStopped {
		t.Errorf("disabled controller started anyway")
	}
}

func TestUpdateConfigMergesPartially(t *testing.T) {
	clk := newClock()
	c := New("s1", &fakeSession{}, fullConfig(), Events{}, clk.now)

	newTimeout := 7 * time.Second
	off := false
	c.UpdateConfig(Update{IdleTimeout: &newTimeout, SendClear: &off})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.IdleTimeout != newTimeout {
		t.Errorf("IdleTimeout = %v, want %v", c.cfg.IdleTimeout, newTimeout)
	}
	if c.cfg.SendClear {
		t.Error("SendClear should be off")
	}
	if !c.cfg.SendUpdate || !c.cfg.SendInit {
		t.Error("untouched stage toggles were disturbed")
	}
}
