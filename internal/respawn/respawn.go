// Package respawn runs scripted maintenance cycles against an agent
// session once it has been idle for long enough. A controller watches
// one session's output stream, waits out an idle timeout after the
// prompt returns, then walks a fixed sequence of stages (context
// update, conversation clear, re-init), each gated on the session
// going idle again before the next is sent.
package respawn

import (
	"fmt"
	"sync"
	"time"

	"autopilot/internal/pattern"
)

// State identifies where a controller is in its cycle.
type State int

const (
	StateStopped State = iota
	StateWatching
	StateSendingUpdate
	StateWaitingUpdate
	StateSendingClear
	StateWaitingClear
	StateSendingInit
	StateWaitingInit
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateWatching:
		return "watching"
	case StateSendingUpdate:
		return "sending_update"
	case StateWaitingUpdate:
		return "waiting_update"
	case StateSendingClear:
		return "sending_clear"
	case StateWaitingClear:
		return "waiting_clear"
	case StateSendingInit:
		return "sending_init"
	case StateWaitingInit:
		return "waiting_init"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the slice of a session a controller needs.
type Session interface {
	SendInput(text string) error
}

// ConfirmIdleFunc is an optional secondary idle check consulted before
// a cycle starts. Implementations must respect the timeout they are
// handed. An error counts as confirmation so a broken hook can never
// stall the cycle forever.
type ConfirmIdleFunc func(timeout time.Duration) (bool, error)

// Config controls one controller. Zero-value durations fall back to
// the package defaults when the controller starts.
type Config struct {
	Enabled         bool
	IdleTimeout     time.Duration
	InterStepDelay  time.Duration
	MaxStageRetries int

	SendUpdate    bool
	SendClear     bool
	SendInit      bool
	SendKickstart bool

	UpdatePrompt    string
	ClearCommand    string
	InitCommand     string
	KickstartPrompt string

	ConfirmIdle        ConfirmIdleFunc
	ConfirmIdleTimeout time.Duration
}

const (
	DefaultIdleTimeout        = 2 * time.Minute
	DefaultInterStepDelay     = 5 * time.Second
	DefaultMaxStageRetries    = 3
	DefaultConfirmIdleTimeout = 30 * time.Second

	DefaultUpdatePrompt    = "Summarize your current progress and remaining work."
	DefaultClearCommand    = "/clear"
	DefaultInitCommand     = "/init"
	DefaultKickstartPrompt = "Continue with the remaining work."
)

// Update carries a partial config change. Nil fields leave the
// current value untouched.
type Update struct {
	Enabled         *bool
	IdleTimeout     *time.Duration
	InterStepDelay  *time.Duration
	MaxStageRetries *int

	SendUpdate    *bool
	SendClear     *bool
	SendInit      *bool
	SendKickstart *bool

	UpdatePrompt    *string
	ClearCommand    *string
	InitCommand     *string
	KickstartPrompt *string
}

// Events carries controller callbacks. Nil fields are skipped. All
// callbacks run with the controller lock held, so they must not call
// back into the controller.
type Events struct {
	StateChanged func(state, prev State)
	Log          func(message string)
	CycleStarted func(cycle int)
	StepSent     func(stage string)
}

// Controller is the per-session maintenance state machine. All timing
// is expressed as stored deadlines checked by Tick, so tests drive it
// with a fake clock instead of sleeping.
type Controller struct {
	sessionID string
	sess      Session
	events    Events
	now       func() time.Time

	mu     sync.Mutex
	cfg    Config
	state  State
	paused bool

	window     *pattern.Window
	promptSeen bool
	working    bool

	// deadline is the next time Tick has something to do. Zero
	// means nothing is scheduled.
	deadline time.Time
	// remaining preserves the deadline distance across a pause.
	remaining time.Duration

	retries int
	cycles  int
}

// New builds a controller for one session. now may be nil for the
// real clock.
func New(sessionID string, sess Session, cfg Config, events Events, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	applyDefaults(&cfg)
	return &Controller{
		sessionID: sessionID,
		sess:      sess,
		events:    events,
		now:       now,
		cfg:       cfg,
		state:     StateStopped,
		window:    pattern.NewWindow(pattern.DefaultWindowSize),
	}
}

func applyDefaults(cfg *Config) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.InterStepDelay <= 0 {
		cfg.InterStepDelay = DefaultInterStepDelay
	}
	if cfg.MaxStageRetries <= 0 {
		cfg.MaxStageRetries = DefaultMaxStageRetries
	}
	if cfg.ConfirmIdleTimeout <= 0 {
		cfg.ConfirmIdleTimeout = DefaultConfirmIdleTimeout
	}
	if cfg.UpdatePrompt == "" {
		cfg.UpdatePrompt = DefaultUpdatePrompt
	}
	if cfg.ClearCommand == "" {
		cfg.ClearCommand = DefaultClearCommand
	}
	if cfg.InitCommand == "" {
		cfg.InitCommand = DefaultInitCommand
	}
	if cfg.KickstartPrompt == "" {
		cfg.KickstartPrompt = DefaultKickstartPrompt
	}
}

// Start moves stopped to watching. Disabled controllers and already
// running ones are left alone.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled || c.state != StateStopped {
		return
	}
	c.promptSeen = false
	c.working = false
	c.retries = 0
	c.window.Reset()
	c.setState(StateWatching)
}

// Stop clears all timers and returns to stopped from any state.
// Calling it again is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.deadline = time.Time{}
	c.remaining = 0
	c.paused = false
	c.promptSeen = false
	c.retries = 0
	c.setState(StateStopped)
}

// Pause freezes the pending deadline without losing the current
// state. Usable from any running state.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped || c.paused {
		return
	}
	c.paused = true
	if !c.deadline.IsZero() {
		c.remaining = c.deadline.Sub(c.now())
		if c.remaining < 0 {
			c.remaining = 0
		}
		c.deadline = time.Time{}
	}
	c.logf("paused in %s", c.state)
}

// Resume is only honored when paused inside watching; it discards the
// frozen remainder and arms a fresh idle timer if a prompt was seen.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.state != StateWatching {
		return
	}
	c.paused = false
	c.remaining = 0
	if c.promptSeen {
		c.deadline = c.now().Add(c.cfg.IdleTimeout)
	}
	c.logf("resumed watching")
}

// UpdateConfig merges non-nil fields into the current config without
// disturbing the controller's state.
func (c *Controller) UpdateConfig(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.Enabled != nil {
		c.cfg.Enabled = *u.Enabled
	}
	if u.IdleTimeout != nil {
		c.cfg.IdleTimeout = *u.IdleTimeout
	}
	if u.InterStepDelay != nil {
		c.cfg.InterStepDelay = *u.InterStepDelay
	}
	if u.MaxStageRetries != nil {
		c.cfg.MaxStageRetries = *u.MaxStageRetries
	}
	if u.SendUpdate != nil {
		c.cfg.SendUpdate = *u.SendUpdate
	}
	if u.SendClear != nil {
		c.cfg.SendClear = *u.SendClear
	}
	if u.SendInit != nil {
		c.cfg.SendInit = *u.SendInit
	}
	if u.SendKickstart != nil {
		c.cfg.SendKickstart = *u.SendKickstart
	}
	if u.UpdatePrompt != nil {
		c.cfg.UpdatePrompt = *u.UpdatePrompt
	}
	if u.ClearCommand != nil {
		c.cfg.ClearCommand = *u.ClearCommand
	}
	if u.InitCommand != nil {
		c.cfg.InitCommand = *u.InitCommand
	}
	if u.KickstartPrompt != nil {
		c.cfg.KickstartPrompt = *u.KickstartPrompt
	}
	applyDefaults(&c.cfg)
}

// Status reports the current state, pause flag, and completed cycle
// count.
func (c *Controller) Status() (state State, paused bool, cycles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.paused, c.cycles
}

// HandleOutput feeds one fresh output fragment through the rolling
// window. In watching, working activity disarms the idle timer and a
// prompt arms it. In waiting stages the signals feed the readiness
// check done on the next due Tick.
func (c *Controller) HandleOutput(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	sig := c.window.Classify(fragment)
	c.working = sig.Working

	switch {
	case sig.Working:
		c.promptSeen = false
		if c.state == StateWatching && !c.paused {
			c.deadline = time.Time{}
		}
	case sig.Prompt:
		c.promptSeen = true
		if c.state == StateWatching && !c.paused {
			c.deadline = c.now().Add(c.cfg.IdleTimeout)
		}
	}
}

// Tick advances the machine if the stored deadline has passed. The
// owner calls it on its polling cadence with the current time.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.deadline.IsZero() || now.Before(c.deadline) {
		return
	}
	c.deadline = time.Time{}

	switch c.state {
	case StateWatching:
		c.fireIdle(now)
	case StateWaitingUpdate, StateWaitingClear, StateWaitingInit:
		c.checkStage(now)
	}
}

func (c *Controller) fireIdle(now time.Time) {
	if !c.promptSeen {
		return
	}
	if c.cfg.ConfirmIdle != nil {
		idle, err := c.cfg.ConfirmIdle(c.cfg.ConfirmIdleTimeout)
		if err != nil {
			c.logf("idle confirmation failed, assuming idle: %v", err)
		} else if !idle {
			c.deadline = now.Add(c.cfg.IdleTimeout)
			return
		}
	}

	stage, ok := c.firstStage()
	if !ok {
		c.logf("idle detected but no stages enabled")
		c.promptSeen = false
		return
	}
	c.cycles++
	if c.events.CycleStarted != nil {
		c.events.CycleStarted(c.cycles)
	}
	c.logf("respawn cycle %d started", c.cycles)
	c.enterStage(stage, now)
}

type stage int

const (
	stageUpdate stage = iota
	stageClear
	stageInit
)

func (s stage) name() string {
	switch s {
	case stageUpdate:
		return "update"
	case stageClear:
		return "clear"
	default:
		return "init"
	}
}

func (c *Controller) stageEnabled(s stage) bool {
	switch s {
	case stageUpdate:
		return c.cfg.SendUpdate
	case stageClear:
		return c.cfg.SendClear
	default:
		return c.cfg.SendInit
	}
}

func (c *Controller) stageCommand(s stage) string {
	switch s {
	case stageUpdate:
		return c.cfg.UpdatePrompt
	case stageClear:
		return c.cfg.ClearCommand
	default:
		return c.cfg.InitCommand
	}
}

func (c *Controller) firstStage() (stage, bool) {
	for s := stageUpdate; s <= stageInit; s++ {
		if c.stageEnabled(s) {
			return s, true
		}
	}
	return 0, false
}

func (c *Controller) nextStage(after stage) (stage, bool) {
	for s := after + 1; s <= stageInit; s++ {
		if c.stageEnabled(s) {
			return s, true
		}
	}
	return 0, false
}

func sendingState(s stage) State {
	switch s {
	case stageUpdate:
		return StateSendingUpdate
	case stageClear:
		return StateSendingClear
	default:
		return StateSendingInit
	}
}

func waitingState(s stage) State {
	switch s {
	case stageUpdate:
		return StateWaitingUpdate
	case stageClear:
		return StateWaitingClear
	default:
		return StateWaitingInit
	}
}

func currentStage(st State) stage {
	switch st {
	case StateWaitingUpdate, StateSendingUpdate:
		return stageUpdate
	case StateWaitingClear, StateSendingClear:
		return stageClear
	default:
		return stageInit
	}
}

// enterStage sends the stage command and moves into its waiting
// state. Send failures consume a retry on the next due Tick rather
// than aborting outright.
func (c *Controller) enterStage(s stage, now time.Time) {
	c.setState(sendingState(s))
	c.retries = 0
	c.sendStage(s, now)
}

func (c *Controller) sendStage(s stage, now time.Time) {
	if err := c.sess.SendInput(c.stageCommand(s)); err != nil {
		c.logf("stage %s send failed: %v", s.name(), err)
	} else if c.events.StepSent != nil {
		c.events.StepSent(s.name())
	}
	c.promptSeen = false
	c.setState(waitingState(s))
	c.deadline = now.Add(c.cfg.InterStepDelay)
}

// checkStage runs when a waiting deadline expires. The stage is done
// once the prompt has come back since the command was sent.
func (c *Controller) checkStage(now time.Time) {
	s := currentStage(c.state)
	if c.promptSeen && !c.working {
		next, ok := c.nextStage(s)
		if !ok {
			c.finishCycle(now)
			return
		}
		c.enterStage(next, now)
		return
	}

	c.retries++
	if c.retries > c.cfg.MaxStageRetries {
		c.logf("stage %s did not settle after %d attempts, aborting cycle", s.name(), c.retries)
		c.abortCycle()
		return
	}
	c.setState(sendingState(s))
	c.sendStage(s, now)
}

func (c *Controller) finishCycle(now time.Time) {
	if c.cfg.SendKickstart {
		if err := c.sess.SendInput(c.cfg.KickstartPrompt); err != nil {
			c.logf("kickstart send failed: %v", err)
		} else if c.events.StepSent != nil {
			c.events.StepSent("kickstart")
		}
	}
	c.logf("respawn cycle %d finished", c.cycles)
	c.backToWatching()
}

func (c *Controller) abortCycle() {
	c.backToWatching()
}

func (c *Controller) backToWatching() {
	c.retries = 0
	c.promptSeen = false
	c.deadline = time.Time{}
	c.setState(StateWatching)
}

func (c *Controller) setState(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	if c.events.StateChanged != nil {
		c.events.StateChanged(next, prev)
	}
}

func (c *Controller) logf(format string, args ...any) {
	if c.events.Log == nil {
		return
	}
	c.events.Log(fmt.Sprintf("[%s] %s", c.sessionID, fmt.Sprintf(format, args...)))
}
