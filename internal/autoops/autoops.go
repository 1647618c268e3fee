// Package autoops watches a session's context token usage and fires
// scripted /compact and /clear commands when configured thresholds
// are crossed. The two watchers are independent but mutually
// exclusive, and a command is only ever sent while the agent is idle.
package autoops

import (
	"fmt"
	"sync"
	"time"
)

// Session is the slice of a session the watchdog needs.
type Session interface {
	SendInput(text string) error
	IsWorking() bool
}

const (
	// MinThreshold and MaxThreshold bound acceptable trigger
	// thresholds. Values outside are replaced by the defaults.
	MinThreshold = 1_000
	MaxThreshold = 500_000

	DefaultCompactThreshold = 50_000
	DefaultClearThreshold   = 100_000

	DefaultRetryDelay = 5 * time.Second
	DefaultCooldown   = time.Minute
)

// Events carries watchdog callbacks. Nil fields are skipped.
type Events struct {
	CompactTriggered func(tokens int)
	ClearTriggered   func(tokens int)
	Log              func(message string)
}

type phase int

const (
	phaseIdle phase = iota
	phaseSendPending
	phaseCooldown
)

type watcher struct {
	enabled   bool
	threshold int
	active    bool
	phase     phase
	deadline  time.Time
}

// Ops is the per-session watchdog. Timing is stored deadlines checked
// by Tick, so tests drive it with a fake clock.
type Ops struct {
	sessionID string
	sess      Session
	events    Events
	now       func() time.Time

	mu            sync.Mutex
	compact       watcher
	clear         watcher
	compactPrompt string
	tokens        int
	retryDelay    time.Duration
	cooldown      time.Duration
	destroyed     bool
}

// New builds a watchdog for one session with both watchers disabled.
// now may be nil for the real clock.
func New(sessionID string, sess Session, events Events, now func() time.Time) *Ops {
	if now == nil {
		now = time.Now
	}
	return &Ops{
		sessionID:  sessionID,
		sess:       sess,
		events:     events,
		now:        now,
		compact:    watcher{threshold: DefaultCompactThreshold},
		clear:      watcher{threshold: DefaultClearThreshold},
		retryDelay: DefaultRetryDelay,
		cooldown:   DefaultCooldown,
	}
}

// SetAutoCompact configures the compaction watcher. A threshold of 0
// keeps the current value; out-of-range thresholds are replaced by
// the default with a logged warning, never rejected with an error.
func (o *Ops) SetAutoCompact(enabled bool, threshold int, prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compact.enabled = enabled
	if threshold != 0 {
		o.compact.threshold = o.clampThreshold(threshold, DefaultCompactThreshold)
	}
	if prompt != "" {
		o.compactPrompt = prompt
	}
}

// SetAutoClear configures the clear watcher with the same threshold
// rules as SetAutoCompact.
func (o *Ops) SetAutoClear(enabled bool, threshold int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clear.enabled = enabled
	if threshold != 0 {
		o.clear.threshold = o.clampThreshold(threshold, DefaultClearThreshold)
	}
}

func (o *Ops) clampThreshold(v, def int) int {
	if v < MinThreshold || v > MaxThreshold {
		o.logf("threshold %d outside [%d, %d], using default %d", v, MinThreshold, MaxThreshold, def)
		return def
	}
	return v
}

// RecordTokens stores the latest context token count and arms any
// watcher whose threshold is now crossed. Compaction is considered
// before clearing when both qualify.
func (o *Ops) RecordTokens(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.tokens = count
	o.check(&o.compact)
	o.check(&o.clear)
}

// check arms w when it is enabled, inactive, the other watcher is
// inactive, and the threshold is crossed. Arming schedules an
// immediate send attempt on the next Tick.
func (o *Ops) check(w *watcher) {
	other := &o.clear
	if w == &o.clear {
		other = &o.compact
	}
	if !w.enabled || w.active || other.active || o.tokens < w.threshold {
		return
	}
	w.active = true
	w.phase = phaseSendPending
	w.deadline = o.now()
}

// Tick advances any armed watcher whose deadline has passed. A
// pending send is deferred while the agent is still working and
// retried after the retry delay; once sent, the watcher sits in a
// cooldown before re-arming.
func (o *Ops) Tick(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return
	}
	o.tickWatcher(&o.compact, now)
	o.tickWatcher(&o.clear, now)
}

func (o *Ops) tickWatcher(w *watcher, now time.Time) {
	if !w.active || w.deadline.IsZero() || now.Before(w.deadline) {
		return
	}
	switch w.phase {
	case phaseSendPending:
		if o.sess.IsWorking() {
			w.deadline = now.Add(o.retryDelay)
			return
		}
		o.fire(w, now)
	case phaseCooldown:
		w.active = false
		w.phase = phaseIdle
		w.deadline = time.Time{}
	}
}

func (o *Ops) fire(w *watcher, now time.Time) {
	var cmd string
	if w == &o.compact {
		cmd = "/compact"
		if o.compactPrompt != "" {
			cmd += " " + o.compactPrompt
		}
	} else {
		cmd = "/clear"
	}

	if err := o.sess.SendInput(cmd); err != nil {
		o.logf("%s send failed: %v", cmd, err)
		// The command never reached the agent; release the
		// watcher so a later token update can retrigger it.
		w.active = false
		w.phase = phaseIdle
		w.deadline = time.Time{}
		return
	}

	if w == &o.compact {
		o.logf("auto-compact sent at %d tokens", o.tokens)
		if o.events.CompactTriggered != nil {
			o.events.CompactTriggered(o.tokens)
		}
	} else {
		o.logf("auto-clear sent at %d tokens", o.tokens)
		if o.events.ClearTriggered != nil {
			o.events.ClearTriggered(o.tokens)
		}
	}
	w.phase = phaseCooldown
	w.deadline = now.Add(o.cooldown)
}

// Status reports the active flags.
func (o *Ops) Status() (compacting, clearing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.compact.active, o.clear.active
}

// Tokens returns the last recorded token count.
func (o *Ops) Tokens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tokens
}

// Destroy cancels all pending work and clears both active flags.
// Safe to call more than once and from any state.
func (o *Ops) Destroy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destroyed = true
	o.compact.active = false
	o.compact.phase = phaseIdle
	o.compact.deadline = time.Time{}
	o.clear.active = false
	o.clear.phase = phaseIdle
	o.clear.deadline = time.Time{}
}

func (o *Ops) logf(format string, args ...any) {
	if o.events.Log == nil {
		return
	}
	o.events.Log(fmt.Sprintf("[%s] %s", o.sessionID, fmt.Sprintf(format, args...)))
}
