// Package silence watches for inactivity while the participant holds the
// microphone. It owns two timers: an idle prompt and an optional auto-submit.
package silence

import (
	"time"

	"github.com/ashureev/negotiation-live/internal/scheduler"
)

const (
	DefaultIdlePrompt = 10 * time.Second
	DefaultAutoSubmit = 5 * time.Second

	idleTimer = "silence:idle_prompt"
	autoTimer = "silence:auto_submit"
)

// Config holds the monitor delays.
type Config struct {
	IdlePrompt time.Duration
	AutoSubmit time.Duration
	// AutoSubmitEnabled is the initial auto-submit preference.
	AutoSubmitEnabled bool
}

// Monitor arms and cancels the inactivity timers. It is driven from the
// coordinator loop and is not safe for concurrent use.
type Monitor struct {
	cfg         Config
	sched       *scheduler.Scheduler
	active      bool
	autoEnabled bool
	held        bool

	onIdle       func()
	onAutoSubmit func()
}

// New creates a monitor. onIdle runs when the idle prompt fires and
// onAutoSubmit when the auto-submit delay elapses.
func New(cfg Config, sched *scheduler.Scheduler, onIdle, onAutoSubmit func()) *Monitor {
	if cfg.IdlePrompt <= 0 {
		cfg.IdlePrompt = DefaultIdlePrompt
	}
	if cfg.AutoSubmit <= 0 {
		cfg.AutoSubmit = DefaultAutoSubmit
	}
	if onIdle == nil {
		onIdle = func() {}
	}
	if onAutoSubmit == nil {
		onAutoSubmit = func() {}
	}
	return &Monitor{
		cfg:          cfg,
		sched:        sched,
		autoEnabled:  cfg.AutoSubmitEnabled,
		onIdle:       onIdle,
		onAutoSubmit: onAutoSubmit,
	}
}

// Arm starts watching. Called when listening begins.
func (m *Monitor) Arm() {
	m.active = true
	m.sched.Cancel(autoTimer)
	m.sched.Schedule(idleTimer, m.cfg.IdlePrompt, m.fireIdle)
}

// Touch records recognition activity and rearms both timers.
func (m *Monitor) Touch() {
	if !m.active {
		return
	}
	m.sched.Schedule(idleTimer, m.cfg.IdlePrompt, m.fireIdle)
	if m.autoEnabled && !m.held {
		m.sched.Schedule(autoTimer, m.cfg.AutoSubmit, m.fireAuto)
	}
}

// Cancel stops watching and drops both timers.
func (m *Monitor) Cancel() {
	m.active = false
	m.sched.Cancel(idleTimer)
	m.sched.Cancel(autoTimer)
}

// SetAutoSubmit toggles auto-submit. Disabling drops a pending timer at once;
// enabling waits for the next recognition result before arming.
func (m *Monitor) SetAutoSubmit(enabled bool) {
	m.autoEnabled = enabled
	if !enabled {
		m.sched.Cancel(autoTimer)
	}
}

// Hold suppresses auto-submit while the remote side is speaking and drops a
// pending one. Releasing waits for the next recognition result before arming.
func (m *Monitor) Hold(on bool) {
	m.held = on
	if on {
		m.sched.Cancel(autoTimer)
	}
}

// AutoSubmit reports whether auto-submit is enabled.
func (m *Monitor) AutoSubmit() bool { return m.autoEnabled }

// Active reports whether the monitor is watching.
func (m *Monitor) Active() bool { return m.active }

// IdlePending reports whether the idle prompt is armed.
func (m *Monitor) IdlePending() bool { return m.sched.Pending(idleTimer) }

// AutoSubmitPending reports whether an auto-submit is armed.
func (m *Monitor) AutoSubmitPending() bool { return m.sched.Pending(autoTimer) }

func (m *Monitor) fireIdle() {
	if !m.active {
		return
	}
	m.onIdle()
}

func (m *Monitor) fireAuto() {
	if !m.active || !m.autoEnabled || m.held {
		return
	}
	m.onAutoSubmit()
}
