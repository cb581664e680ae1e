// Package scheduler owns every timer of a live session.
//
// Timers are named. Scheduling a name that is already pending replaces it,
// and a timer only runs if it is still the current holder of its name when
// it fires, so Cancel and CancelAll are enough to guarantee that no callback
// outlives the session that armed it. Callbacks are delivered through a
// Poster, which lets the owner run them on its own event loop.
package scheduler

import (
	"strings"
	"time"
)

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time so tests can drive timers manually.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// System returns a Clock backed by the time package.
func System() Clock { return systemClock{} }

// Poster hands fn to the goroutine that owns the scheduler.
type Poster func(fn func())

// Inline runs posted callbacks on the calling goroutine.
func Inline(fn func()) { fn() }

type entry struct {
	seq   uint64
	timer Timer
	due   time.Time
	fn    func()
}

// Scheduler is not safe for concurrent use; all methods must be called from
// the goroutine that callbacks are posted to.
type Scheduler struct {
	clock  Clock
	post   Poster
	seq    uint64
	timers map[string]*entry
}

// New creates a scheduler. A nil clock uses System and a nil poster uses Inline.
func New(clock Clock, post Poster) *Scheduler {
	if clock == nil {
		clock = System()
	}
	if post == nil {
		post = Inline
	}
	return &Scheduler{
		clock:  clock,
		post:   post,
		timers: make(map[string]*entry),
	}
}

// Now returns the scheduler clock's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule arms fn to run after d under name, replacing any pending timer
// with the same name.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) {
	s.Cancel(name)
	s.seq++
	seq := s.seq
	e := &entry{seq: seq, due: s.clock.Now().Add(d), fn: fn}
	e.timer = s.clock.AfterFunc(d, func() {
		s.post(func() { s.fire(name, seq) })
	})
	s.timers[name] = e
}

func (s *Scheduler) fire(name string, seq uint64) {
	e, ok := s.timers[name]
	if !ok || e.seq != seq {
		return
	}
	delete(s.timers, name)
	e.fn()
}

// Cancel stops the timer registered under name. It reports whether a timer
// was pending.
func (s *Scheduler) Cancel(name string) bool {
	e, ok := s.timers[name]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, name)
	return true
}

// CancelPrefix stops every timer whose name starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) int {
	n := 0
	for name := range s.timers {
		if strings.HasPrefix(name, prefix) {
			s.Cancel(name)
			n++
		}
	}
	return n
}

// CancelAll stops every pending timer.
func (s *Scheduler) CancelAll() {
	for name := range s.timers {
		s.Cancel(name)
	}
}

// Pending reports whether a timer is armed under name.
func (s *Scheduler) Pending(name string) bool {
	_, ok := s.timers[name]
	return ok
}

// Remaining returns the time left on the named timer, or zero.
func (s *Scheduler) Remaining(name string) time.Duration {
	e, ok := s.timers[name]
	if !ok {
		return 0
	}
	if d := e.due.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	return len(s.timers)
}
