// Package metrics turns metrics snapshots from the negotiation service into
// short, human readable change events.
package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/scheduler"
)

// Commitment is the four-level reading of close probability.
type Commitment string

const (
	CommitmentNone        Commitment = "none"
	CommitmentSoft        Commitment = "soft"
	CommitmentConditional Commitment = "conditional"
	CommitmentStrong      Commitment = "strong"
)

// CommitmentFor maps a close probability in [0,100] to its bucket. Intervals
// are closed-open, so a boundary value belongs to the higher bucket.
func CommitmentFor(probability float64) Commitment {
	switch {
	case probability >= 80:
		return CommitmentStrong
	case probability >= 60:
		return CommitmentConditional
	case probability >= 40:
		return CommitmentSoft
	default:
		return CommitmentNone
	}
}

// DefaultCloseThreshold is the smallest close-probability swing reported on
// its own, without a bucket change.
const DefaultCloseThreshold = 4

// Delta is the difference between two consecutive snapshots.
type Delta struct {
	Trust                  float64
	Resistance             float64
	Close                  float64
	ConcessionCounterparty int
	ConcessionSelf         int
	From                   Commitment
	To                     Commitment
}

// Diff computes cur - prev, rounded to one decimal.
func Diff(prev, cur domain.MetricsSnapshot) Delta {
	return Delta{
		Trust:                  round1(cur.TrustIndex - prev.TrustIndex),
		Resistance:             round1(cur.ToneEscalation - prev.ToneEscalation),
		Close:                  round1(cur.CloseProbability - prev.CloseProbability),
		ConcessionCounterparty: cur.ConcessionCounterparty - prev.ConcessionCounterparty,
		ConcessionSelf:         cur.ConcessionSelf - prev.ConcessionSelf,
		From:                   CommitmentFor(prev.CloseProbability),
		To:                     CommitmentFor(cur.CloseProbability),
	}
}

// Zero reports whether nothing tracked changed.
func (d Delta) Zero() bool {
	return d.Trust == 0 && d.Resistance == 0 && d.Close == 0 &&
		d.ConcessionCounterparty == 0 && d.ConcessionSelf == 0 && d.From == d.To
}

func round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0 // normalise -0
	}
	return r
}

// Config tunes an Engine.
type Config struct {
	// DisplayWindow is how long an event stays in Active.
	DisplayWindow time.Duration
	HistoryCap    int
	// CloseThreshold is the minimum |Δclose| reported without a bucket change.
	CloseThreshold float64
}

// Engine keeps the latest two snapshots and the events derived from them.
// It is not safe for concurrent use.
type Engine struct {
	cfg      Config
	sched    *scheduler.Scheduler
	latest   *domain.MetricsSnapshot
	previous *domain.MetricsSnapshot
	active   []domain.MetricEvent
	history  *History
	onExpire func(domain.MetricEvent)
}

const expiryPrefix = "metric:"

// NewEngine creates an engine whose display timers run on sched.
func NewEngine(cfg Config, sched *scheduler.Scheduler) *Engine {
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = 4 * time.Second
	}
	if cfg.CloseThreshold <= 0 {
		cfg.CloseThreshold = DefaultCloseThreshold
	}
	if sched == nil {
		sched = scheduler.New(nil, nil)
	}
	return &Engine{
		cfg:     cfg,
		sched:   sched,
		history: NewHistory(cfg.HistoryCap),
	}
}

// OnExpire registers a callback run when an event leaves the display window.
func (e *Engine) OnExpire(fn func(domain.MetricEvent)) {
	e.onExpire = fn
}

// Apply records snap as the latest snapshot and returns the events derived
// from its difference to the previous one. The first snapshot of a session is
// a baseline and yields no events.
func (e *Engine) Apply(snap domain.MetricsSnapshot) []domain.MetricEvent {
	e.previous = e.latest
	cur := snap
	e.latest = &cur
	if e.previous == nil {
		return nil
	}

	d := Diff(*e.previous, cur)
	if d.Zero() {
		return nil
	}

	events := e.describe(d, cur)
	now := e.sched.Now()
	for i := range events {
		events[i].ID = uuid.NewString()
		events[i].Round = cur.Round
		events[i].Timestamp = now
		e.publish(events[i])
	}
	return events
}

func (e *Engine) describe(d Delta, cur domain.MetricsSnapshot) []domain.MetricEvent {
	var events []domain.MetricEvent
	if d.Trust != 0 {
		events = append(events, domain.MetricEvent{
			Text: fmt.Sprintf("Trust %+g", d.Trust),
			Tone: signTone(d.Trust),
		})
	}
	if d.Resistance != 0 {
		events = append(events, domain.MetricEvent{
			Text: fmt.Sprintf("Resistance %+g", d.Resistance),
			Tone: signTone(-d.Resistance),
		})
	}
	if math.Abs(d.Close) >= e.cfg.CloseThreshold || d.From != d.To {
		text := fmt.Sprintf("Close probability %g%% (%+g)", round1(cur.CloseProbability), d.Close)
		if d.From != d.To {
			text += fmt.Sprintf(", %s commitment", d.To)
		}
		events = append(events, domain.MetricEvent{Text: text, Tone: signTone(d.Close)})
	}
	if d.ConcessionCounterparty != 0 {
		events = append(events, domain.MetricEvent{
			Text: fmt.Sprintf("Student concessions %+d", d.ConcessionCounterparty),
			Tone: signTone(float64(d.ConcessionCounterparty)),
		})
	}
	if d.ConcessionSelf != 0 {
		events = append(events, domain.MetricEvent{
			Text: fmt.Sprintf("Your concessions %+d", d.ConcessionSelf),
			Tone: domain.ToneNeutral,
		})
	}
	return events
}

func signTone(v float64) domain.Tone {
	switch {
	case v > 0:
		return domain.TonePositive
	case v < 0:
		return domain.ToneNegative
	default:
		return domain.ToneNeutral
	}
}

func (e *Engine) publish(ev domain.MetricEvent) {
	e.active = append(e.active, ev)
	e.history.Append(ev)
	e.sched.Schedule(expiryPrefix+ev.ID, e.cfg.DisplayWindow, func() { e.expire(ev.ID) })
}

func (e *Engine) expire(id string) {
	for i, ev := range e.active {
		if ev.ID != id {
			continue
		}
		e.active = append(e.active[:i], e.active[i+1:]...)
		if e.onExpire != nil {
			e.onExpire(ev)
		}
		return
	}
}

// Latest returns a copy of the most recent snapshot, or nil.
func (e *Engine) Latest() *domain.MetricsSnapshot {
	if e.latest == nil {
		return nil
	}
	s := *e.latest
	return &s
}

// Previous returns a copy of the snapshot before Latest, or nil.
func (e *Engine) Previous() *domain.MetricsSnapshot {
	if e.previous == nil {
		return nil
	}
	s := *e.previous
	return &s
}

// Commitment returns the bucket of the latest snapshot.
func (e *Engine) Commitment() Commitment {
	if e.latest == nil {
		return CommitmentNone
	}
	return CommitmentFor(e.latest.CloseProbability)
}

// Active returns the events still inside their display window.
func (e *Engine) Active() []domain.MetricEvent {
	return append([]domain.MetricEvent(nil), e.active...)
}

// History returns the durable, capped event history.
func (e *Engine) History() *History {
	return e.history
}

// Reset forgets every snapshot and event and cancels pending expiries.
func (e *Engine) Reset() {
	e.sched.CancelPrefix(expiryPrefix)
	e.latest = nil
	e.previous = nil
	e.active = nil
	e.history.Reset()
}
