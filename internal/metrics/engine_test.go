package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/scheduler"
)

func newEngine(t *testing.T) (*Engine, *scheduler.ManualClock) {
	t.Helper()
	clock := scheduler.NewManualClock(time.Unix(1_700_000_000, 0))
	sched := scheduler.New(clock, scheduler.Inline)
	return NewEngine(Config{DisplayWindow: 4 * time.Second}, sched), clock
}

func TestCommitmentFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		probability float64
		want        Commitment
	}{
		{0, CommitmentNone},
		{39, CommitmentNone},
		{39.9, CommitmentNone},
		{40, CommitmentSoft},
		{59, CommitmentSoft},
		{60, CommitmentConditional},
		{79, CommitmentConditional},
		{80, CommitmentStrong},
		{100, CommitmentStrong},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CommitmentFor(tt.probability), "probability %v", tt.probability)
	}
}

func TestCommitmentIsMonotonic(t *testing.T) {
	t.Parallel()

	rank := map[Commitment]int{
		CommitmentNone:        0,
		CommitmentSoft:        1,
		CommitmentConditional: 2,
		CommitmentStrong:      3,
	}
	prev := rank[CommitmentFor(0)]
	for p := 0.5; p <= 100; p += 0.5 {
		cur := rank[CommitmentFor(p)]
		require.GreaterOrEqual(t, cur, prev, "probability %v", p)
		prev = cur
	}
}

func TestFirstSnapshotIsBaseline(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	events := e.Apply(domain.MetricsSnapshot{Round: 1, TrustIndex: 50, CloseProbability: 30})

	assert.Empty(t, events)
	require.NotNil(t, e.Latest())
	assert.Nil(t, e.Previous())
	assert.Equal(t, 0, e.History().Len())
}

func TestIdenticalSnapshotsYieldNoEvents(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	snap := domain.MetricsSnapshot{Round: 2, TrustIndex: 61, CloseProbability: 55, ToneEscalation: 12}
	e.Apply(snap)
	events := e.Apply(snap)

	assert.Empty(t, events)
	assert.Empty(t, e.Active())
}

func TestApplyDescribesEachChange(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	e.Apply(domain.MetricsSnapshot{Round: 1, TrustIndex: 50, CloseProbability: 56, ToneEscalation: 20})
	events := e.Apply(domain.MetricsSnapshot{
		Round:                  2,
		TrustIndex:             53,
		CloseProbability:       64,
		ToneEscalation:         18,
		ConcessionCounterparty: 1,
	})

	require.Len(t, events, 4)

	assert.Equal(t, "Trust +3", events[0].Text)
	assert.Equal(t, domain.TonePositive, events[0].Tone)

	assert.Equal(t, "Resistance -2", events[1].Text)
	assert.Equal(t, domain.TonePositive, events[1].Tone)

	assert.Equal(t, "Close probability 64% (+8), conditional commitment", events[2].Text)
	assert.Equal(t, domain.TonePositive, events[2].Tone)

	assert.Equal(t, "Student concessions +1", events[3].Text)

	ids := map[string]bool{}
	for _, ev := range events {
		assert.Equal(t, 2, ev.Round)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ids[ev.ID], "duplicate id %s", ev.ID)
		ids[ev.ID] = true
	}
}

func TestSmallCloseSwingWithinBucketIsQuiet(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	e.Apply(domain.MetricsSnapshot{Round: 1, CloseProbability: 45})
	events := e.Apply(domain.MetricsSnapshot{Round: 2, CloseProbability: 47})

	assert.Empty(t, events)
}

func TestBucketChangeIsReportedEvenForSmallSwing(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	e.Apply(domain.MetricsSnapshot{Round: 1, CloseProbability: 79})
	events := e.Apply(domain.MetricsSnapshot{Round: 2, CloseProbability: 81})

	require.Len(t, events, 1)
	assert.True(t, strings.HasSuffix(events[0].Text, "strong commitment"), events[0].Text)
}

func TestRisingResistanceIsNegative(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t)
	e.Apply(domain.MetricsSnapshot{Round: 1, ToneEscalation: 10})
	events := e.Apply(domain.MetricsSnapshot{Round: 2, ToneEscalation: 15.5})

	require.Len(t, events, 1)
	assert.Equal(t, "Resistance +5.5", events[0].Text)
	assert.Equal(t, domain.ToneNegative, events[0].Tone)
}

func TestActiveEventsExpireAfterDisplayWindow(t *testing.T) {
	t.Parallel()

	e, clock := newEngine(t)
	var expired []string
	e.OnExpire(func(ev domain.MetricEvent) { expired = append(expired, ev.Text) })

	e.Apply(domain.MetricsSnapshot{Round: 1, TrustIndex: 40})
	e.Apply(domain.MetricsSnapshot{Round: 2, TrustIndex: 45})
	require.Len(t, e.Active(), 1)

	clock.Advance(3 * time.Second)
	assert.Len(t, e.Active(), 1)

	clock.Advance(time.Second)
	assert.Empty(t, e.Active())
	assert.Equal(t, []string{"Trust +5"}, expired)
	assert.Equal(t, 1, e.History().Len())
}

func TestResetClearsEverything(t *testing.T) {
	t.Parallel()

	e, clock := newEngine(t)
	expired := 0
	e.OnExpire(func(domain.MetricEvent) { expired++ })
	e.Apply(domain.MetricsSnapshot{Round: 1, TrustIndex: 40})
	e.Apply(domain.MetricsSnapshot{Round: 2, TrustIndex: 45})

	e.Reset()
	clock.Advance(time.Minute)

	assert.Nil(t, e.Latest())
	assert.Empty(t, e.Active())
	assert.Equal(t, 0, e.History().Len())
	assert.Equal(t, 0, expired)
	assert.Empty(t, e.Apply(domain.MetricsSnapshot{Round: 1, TrustIndex: 90}))
}
