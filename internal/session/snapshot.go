package session

import (
	"encoding/json"
	"maps"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/metrics"
	"github.com/ashureev/negotiation-live/internal/protocol"
	"github.com/ashureev/negotiation-live/internal/turn"
)

// Snapshot is a consistent copy of everything a front-end renders.
type Snapshot struct {
	Session       domain.Session          `json:"session"`
	Starting      bool                    `json:"starting"`
	Connected     bool                    `json:"connected"`
	Retry         bool                    `json:"retry"`
	Turn          turn.Status             `json:"turn"`
	Program       json.RawMessage         `json:"program,omitempty"`
	Persona       json.RawMessage         `json:"persona,omitempty"`
	RetryContext  *protocol.RetryContext  `json:"retry_context,omitempty"`
	Messages      []domain.Message        `json:"messages"`
	Drafts        []domain.Draft          `json:"drafts"`
	Metrics       *domain.MetricsSnapshot `json:"metrics,omitempty"`
	Commitment    metrics.Commitment      `json:"commitment"`
	MetricEvents  []domain.MetricEvent    `json:"metric_events"`
	MetricHistory []domain.MetricEvent    `json:"metric_history"`
	State         *protocol.StateUpdate   `json:"state,omitempty"`
	Copilot       *domain.CopilotAdvice   `json:"copilot,omitempty"`
	Intents       map[domain.Agent]string `json:"intents,omitempty"`
	Notices       []domain.Notice         `json:"notices"`
	Analysis      *protocol.Analysis      `json:"analysis,omitempty"`
	Runs          []domain.RunRecord      `json:"runs"`
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := c.do(func() { s = c.snapshot() })
	return s, err
}

func (c *Coordinator) snapshot() Snapshot {
	r := c.run
	s := Snapshot{
		Session:       r.session,
		Starting:      r.starting,
		Connected:     r.connected,
		Retry:         r.retry,
		Turn:          c.arb.Status(),
		Program:       r.program,
		Persona:       r.persona,
		RetryContext:  r.retryContext,
		Messages:      append([]domain.Message{}, r.messages...),
		Drafts:        make([]domain.Draft, 0, len(r.draftOrder)),
		Metrics:       c.metrics.Latest(),
		Commitment:    c.metrics.Commitment(),
		MetricEvents:  c.metrics.Active(),
		MetricHistory: c.metrics.History().Events(),
		State:         r.state,
		Copilot:       r.copilot,
		Intents:       maps.Clone(r.intents),
		Notices:       append([]domain.Notice{}, r.notices...),
		Analysis:      r.analysis,
		Runs:          append([]domain.RunRecord{}, c.runs...),
	}
	for _, id := range r.draftOrder {
		s.Drafts = append(s.Drafts, *r.drafts[id])
	}
	return s
}
