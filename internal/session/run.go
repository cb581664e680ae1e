package session

import (
	"encoding/json"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/protocol"
)

// StartConfig describes a new run.
type StartConfig struct {
	ProgramURL  string      `json:"program_url"`
	Mode        domain.Mode `json:"mode"`
	ArchetypeID string      `json:"archetype_id,omitempty"`
	AuthToken   string      `json:"-"`
	DemoMode    bool        `json:"demo_mode"`
}

// run is the per-session state cleared by every reset.
type run struct {
	session   domain.Session
	start     StartConfig
	retry     bool
	starting  bool
	connected bool

	program      json.RawMessage
	persona      json.RawMessage
	retryContext *protocol.RetryContext

	messages   []domain.Message
	committed  map[string]struct{}
	drafts     map[string]*domain.Draft
	draftOrder []string
	thoughts   map[string]string

	state    *protocol.StateUpdate
	copilot  *domain.CopilotAdvice
	intents  map[domain.Agent]string
	notices  []domain.Notice
	analysis *protocol.Analysis
}

func newRun() *run {
	return &run{
		session:   domain.Session{Stage: domain.StageIdle},
		committed: make(map[string]struct{}),
		drafts:    make(map[string]*domain.Draft),
		thoughts:  make(map[string]string),
		intents:   make(map[domain.Agent]string),
	}
}

func (r *run) dropDraft(id string) (*domain.Draft, bool) {
	d, ok := r.drafts[id]
	if !ok {
		return nil, false
	}
	delete(r.drafts, id)
	for i, other := range r.draftOrder {
		if other == id {
			r.draftOrder = append(r.draftOrder[:i], r.draftOrder[i+1:]...)
			break
		}
	}
	return d, true
}

// counterpart reports whether agent is the remote side for a human-driven
// mode. The participant always speaks as the counsellor.
func (r *run) counterpart(agent domain.Agent) bool {
	return r.session.Mode.HumanDriven() && agent == domain.AgentStudent
}
