// Package protocol defines the wire format spoken with the negotiation service.
//
// Inbound frames are {type, data} envelopes decoded into a closed set of event
// types by Decode. Anything else is rejected there, so the rest of the
// coordinator only ever sees well-formed events.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/negotiation-live/internal/domain"
)

// Inbound event types.
const (
	TypeSessionReady    = "session_ready"
	TypeStreamChunk     = "stream_chunk"
	TypeStudentThought  = "student_thought"
	TypeMessageComplete = "message_complete"
	TypeMetricsUpdate   = "metrics_update"
	TypeStateUpdate     = "state_update"
	TypeAnalysis        = "analysis"
	TypeCopilotUpdate   = "copilot_update"
	TypeIntentUpdate    = "intent_update"
	TypeWarning         = "warning"
	TypeError           = "error"
)

// TypeHumanInput is the only outbound message type after the handshake.
const TypeHumanInput = "human_input"

// DecodeError describes an inbound frame that could not be turned into an Event.
type DecodeError struct {
	Code    string
	Message string
	Type    string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

func badFrame(typ, format string, args ...any) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: fmt.Sprintf(format, args...), Type: typ}
}

func unsupported(typ string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: "unsupported event type", Type: typ}
}

// Event is implemented by every inbound event type.
type Event interface {
	EventType() string
}

// Handshake is the first frame sent after the connection opens.
type Handshake struct {
	SessionID   string `json:"session_id"`
	AuthToken   string `json:"auth_token"`
	Mode        string `json:"mode"`
	RetryMode   bool   `json:"retry_mode"`
	DemoMode    bool   `json:"demo_mode"`
	ArchetypeID string `json:"archetype_id,omitempty"`
}

// HumanInput carries one human turn.
type HumanInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewHumanInput builds a human_input submission.
func NewHumanInput(text string) HumanInput {
	return HumanInput{Type: TypeHumanInput, Text: text}
}

// RetryContext is echoed by the service when a run is a retry.
type RetryContext struct {
	IsRetry                    bool     `json:"is_retry"`
	Mistakes                   []string `json:"mistakes,omitempty"`
	PrimaryUnresolvedObjection string   `json:"primary_unresolved_objection,omitempty"`
	RetryModifier              float64  `json:"retry_modifier"`
}

// SessionReady confirms the session parameters chosen by the service.
type SessionReady struct {
	Persona      json.RawMessage `json:"persona,omitempty"`
	Program      json.RawMessage `json:"program,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	RetryContext *RetryContext   `json:"retry_context,omitempty"`
}

func (SessionReady) EventType() string { return TypeSessionReady }

// StreamChunk is a fragment of an in-flight message.
type StreamChunk struct {
	MessageID string       `json:"message_id"`
	Agent     domain.Agent `json:"agent"`
	Text      string       `json:"text"`
}

func (StreamChunk) EventType() string { return TypeStreamChunk }

// StudentThought carries the counterpart's private reasoning for a message.
type StudentThought struct {
	MessageID string `json:"message_id"`
	Round     int    `json:"round"`
	Thought   string `json:"thought"`
}

func (StudentThought) EventType() string { return TypeStudentThought }

// MessageComplete is the authoritative content of a finished message.
type MessageComplete struct {
	ID              string       `json:"id"`
	Agent           domain.Agent `json:"agent"`
	Content         string       `json:"content"`
	Round           int          `json:"round"`
	Techniques      []string     `json:"techniques,omitempty"`
	StrategicIntent string       `json:"strategic_intent,omitempty"`
	InternalThought string       `json:"internal_thought,omitempty"`
}

func (MessageComplete) EventType() string { return TypeMessageComplete }

// Message converts the event into a transcript entry.
func (m MessageComplete) Message() domain.Message {
	return domain.Message{
		ID:              m.ID,
		Agent:           m.Agent,
		Content:         m.Content,
		Round:           m.Round,
		Techniques:      append([]string(nil), m.Techniques...),
		StrategicIntent: m.StrategicIntent,
		InternalThought: m.InternalThought,
	}
}

// MetricsUpdate is a full metrics snapshot.
type MetricsUpdate struct {
	domain.MetricsSnapshot
	MaxRounds          int     `json:"max_rounds,omitempty"`
	ObjectionIntensity float64 `json:"objection_intensity,omitempty"`
}

func (MetricsUpdate) EventType() string { return TypeMetricsUpdate }

// StateUpdate carries auxiliary per-round counters.
type StateUpdate struct {
	Round           int     `json:"round"`
	MaxRounds       int     `json:"max_rounds"`
	DealStatus      string  `json:"deal_status,omitempty"`
	CounsellorOffer float64 `json:"counsellor_offer,omitempty"`
	StudentOffer    float64 `json:"student_offer,omitempty"`
}

func (StateUpdate) EventType() string { return TypeStateUpdate }

// Judge is the service's verdict on a finished run.
type Judge struct {
	Winner                     string   `json:"winner"`
	Why                        string   `json:"why,omitempty"`
	CommitmentSignal           string   `json:"commitment_signal,omitempty"`
	EnrollmentLikelihood       float64  `json:"enrollment_likelihood"`
	NegotiationScore           float64  `json:"negotiation_score"`
	PrimaryUnresolvedObjection string   `json:"primary_unresolved_objection,omitempty"`
	TrustDelta                 float64  `json:"trust_delta"`
	Strengths                  []string `json:"strengths,omitempty"`
	Mistakes                   []string `json:"mistakes,omitempty"`
}

// Analysis terminates the session.
type Analysis struct {
	Result       string                  `json:"result"`
	Winner       string                  `json:"winner"`
	Judge        Judge                   `json:"judge"`
	FinalMetrics *domain.MetricsSnapshot `json:"final_metrics,omitempty"`
	Raw          json.RawMessage         `json:"-"`
}

func (Analysis) EventType() string { return TypeAnalysis }

// CopilotUpdate is advisory coaching for the human participant.
type CopilotUpdate struct {
	Round       int                 `json:"round"`
	Analysis    string              `json:"analysis"`
	Suggestions []domain.Suggestion `json:"suggestions,omitempty"`
	FactCheck   string              `json:"fact_check,omitempty"`
}

func (CopilotUpdate) EventType() string { return TypeCopilotUpdate }

// Advice converts the update into the domain type.
func (c CopilotUpdate) Advice() domain.CopilotAdvice {
	return domain.CopilotAdvice{
		Round:       c.Round,
		Analysis:    c.Analysis,
		Suggestions: append([]domain.Suggestion(nil), c.Suggestions...),
		FactCheck:   c.FactCheck,
	}
}

// IntentUpdate announces the strategic intent behind the next message.
type IntentUpdate struct {
	Agent  domain.Agent `json:"agent"`
	Intent string       `json:"intent"`
}

func (IntentUpdate) EventType() string { return TypeIntentUpdate }

// Warning is a non-fatal notice from the service.
type Warning struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (Warning) EventType() string { return TypeWarning }

// Error is a fatal notice from the service.
type Error struct {
	Message string `json:"message"`
}

func (Error) EventType() string { return TypeError }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses one inbound text frame.
//
//nolint:gocyclo // One case per event type keeps the union closed in one place.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, badFrame("", "decode envelope: %v", err)
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badFrame("", "frame missing type")
	}
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}

	switch typ {
	case TypeSessionReady:
		var ev SessionReady
		return decodeInto(typ, data, &ev)
	case TypeStreamChunk:
		var ev StreamChunk
		if _, err := decodeInto(typ, data, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.MessageID) == "" {
			return nil, badFrame(typ, "missing message_id")
		}
		if err := checkAgent(typ, ev.Agent); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeStudentThought:
		var ev StudentThought
		if _, err := decodeInto(typ, data, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.MessageID) == "" {
			return nil, badFrame(typ, "missing message_id")
		}
		return ev, nil
	case TypeMessageComplete:
		var ev MessageComplete
		if _, err := decodeInto(typ, data, &ev); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ev.ID) == "" {
			return nil, badFrame(typ, "missing id")
		}
		if err := checkAgent(typ, ev.Agent); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeMetricsUpdate:
		var ev MetricsUpdate
		return decodeInto(typ, data, &ev)
	case TypeStateUpdate:
		var ev StateUpdate
		return decodeInto(typ, data, &ev)
	case TypeAnalysis:
		var ev Analysis
		if _, err := decodeInto(typ, data, &ev); err != nil {
			return nil, err
		}
		ev.Raw = append(json.RawMessage(nil), data...)
		return ev, nil
	case TypeCopilotUpdate:
		var ev CopilotUpdate
		return decodeInto(typ, data, &ev)
	case TypeIntentUpdate:
		var ev IntentUpdate
		return decodeInto(typ, data, &ev)
	case TypeWarning:
		var ev Warning
		return decodeInto(typ, data, &ev)
	case TypeError:
		var ev Error
		return decodeInto(typ, data, &ev)
	default:
		return nil, unsupported(typ)
	}
}

// decodeInto unmarshals data into ev, a pointer to an Event value, and returns
// the dereferenced value.
func decodeInto[T Event](typ string, data []byte, ev *T) (Event, error) {
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, badFrame(typ, "decode data: %v", err)
	}
	return *ev, nil
}

func checkAgent(typ string, agent domain.Agent) error {
	switch agent {
	case domain.AgentCounsellor, domain.AgentStudent:
		return nil
	default:
		return badFrame(typ, "unknown agent %q", agent)
	}
}
