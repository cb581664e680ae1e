package domain

// Agent identifies the speaker of a message.
type Agent string

const (
	AgentCounsellor Agent = "counsellor"
	AgentStudent    Agent = "student"
)

// Message is a committed transcript entry. Messages are never mutated after
// they are appended to a session transcript.
type Message struct {
	ID              string   `json:"id"`
	Agent           Agent    `json:"agent"`
	Content         string   `json:"content"`
	Round           int      `json:"round"`
	Techniques      []string `json:"techniques,omitempty"`
	StrategicIntent string   `json:"strategic_intent,omitempty"`
	InternalThought string   `json:"internal_thought,omitempty"`
}

// Draft accumulates streamed text for a message that has not completed yet.
type Draft struct {
	MessageID string `json:"message_id"`
	Agent     Agent  `json:"agent"`
	Text      string `json:"text"`
}

// CopilotAdvice is advisory coaching shown next to the transcript.
type CopilotAdvice struct {
	Round       int          `json:"round"`
	Analysis    string       `json:"analysis"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	FactCheck   string       `json:"fact_check,omitempty"`
}

// Suggestion is one coaching tip.
type Suggestion struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}
