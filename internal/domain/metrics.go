package domain

import "time"

// MetricsSnapshot is one metrics_update payload from the negotiation service.
type MetricsSnapshot struct {
	Round                  int     `json:"round"`
	TrustIndex             float64 `json:"trust_index"`
	CloseProbability       float64 `json:"close_probability"`
	ToneEscalation         float64 `json:"tone_escalation"`
	ConcessionCounterparty int     `json:"concession_count_student"`
	ConcessionSelf         int     `json:"concession_count_counsellor"`
	Sentiment              string  `json:"sentiment_indicator"`
	RetryModifier          float64 `json:"retry_modifier"`
}

// Tone colours a metric event for display.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneNegative Tone = "negative"
	ToneNeutral  Tone = "neutral"
)

// MetricEvent is a derived, immutable description of a metrics change.
type MetricEvent struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Tone      Tone      `json:"tone"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}
