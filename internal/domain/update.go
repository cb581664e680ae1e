package domain

// Update kinds published to front-end subscribers.
const (
	UpdateStage         = "stage"
	UpdateTurn          = "turn"
	UpdateTranscript    = "transcript"
	UpdateDraft         = "draft"
	UpdateMessage       = "message"
	UpdateMetrics       = "metrics"
	UpdateMetricEvent   = "metric_event"
	UpdateMetricExpired = "metric_expired"
	UpdateState         = "state"
	UpdateCopilot       = "copilot"
	UpdateIntent        = "intent"
	UpdateNotice        = "notice"
	UpdateAnalysis      = "analysis"
	UpdateReset         = "reset"
	UpdateDevice        = "device"
)

// Update is one change pushed to front-end subscribers.
type Update struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}
