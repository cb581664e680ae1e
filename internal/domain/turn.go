package domain

// TurnState says who currently owns the microphone and speaker.
type TurnState string

const (
	TurnInactive   TurnState = "inactive"
	TurnListening  TurnState = "listening"
	TurnProcessing TurnState = "processing"
	TurnLocked     TurnState = "locked"
)
