package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/negotiation-live/internal/domain"
)

func TestDecodeStreamChunk(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"stream_chunk","data":{"agent":"student","text":"Hel","message_id":"m1"}}`))
	require.NoError(t, err)

	chunk, ok := ev.(StreamChunk)
	require.True(t, ok, "expected StreamChunk, got %T", ev)
	assert.Equal(t, "m1", chunk.MessageID)
	assert.Equal(t, domain.AgentStudent, chunk.Agent)
	assert.Equal(t, "Hel", chunk.Text)
}

func TestDecodeMessageCompleteOptionalFields(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"message_complete","data":{"id":"m2","agent":"counsellor","content":"Hi","round":3}}`))
	require.NoError(t, err)

	msg := ev.(MessageComplete).Message()
	assert.Equal(t, "m2", msg.ID)
	assert.Equal(t, 3, msg.Round)
	assert.Empty(t, msg.InternalThought)
	assert.Empty(t, msg.Techniques)
}

func TestDecodeMetricsUpdate(t *testing.T) {
	t.Parallel()

	frame := `{"type":"metrics_update","data":{"round":2,"max_rounds":8,"trust_index":55,"close_probability":61.5,` +
		`"tone_escalation":10,"concession_count_student":1,"concession_count_counsellor":2,"sentiment_indicator":"warm","retry_modifier":3}}`
	ev, err := Decode([]byte(frame))
	require.NoError(t, err)

	m := ev.(MetricsUpdate)
	assert.Equal(t, 2, m.Round)
	assert.Equal(t, 8, m.MaxRounds)
	assert.InDelta(t, 61.5, m.CloseProbability, 0.001)
	assert.Equal(t, 1, m.ConcessionCounterparty)
	assert.Equal(t, 2, m.ConcessionSelf)
	assert.Equal(t, "warm", m.Sentiment)
}

func TestDecodeAnalysisKeepsRawPayload(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"analysis","data":{"result":"won","winner":"counsellor","judge":{"negotiation_score":72,"winner":"counsellor"}}}`))
	require.NoError(t, err)

	a := ev.(Analysis)
	assert.Equal(t, "counsellor", a.Winner)
	assert.InDelta(t, 72, a.Judge.NegotiationScore, 0.001)
	assert.True(t, json.Valid(a.Raw))
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame string
		code  string
	}{
		{"not json", `{"type":`, "bad_frame"},
		{"missing type", `{"data":{}}`, "bad_frame"},
		{"unknown type", `{"type":"teleport","data":{}}`, "unsupported"},
		{"chunk without id", `{"type":"stream_chunk","data":{"agent":"student","text":"x"}}`, "bad_frame"},
		{"unknown agent", `{"type":"message_complete","data":{"id":"m","agent":"judge","content":"x"}}`, "bad_frame"},
		{"wrong field type", `{"type":"state_update","data":{"round":"three"}}`, "bad_frame"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tc.frame))
			require.Error(t, err)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tc.code, de.Code)
		})
	}
}

func TestDecodeNullDataIsEmptyPayload(t *testing.T) {
	t.Parallel()

	ev, err := Decode([]byte(`{"type":"warning","data":null}`))
	require.NoError(t, err)
	assert.Equal(t, TypeWarning, ev.EventType())
}

func TestHumanInputShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(NewHumanInput("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"human_input","text":"hello"}`, string(b))
}
