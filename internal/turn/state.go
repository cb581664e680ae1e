// Package turn decides who owns the microphone and speaker. Transition is the
// pure state machine; Arbiter applies it and drives the capture and playback
// devices.
package turn

import (
	"errors"
	"fmt"

	"github.com/ashureev/negotiation-live/internal/domain"
)

// Trigger is an input to the turn state machine.
type Trigger int

const (
	// TriggerBeginCapture starts listening to the participant.
	TriggerBeginCapture Trigger = iota
	// TriggerSubmit sends the participant's utterance.
	TriggerSubmit
	// TriggerAcknowledge is a committed counterpart message to play back.
	TriggerAcknowledge
	// TriggerFailSafe fires when the counterpart took too long to answer.
	TriggerFailSafe
	// TriggerPlaybackEnded covers playback end, playback error and the watchdog.
	TriggerPlaybackEnded
	TriggerPause
	TriggerReset
	TriggerConnectionLost
	// TriggerCaptureFailed parks a listening turn whose recognizer failed.
	TriggerCaptureFailed
)

func (t Trigger) String() string {
	switch t {
	case TriggerBeginCapture:
		return "begin_capture"
	case TriggerSubmit:
		return "submit"
	case TriggerAcknowledge:
		return "acknowledge"
	case TriggerFailSafe:
		return "fail_safe"
	case TriggerPlaybackEnded:
		return "playback_ended"
	case TriggerPause:
		return "pause"
	case TriggerReset:
		return "reset"
	case TriggerConnectionLost:
		return "connection_lost"
	case TriggerCaptureFailed:
		return "capture_failed"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// ErrInvalidTransition is returned when a trigger has no edge from a state.
var ErrInvalidTransition = errors.New("invalid turn transition")

// Transition returns the state reached from "from" on trigger t.
//
// Listening and locked are never adjacent: the only way between them passes
// through processing or inactive. A submit from inactive is a typed
// submission made without the microphone.
func Transition(from domain.TurnState, t Trigger) (domain.TurnState, error) {
	switch t {
	case TriggerPause, TriggerReset, TriggerConnectionLost:
		return domain.TurnInactive, nil
	case TriggerBeginCapture:
		if from == domain.TurnInactive {
			return domain.TurnListening, nil
		}
	case TriggerCaptureFailed:
		if from == domain.TurnListening {
			return domain.TurnInactive, nil
		}
	case TriggerSubmit:
		if from == domain.TurnListening || from == domain.TurnInactive {
			return domain.TurnProcessing, nil
		}
	case TriggerAcknowledge:
		if from == domain.TurnProcessing || from == domain.TurnInactive {
			return domain.TurnLocked, nil
		}
	case TriggerFailSafe:
		if from == domain.TurnProcessing {
			return domain.TurnInactive, nil
		}
	case TriggerPlaybackEnded:
		if from == domain.TurnLocked {
			return domain.TurnInactive, nil
		}
	}
	return from, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, from)
}
