// Package devices drives the participant's microphone and speaker through the
// front-end. Commands go out on the update stream; the front-end reports
// results back through the bridge API, which forwards them to the session.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/turn"
)

// ErrUnknownRequest is returned by Answer for an unknown or expired prompt.
var ErrUnknownRequest = errors.New("unknown permission request")

// Device command actions.
const (
	ActionStartRecognition  = "start_recognition"
	ActionStopRecognition   = "stop_recognition"
	ActionSpeak             = "speak"
	ActionCancelSpeech      = "cancel_speech"
	ActionRequestPermission = "request_permission"
)

// Command is published to the front-end as a device update.
type Command struct {
	Action    string `json:"action"`
	Handle    uint64 `json:"handle,omitempty"`
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Publisher delivers updates to the front-end.
type Publisher interface {
	Publish(domain.Update)
}

// Remote implements turn.Recognizer, turn.Synthesizer and the session's
// permission prompt on top of a front-end connection.
type Remote struct {
	pub    Publisher
	online func() bool
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan error
}

// NewRemote creates remote devices. online reports whether a front-end is
// attached; when it returns false every device is unavailable. A nil online
// means always attached.
func NewRemote(pub Publisher, online func() bool, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		pub:     pub,
		online:  online,
		logger:  logger,
		pending: make(map[string]chan error),
	}
}

func (r *Remote) attached() bool {
	return r.pub != nil && (r.online == nil || r.online())
}

func (r *Remote) send(cmd Command) {
	r.pub.Publish(domain.Update{Type: domain.UpdateDevice, Data: cmd})
}

// Start asks the front-end to start recognition under handle.
func (r *Remote) Start(handle uint64) error {
	if !r.attached() {
		return turn.ErrUnavailable
	}
	r.send(Command{Action: ActionStartRecognition, Handle: handle})
	return nil
}

// Stop asks the front-end to stop recognition for handle.
func (r *Remote) Stop(handle uint64) {
	if r.attached() {
		r.send(Command{Action: ActionStopRecognition, Handle: handle})
	}
}

// Speak asks the front-end to play text under handle.
func (r *Remote) Speak(handle uint64, text string) error {
	if !r.attached() {
		return turn.ErrUnavailable
	}
	r.send(Command{Action: ActionSpeak, Handle: handle, Text: text})
	return nil
}

// Cancel asks the front-end to stop playback for handle.
func (r *Remote) Cancel(handle uint64) {
	if r.attached() {
		r.send(Command{Action: ActionCancelSpeech, Handle: handle})
	}
}

// RequestPermission prompts the participant for microphone access and waits
// for Answer or ctx. Returns nil when granted, an error wrapping
// turn.ErrPermissionDenied when refused and turn.ErrUnavailable when nobody
// answered.
func (r *Remote) RequestPermission(ctx context.Context) error {
	if !r.attached() {
		return turn.ErrUnavailable
	}
	id := uuid.NewString()
	answer := make(chan error, 1)

	r.mu.Lock()
	r.pending[id] = answer
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	r.send(Command{Action: ActionRequestPermission, RequestID: id})
	select {
	case err := <-answer:
		return err
	case <-ctx.Done():
		r.logger.Warn("permission prompt not answered", "request_id", id, "error", ctx.Err())
		return fmt.Errorf("%w: permission prompt not answered", turn.ErrUnavailable)
	}
}

// Answer resolves a pending permission prompt.
func (r *Remote) Answer(requestID string, granted bool, reason string) error {
	r.mu.Lock()
	answer, ok := r.pending[requestID]
	delete(r.pending, requestID)
	r.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	var err error
	if !granted {
		if reason == "" {
			reason = "denied"
		}
		err = fmt.Errorf("%w: %s", turn.ErrPermissionDenied, reason)
	}
	answer <- err
	return nil
}
