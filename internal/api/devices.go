package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/negotiation-live/internal/devices"
	"github.com/ashureev/negotiation-live/internal/turn"
)

type recognitionRequest struct {
	Handle uint64 `json:"handle"`
	Text   string `json:"text"`
	Final  bool   `json:"final"`
}

type deviceEndedRequest struct {
	Handle uint64 `json:"handle"`
	Error  string `json:"error,omitempty"`
}

type permissionRequest struct {
	RequestID string `json:"request_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
}

// Recognition forwards a recognizer result.
func (h *Handler) Recognition(w http.ResponseWriter, r *http.Request) {
	var req recognitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.session.RecognitionResult(req.Handle, req.Text, req.Final)
	w.WriteHeader(http.StatusAccepted)
}

// RecognitionEnded forwards the end of a recognizer run.
func (h *Handler) RecognitionEnded(w http.ResponseWriter, r *http.Request) {
	var req deviceEndedRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.session.RecognitionEnded(req.Handle, recognizerError(req.Error))
	w.WriteHeader(http.StatusAccepted)
}

// PlaybackEnded forwards the end of playback.
func (h *Handler) PlaybackEnded(w http.ResponseWriter, r *http.Request) {
	var req deviceEndedRequest
	if !h.decode(w, r, &req) {
		return
	}
	var err error
	if req.Error != "" {
		err = errors.New(req.Error)
	}
	h.session.PlaybackEnded(req.Handle, err)
	w.WriteHeader(http.StatusAccepted)
}

// Permission answers a microphone permission prompt.
func (h *Handler) Permission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if h.permissions == nil {
		Error(w, http.StatusNotFound, "voice disabled")
		return
	}
	if err := h.permissions.Answer(req.RequestID, req.Granted, req.Reason); err != nil {
		if errors.Is(err, devices.ErrUnknownRequest) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recognizerError maps browser speech recognition error codes. Refused
// access switches the session to manual submission.
func recognizerError(code string) error {
	switch code {
	case "":
		return nil
	case "not-allowed", "service-not-allowed":
		return fmt.Errorf("%w: %s", turn.ErrPermissionDenied, code)
	case "audio-capture":
		return fmt.Errorf("%w: %s", turn.ErrUnavailable, code)
	default:
		return errors.New(code)
	}
}
