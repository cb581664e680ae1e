package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/identity"
	"github.com/ashureev/negotiation-live/internal/session"
)

type startRequest struct {
	ProgramURL  string `json:"program_url"`
	Mode        string `json:"mode"`
	ArchetypeID string `json:"archetype_id"`
	DemoMode    bool   `json:"demo_mode"`
}

type submitRequest struct {
	Text string `json:"text"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// GetSession returns the current snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, _ *http.Request) {
	h.writeSnapshot(w)
}

// Start begins a new run. Without a valid login the request is remembered
// and resumed after the next successful login.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	cfg := session.StartConfig{
		ProgramURL:  req.ProgramURL,
		Mode:        domain.ParseMode(req.Mode),
		ArchetypeID: req.ArchetypeID,
		DemoMode:    req.DemoMode,
	}

	clientID := identity.ClientIDFromContext(r.Context())
	token, err := h.vault.Token(clientID)
	if err != nil {
		h.rememberStart(clientID, cfg)
		h.writeSessionError(w, err)
		return
	}
	cfg.AuthToken = token

	// The run outlives the request; a closed tab must not abort analysis.
	if err := h.session.Start(context.WithoutCancel(r.Context()), cfg); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			h.vault.Forget(clientID)
			h.rememberStart(clientID, cfg)
		}
		h.writeSessionError(w, err)
		return
	}
	h.writeSnapshot(w)
}

// Retry replays the current session in retry mode.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	token, err := h.vault.Token(clientID)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	if err := h.session.UpdateAuthToken(token); err != nil {
		h.writeSessionError(w, err)
		return
	}
	if err := h.session.Retry(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			h.vault.Forget(clientID)
		}
		h.writeSessionError(w, err)
		return
	}
	h.writeSnapshot(w)
}

// Reset clears the session and its run history.
func (h *Handler) Reset(w http.ResponseWriter, _ *http.Request) {
	if err := h.session.Reset(); err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeSnapshot(w)
}

// Submit sends typed text, or the captured transcript when text is blank.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.command(w, h.session.Submit(r.Context(), req.Text))
}

// Capture starts listening to the participant.
func (h *Handler) Capture(w http.ResponseWriter, _ *http.Request) {
	h.command(w, h.session.BeginCapture())
}

// Pause stops capture and playback.
func (h *Handler) Pause(w http.ResponseWriter, _ *http.Request) {
	h.command(w, h.session.Pause())
}

// Resume lifts a pause.
func (h *Handler) Resume(w http.ResponseWriter, _ *http.Request) {
	h.command(w, h.session.Resume())
}

// AutoSubmit toggles auto-submit after silence.
func (h *Handler) AutoSubmit(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.command(w, h.session.SetAutoSubmit(req.Enabled))
}

func (h *Handler) command(w http.ResponseWriter, err error) {
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeSnapshot(w http.ResponseWriter) {
	snap, err := h.session.Snapshot()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

func (h *Handler) rememberStart(clientID string, cfg session.StartConfig) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		h.logger.Warn("failed to remember start intent", "error", err)
		return
	}
	h.vault.Remember(clientID, identity.Intent{Kind: identity.IntentStart, Payload: payload})
}

// resumeStart runs a remembered start in the background after login.
func (h *Handler) resumeStart(clientID, token string, payload json.RawMessage) {
	var cfg session.StartConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		h.logger.Warn("discarding malformed start intent", "client_id", clientID, "error", err)
		return
	}
	cfg.AuthToken = token

	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		if err := h.session.Start(h.ctx, cfg); err != nil {
			h.logger.Warn("resumed start failed", "client_id", clientID, "error", err)
		}
	}()
}
