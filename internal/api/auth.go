package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/identity"
)

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	ExpiresIn int    `json:"expires_in"`
	Resumed   string `json:"resumed,omitempty"`
	Pending   string `json:"pending,omitempty"`
}

// Login exchanges the shared password for a token kept server-side for this
// client. A remembered start is resumed immediately; a remembered download is
// handed back so the front-end can repeat it.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		Error(w, http.StatusBadRequest, "password is required")
		return
	}

	clientID := identity.ClientIDFromContext(r.Context())
	res, err := h.backend.Login(r.Context(), req.Password)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			h.logger.Info("login rejected", "client_id", clientID, "ip", identity.IPFromRequest(r))
			Error(w, http.StatusUnauthorized, "invalid password")
			return
		}
		h.logger.Error("login failed", "client_id", clientID, "error", err)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	h.vault.Store(clientID, res.Token, res.TTL())

	out := loginResponse{ExpiresIn: res.ExpiresIn}
	if intent, ok := h.vault.TakeIntent(clientID); ok {
		switch intent.Kind {
		case identity.IntentStart:
			h.resumeStart(clientID, res.Token, intent.Payload)
			out.Resumed = string(intent.Kind)
		case identity.IntentDownload:
			out.Pending = string(intent.Kind)
		}
	}
	JSON(w, http.StatusOK, out)
}

// Report renders the finished run through the service and streams the
// document back as a download.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	snap, err := h.session.Snapshot()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	if snap.Analysis == nil {
		Error(w, http.StatusConflict, "no analysis yet")
		return
	}

	token, err := h.vault.Token(clientID)
	if err != nil {
		h.vault.Remember(clientID, identity.Intent{Kind: identity.IntentDownload})
		h.writeSessionError(w, err)
		return
	}

	analysis := snap.Analysis.Raw
	if len(analysis) == 0 {
		if analysis, err = json.Marshal(snap.Analysis); err != nil {
			Error(w, http.StatusInternalServerError, "encode analysis")
			return
		}
	}
	report, err := h.backend.Report(r.Context(), backend.ReportRequest{
		SessionID:  snap.Session.ID,
		AuthToken:  token,
		Transcript: snap.Messages,
		Analysis:   analysis,
	})
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			h.vault.Forget(clientID)
			h.vault.Remember(clientID, identity.Intent{Kind: identity.IntentDownload})
		}
		h.writeSessionError(w, err)
		return
	}

	filename := report.Filename
	if filename == "" {
		filename = fmt.Sprintf("negotiation-%s.pdf", snap.Session.ID)
	}
	contentType := report.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(report.Body); err != nil {
		h.logger.Debug("report write failed", "error", err)
	}
}
