// Package api is the local HTTP bridge between a browser front-end and the
// session coordinator: JSON commands in, server-sent updates out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/negotiation-live/internal/backend"
	"github.com/ashureev/negotiation-live/internal/config"
	"github.com/ashureev/negotiation-live/internal/domain"
	"github.com/ashureev/negotiation-live/internal/identity"
	"github.com/ashureev/negotiation-live/internal/session"
	"github.com/ashureev/negotiation-live/internal/store"
	"github.com/ashureev/negotiation-live/internal/turn"
)

const defaultMaxRequestBodySize = 1 << 20

// Session is the coordinator surface driven by the bridge.
type Session interface {
	Start(ctx context.Context, cfg session.StartConfig) error
	Retry(ctx context.Context) error
	Reset() error
	UpdateAuthToken(token string) error
	Submit(ctx context.Context, text string) error
	BeginCapture() error
	Pause() error
	Resume() error
	SetAutoSubmit(on bool) error
	RecognitionResult(handle uint64, text string, final bool)
	RecognitionEnded(handle uint64, err error)
	PlaybackEnded(handle uint64, err error)
	Snapshot() (session.Snapshot, error)
}

// Backend is the part of the negotiation service called on behalf of the
// front-end.
type Backend interface {
	Login(ctx context.Context, password string) (backend.LoginResult, error)
	Report(ctx context.Context, req backend.ReportRequest) (backend.Report, error)
}

// PermissionAnswerer resolves microphone permission prompts.
type PermissionAnswerer interface {
	Answer(requestID string, granted bool, reason string) error
}

// RunHistory is the read side of the run store.
type RunHistory interface {
	ListRuns(ctx context.Context, sessionID string, limit int) ([]store.StoredRun, error)
	Transcript(ctx context.Context, runID int64) ([]domain.Message, error)
	Ping(ctx context.Context) error
}

// Options wires a Handler. Runs and Permissions may be nil.
type Options struct {
	Session     Session
	Backend     Backend
	Vault       *identity.Vault
	Permissions PermissionAnswerer
	Runs        RunHistory
	Hub         *Hub
	SSE         config.SSEConfig
	Logger      *slog.Logger
}

// Handler serves the bridge API.
type Handler struct {
	session     Session
	backend     Backend
	vault       *identity.Vault
	permissions PermissionAnswerer
	runs        RunHistory
	hub         *Hub
	sse         config.SSEConfig
	logger      *slog.Logger

	// ctx bounds work that outlives a request; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

// NewHandler creates a bridge handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		session:     opts.Session,
		backend:     opts.Backend,
		vault:       opts.Vault,
		permissions: opts.Permissions,
		runs:        opts.Runs,
		hub:         opts.Hub,
		sse:         opts.SSE,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterRoutes registers the bridge routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/stream", h.HandleStream)
		r.Get("/session", h.GetSession)
		r.Route("/session", func(r chi.Router) {
			r.Post("/start", h.Start)
			r.Post("/retry", h.Retry)
			r.Post("/reset", h.Reset)
			r.Post("/submit", h.Submit)
			r.Post("/capture", h.Capture)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/auto-submit", h.AutoSubmit)
		})
		r.Route("/devices", func(r chi.Router) {
			r.Post("/recognition", h.Recognition)
			r.Post("/recognition-ended", h.RecognitionEnded)
			r.Post("/playback-ended", h.PlaybackEnded)
			r.Post("/permission", h.Permission)
		})
		r.Post("/auth/login", h.Login)
		r.Post("/report", h.Report)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}/transcript", h.RunTranscript)
	})
	r.Get("/health", h.Health)
}

// Close cancels and waits for background work started by requests, such as
// a session start resumed after login.
func (h *Handler) Close() {
	h.cancel()
	h.bg.Wait()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := h.sse.MaxRequestBodySize
	if limit <= 0 {
		limit = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeSessionError maps coordinator errors to HTTP responses.
func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrUnauthorized), errors.Is(err, identity.ErrNoToken):
		Error(w, http.StatusUnauthorized, "auth_required")
	case errors.Is(err, session.ErrClosed):
		Error(w, http.StatusServiceUnavailable, "coordinator closed")
	case errors.Is(err, session.ErrInvalidInput), errors.Is(err, turn.ErrEmptySubmission):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, turn.ErrNotReady),
		errors.Is(err, turn.ErrPaused),
		errors.Is(err, turn.ErrManualOnly):
		Error(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("session request failed", "error", err)
		Error(w, http.StatusBadGateway, err.Error())
	}
}
