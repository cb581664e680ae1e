package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/negotiation-live/internal/store"
)

const maxRunsLimit = 200

// ListRuns returns persisted runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		Error(w, http.StatusNotFound, "run history disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.ListRuns(r.Context(), r.URL.Query().Get("session_id"), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []store.StoredRun{}
	}
	JSON(w, http.StatusOK, runs)
}

// RunTranscript returns the transcript saved with one run.
func (h *Handler) RunTranscript(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		Error(w, http.StatusNotFound, "run history disabled")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid run id")
		return
	}

	msgs, err := h.runs.Transcript(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("failed to load transcript", "run_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	JSON(w, http.StatusOK, msgs)
}
