package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/negotiation-live/internal/identity"
)

const (
	defaultKeepalive  = 10 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// HandleStream serves GET /api/stream: every coordinator update as a
// server-sent event. Reconnecting clients send Last-Event-ID and get the
// missed events replayed, or a fresh snapshot when the gap is too large.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	retryDelay := h.sse.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "client_id", clientID)
		return
	}
	flusher.Flush()

	sub, missed, replayed := h.hub.Subscribe(lastEventID)
	defer h.hub.Unsubscribe(sub)

	h.logger.Info("Stream connected",
		"client_id", clientID,
		"last_event_id", lastEventID,
		"replayed", len(missed),
	)

	if replayed {
		for _, ev := range missed {
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("failed to replay SSE event", "error", err, "client_id", clientID)
				return
			}
		}
	} else {
		snap, err := h.session.Snapshot()
		if err != nil {
			h.logger.Warn("snapshot unavailable for stream", "error", err)
			return
		}
		data, err := json.Marshal(snap)
		if err != nil {
			h.logger.Error("failed to encode snapshot", "error", err)
			return
		}
		if err := writeSSEWithID(w, h.hub.LastID(), "snapshot", string(data)); err != nil {
			h.logger.Warn("failed to write SSE snapshot", "error", err, "client_id", clientID)
			return
		}
	}
	flusher.Flush()

	keepaliveInterval := h.sse.KeepaliveInterval
	if keepaliveInterval <= 0 {
		keepaliveInterval = defaultKeepalive
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Stream disconnected", "client_id", clientID)
			return
		case ev, ok := <-sub.C:
			if !ok {
				h.logger.Info("Stream dropped by hub", "client_id", clientID)
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "client_id", clientID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "client_id", clientID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Update.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Update.Type, err)
	}
	return writeSSEWithID(w, ev.ID, ev.Update.Type, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
