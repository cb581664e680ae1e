package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Health reports the bridge and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if _, err := h.session.Snapshot(); err != nil {
		h.logger.Error("health check failed", "check", "coordinator", "error", err)
		checks["coordinator"] = "closed"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["coordinator"] = "ok"
	}

	if h.runs != nil {
		if err := h.runs.Ping(ctx); err != nil {
			h.logger.Error("health check failed", "check", "database", "error", err)
			checks["database"] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	if h.hub != nil && h.hub.Online() {
		checks["frontend"] = "attached"
	} else {
		checks["frontend"] = "detached"
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}
