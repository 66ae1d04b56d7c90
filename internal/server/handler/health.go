package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthTimeout bounds each dependency check.
const healthTimeout = 3 * time.Second

// HealthCheckFunc checks one dependency, returning nil when it is healthy.
type HealthCheckFunc func(ctx context.Context) error

// HealthHandler serves the health-check endpoint, checking registered
// dependencies (postgres, redis) on each request.
type HealthHandler struct {
	checks map[string]HealthCheckFunc
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the given dependency checks.
func NewHealthHandler(checks map[string]HealthCheckFunc, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

// HealthCheck responds with the overall status plus a per-dependency
// breakdown. Any failed check makes the response 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	deps := make(map[string]string, len(h.checks))
	healthy := true

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			healthy = false
			deps[name] = err.Error()
			h.logger.WarnContext(r.Context(), "health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[name] = "ok"
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
