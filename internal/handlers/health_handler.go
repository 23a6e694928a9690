package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

// HealthHandler reports per-connection health from the supervisor.
type HealthHandler struct {
	supervisor *supervisor.Supervisor
	logger     arbor.ILogger
}

// NewHealthHandler creates the health endpoint handler.
func NewHealthHandler(sup *supervisor.Supervisor, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		supervisor: sup,
		logger:     logger,
	}
}

// HealthHandler serves GET /health: 200 when every supervised connection is
// usable, 503 with per-component detail otherwise.
func (h *HealthHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	health := h.supervisor.Health(r.Context())
	components := make(map[string]string, len(health))
	healthy := true
	for name, err := range health {
		if err != nil {
			components[name] = err.Error()
			healthy = false
		} else {
			components[name] = "ok"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]interface{}{
		"status":     status,
		"version":    common.Version,
		"components": components,
	})
}
