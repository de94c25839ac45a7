package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"forwarding-audit-go/internal/backend"
	"forwarding-audit-go/internal/repository"
)

const probeTimeout = 5 * time.Second

// HealthResponse is the /healthz body
type HealthResponse struct {
	Status    string             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Backend   *backend.Selection `json:"backend"`
	Storage   string             `json:"storage"`
	Stats     *repository.Stats  `json:"stats,omitempty"`
	Workers   map[string]any     `json:"workers"`
	Scheduler map[string]string  `json:"scheduler"`
}

// HealthCheck probes the repository and reports the pipeline state.
// A failed probe is 503; running on the fallback store is 200 "degraded".
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Backend:   h.selection,
		Storage:   "ok",
		Workers:   make(map[string]any),
		Scheduler: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()
	stats, err := h.selection.Repository.ComputeStats(ctx)
	if err != nil {
		response.Status = "error"
		response.Storage = "error"
		logrus.Errorf("Storage health check failed: %v", err)
	} else {
		response.Stats = stats
		if h.selection.Degraded {
			response.Status = "degraded"
		}
	}

	if h.pool != nil {
		response.Workers["running"] = h.pool.IsRunning()
		response.Workers["configured"] = h.pool.Workers()
		response.Workers["active"] = h.pool.Active()
	}

	if h.scheduler != nil && h.scheduler.IsRunning() {
		response.Scheduler["state"] = "running"
		response.Scheduler["next_run"] = h.scheduler.GetNextRun().Format(time.RFC3339)
		if last := h.scheduler.GetLastRun(); !last.IsZero() {
			response.Scheduler["last_run"] = last.Format(time.RFC3339)
		}
	} else if h.scheduler != nil {
		response.Scheduler["state"] = "stopped"
	} else {
		response.Scheduler["state"] = "disabled"
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
