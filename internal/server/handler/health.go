package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/errorx"
	"github.com/amoylab/fleetstate/internal/state"
	"github.com/amoylab/fleetstate/pkg/version"
)

const pingTimeout = 2 * time.Second

// HealthHandler reports liveness and identity of the worker
type HealthHandler struct {
	state  *state.Context
	errors *errorx.ErrorHandler
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(sc *state.Context, errs *errorx.ErrorHandler) *HealthHandler {
	return &HealthHandler{state: sc, errors: errs}
}

// ServiceInfo represents the worker identity information
type ServiceInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	WorkerID   string `json:"worker_id"`
	DeployMode bool   `json:"deploy_mode"`
}

// HandleHealth answers 200 while the backend is reachable and 503 otherwise
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
	defer cancel()

	if err := h.state.Ping(ctx); err != nil {
		h.errors.HandleError(c, errorx.ErrBackendUnavailable.WithDetail("original_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"worker_id": h.state.WorkerID(),
	})
}

// HandleInfo serves worker identity information as JSON
func (h *HealthHandler) HandleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, ServiceInfo{
		Name:       cnst.AppName,
		Version:    version.Get(),
		WorkerID:   h.state.WorkerID(),
		DeployMode: h.state.IsDeployMode(),
	})
}
