package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/coordinator/controller"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
)

// RegisterRunner handles POST /runner/register.
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}

	runner, err := h.registry.Register(c.Request.Context(), registry.RegisterRequest{
		Hostname:        req.Hostname,
		ProjectDir:      req.ProjectDir,
		ExecutorProfile: req.ExecutorProfile,
		Capabilities:    req.Capabilities,
		Blueprints:      req.Blueprints,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.RegisterResponse{
		RunnerID:                 runner.ID,
		PollTimeoutSeconds:       h.cfg.Coordinator.PollTimeout,
		HeartbeatIntervalSeconds: h.cfg.Coordinator.HeartbeatInterval,
	})
}

// RunnerHeartbeat handles POST /runner/heartbeat.
func (h *Handler) RunnerHeartbeat(c *gin.Context) {
	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.registry.Heartbeat(c.Request.Context(), req.RunnerID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetWork handles GET /runner/runs, the long-poll dispatch. An empty result
// is a 204.
func (h *Handler) GetWork(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		h.respondError(c, apperr.BadRequest("runner_id query parameter is required"))
		return
	}

	result, err := h.queue.GetWork(c.Request.Context(), runnerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Empty() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, dto.WorkResponse{
		Run:          result.Run,
		StopRuns:     result.StopRuns,
		Deregistered: result.Deregistered,
	})
}

// RunStarted handles POST /runner/runs/:id/started.
func (h *Handler) RunStarted(c *gin.Context) {
	run, err := h.controller.Started(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// RunCompleted handles POST /runner/runs/:id/completed.
func (h *Handler) RunCompleted(c *gin.Context) {
	var req dto.CompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	run, err := h.controller.Completed(c.Request.Context(), c.Param("id"), controller.CompletionReport{
		ResultText:       req.ResultText,
		ResultData:       req.ResultData,
		ExecutorIdentity: req.ExecutorIdentity,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// RunFailed handles POST /runner/runs/:id/failed.
func (h *Handler) RunFailed(c *gin.Context) {
	var req dto.FailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	run, err := h.controller.Failed(c.Request.Context(), c.Param("id"), req.Error)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// RunStopped handles POST /runner/runs/:id/stopped.
func (h *Handler) RunStopped(c *gin.Context) {
	var req dto.StoppedRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
			return
		}
	}
	run, err := h.controller.Stopped(c.Request.Context(), c.Param("id"), req.Signal)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// DeregisterRunnerSelf handles POST /runner/deregister.
func (h *Handler) DeregisterRunnerSelf(c *gin.Context) {
	var req dto.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.registry.DeregisterSelf(c.Request.Context(), req.RunnerID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deregistered"})
}

// ListRunners handles GET /runners.
func (h *Handler) ListRunners(c *gin.Context) {
	runners, err := h.registry.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.RunnerListResponse{Runners: runners})
}

// GetRunner handles GET /runners/:id.
func (h *Handler) GetRunner(c *gin.Context) {
	info, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeregisterRunner handles DELETE /runners/:id, the external deregistration
// that asks the runner to exit on its next poll.
func (h *Handler) DeregisterRunner(c *gin.Context) {
	if err := h.registry.MarkForDeregistration(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "marked_for_deregistration"})
}
