package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/queue"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
)

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req dto.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}

	run, session, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		Type:            models.RunType(req.Type),
		AgentName:       req.AgentName,
		SessionID:       req.SessionID,
		ParentSessionID: req.ParentSessionID,
		Parameters:      req.Parameters,
		Scope:           req.Scope,
		ExecutionMode:   models.ExecutionMode(req.ExecutionMode),
		Demands:         req.Demands,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.CreateRunResponse{
		RunID:     run.ID,
		SessionID: session.ID,
		Status:    string(run.Status),
	})
}

// ListRuns handles GET /runs with optional session_id and status filters.
func (h *Handler) ListRuns(c *gin.Context) {
	filter := store.RunFilter{
		SessionID: c.Query("session_id"),
		Status:    models.RunStatus(c.Query("status")),
	}
	runs, err := h.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, apperr.Wrap(err, "failed to list runs"))
		return
	}
	c.JSON(http.StatusOK, dto.RunListResponse{Runs: runs})
}

// GetRun handles GET /runs/:id.
func (h *Handler) GetRun(c *gin.Context) {
	id := c.Param("id")
	run, err := h.store.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(c, apperr.NotFound("run", id))
			return
		}
		h.respondError(c, apperr.Wrap(err, "failed to get run"))
		return
	}
	c.JSON(http.StatusOK, run)
}

// StopRun handles POST /runs/:id/stop.
func (h *Handler) StopRun(c *gin.Context) {
	run, err := h.queue.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
