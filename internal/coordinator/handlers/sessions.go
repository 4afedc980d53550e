package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		h.respondError(c, apperr.Wrap(err, "failed to list sessions"))
		return
	}
	c.JSON(http.StatusOK, dto.SessionListResponse{Sessions: sessions})
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	session, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(c, apperr.NotFound("session", id))
			return
		}
		h.respondError(c, apperr.Wrap(err, "failed to get session"))
		return
	}
	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /sessions/:id. Deletion cascades to the
// session's runs and events and is idempotent.
func (h *Handler) DeleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	session, err := h.store.GetSession(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.respondError(c, apperr.Wrap(err, "failed to get session"))
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, dto.DeleteResponse{Deleted: false, AlreadyAbsent: true})
		return
	}

	deleted, err := h.store.DeleteSession(ctx, id)
	if err != nil {
		h.respondError(c, apperr.Wrap(err, "failed to delete session"))
		return
	}
	if deleted {
		_ = h.bus.Publish(ctx, bus.SessionMessage(events.SessionDeleted, session))
	}
	c.JSON(http.StatusOK, dto.DeleteResponse{Deleted: deleted, AlreadyAbsent: !deleted})
}

// ListSessionEvents handles GET /sessions/:id/events. The optional
// after_seq query returns only events past a known sequence number.
func (h *Handler) ListSessionEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.store.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(c, apperr.NotFound("session", id))
			return
		}
		h.respondError(c, apperr.Wrap(err, "failed to get session"))
		return
	}

	var afterSeq int64
	if raw := c.Query("after_seq"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.respondError(c, apperr.BadRequest("after_seq must be a non-negative integer"))
			return
		}
		afterSeq = parsed
	}

	eventsList, err := h.store.ListEvents(ctx, id, afterSeq)
	if err != nil {
		h.respondError(c, apperr.Wrap(err, "failed to list events"))
		return
	}
	c.JSON(http.StatusOK, dto.EventListResponse{Events: eventsList})
}

// GetSessionResult handles GET /sessions/:id/result.
func (h *Handler) GetSessionResult(c *gin.Context) {
	event, err := h.controller.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := dto.ResultResponse{}
	if text, ok := event.Payload["result_text"].(string); ok {
		resp.Result = text
	}
	if data, ok := event.Payload["result_data"].(map[string]any); ok {
		resp.ResultData = data
	}
	c.JSON(http.StatusOK, resp)
}

// StopSession handles POST /sessions/:id/stop, a convenience stop of the
// session's active run.
func (h *Handler) StopSession(c *gin.Context) {
	run, err := h.queue.StopSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
