// Package handlers exposes the coordinator over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/controller"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/queue"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

// Handler carries the coordinator components the HTTP layer fronts.
type Handler struct {
	store      *store.Store
	queue      *queue.Queue
	controller *controller.Controller
	registry   *registry.Registry
	catalog    *blueprint.Catalog
	bus        bus.Bus
	cfg        *config.Config
	log        *logger.Logger
}

// New creates the HTTP handler set.
func New(
	st *store.Store,
	q *queue.Queue,
	ctrl *controller.Controller,
	reg *registry.Registry,
	catalog *blueprint.Catalog,
	b bus.Bus,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		store:      st,
		queue:      q,
		controller: ctrl,
		registry:   reg,
		catalog:    catalog,
		bus:        b,
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "http")),
	}
}

// respondError renders an error as its AppError shape, logging internal
// errors with their correlation id.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.Error(appErr.Err),
			zap.String("correlation_id", appErr.CorrelationID),
			zap.String("path", c.Request.URL.Path))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /status with coarse operational counters.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		h.respondError(c, apperr.Wrap(err, "failed to count sessions"))
		return
	}
	pending, err := h.store.ListRuns(ctx, store.RunFilter{Status: models.RunPending})
	if err != nil {
		h.respondError(c, apperr.Wrap(err, "failed to count runs"))
		return
	}
	runners, err := h.registry.List(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}

	subscribers := 0
	if mb, ok := h.bus.(interface{ SubscriberCount() int }); ok {
		subscribers = mb.SubscriberCount()
	}

	c.JSON(http.StatusOK, dto.StatusResponse{
		Sessions:    len(sessions),
		PendingRuns: len(pending),
		Runners:     len(runners),
		Subscribers: subscribers,
	})
}
