package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

// ListAgents handles GET /agents. Blueprints contributed by offline runners
// are filtered out.
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	hidden := h.registry.HiddenBlueprintOwners(ctx)
	agents, err := h.catalog.List(ctx, hidden)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.BlueprintListResponse{Agents: agents})
}

// GetAgent handles GET /agents/:name.
func (h *Handler) GetAgent(c *gin.Context) {
	bp, err := h.catalog.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

// CreateAgent handles POST /agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req dto.CreateBlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}

	bp := &models.Blueprint{
		Name:                 req.Name,
		Description:          req.Description,
		Type:                 models.BlueprintType(req.Type),
		SystemPrompt:         req.SystemPrompt,
		ParametersSchema:     req.ParametersSchema,
		OutputSchema:         req.OutputSchema,
		MCPServers:           req.MCPServers,
		CapabilitiesRequired: req.CapabilitiesRequired,
		Demands:              req.Demands,
		Hooks:                req.Hooks,
		Command:              req.Command,
	}
	if err := h.catalog.Create(c.Request.Context(), bp); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

// UpdateAgent handles PATCH /agents/:name.
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req dto.UpdateBlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.BadRequest("invalid request body: "+err.Error()))
		return
	}

	bp, err := h.catalog.Update(c.Request.Context(), c.Param("name"), blueprint.Patch{
		Description:          req.Description,
		SystemPrompt:         req.SystemPrompt,
		ParametersSchema:     req.ParametersSchema,
		OutputSchema:         req.OutputSchema,
		MCPServers:           req.MCPServers,
		CapabilitiesRequired: req.CapabilitiesRequired,
		Demands:              req.Demands,
		Hooks:                req.Hooks,
		Status:               req.Status,
		Command:              req.Command,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

// DeleteAgent handles DELETE /agents/:name.
func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.DeleteResponse{Deleted: true})
}
