package blueprint

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
)

// Catalog serves blueprint CRUD over the store. The filesystem seeds the
// catalog at startup; after that the API owns mutations. Runner-owned
// blueprints are read-only through the API and can only be replaced by the
// owning runner's next registration.
type Catalog struct {
	store *store.Store
	log   *logger.Logger
}

// NewCatalog creates a blueprint catalog.
func NewCatalog(st *store.Store, log *logger.Logger) *Catalog {
	return &Catalog{
		store: st,
		log:   log.WithFields(zap.String("component", "blueprint_catalog")),
	}
}

// SeedFromDir loads blueprints from the agents directory and upserts them.
// Runner-owned rows are never overwritten by the seed.
func (c *Catalog) SeedFromDir(ctx context.Context, dir string) error {
	blueprints, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, bp := range blueprints {
		existing, err := c.store.GetBlueprint(ctx, bp.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if existing != nil {
			if existing.RunnerOwned {
				c.log.Warn("seed skips runner-owned blueprint", zap.String("name", bp.Name))
				continue
			}
			bp.CreatedAt = existing.CreatedAt
		}
		if err := c.store.UpsertBlueprint(ctx, bp); err != nil {
			return err
		}
	}
	if len(blueprints) > 0 {
		c.log.Info("seeded blueprints from disk", zap.Int("count", len(blueprints)), zap.String("dir", dir))
	}
	return nil
}

// List returns blueprints, omitting runner-owned ones whose owner is in
// hiddenOwners (offline runners keep their blueprints but they disappear
// from listings).
func (c *Catalog) List(ctx context.Context, hiddenOwners map[string]bool) ([]*models.Blueprint, error) {
	blueprints, err := c.store.ListBlueprints(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list blueprints")
	}
	if len(hiddenOwners) == 0 {
		return blueprints, nil
	}
	visible := blueprints[:0]
	for _, bp := range blueprints {
		if bp.RunnerOwned && hiddenOwners[bp.OwnerRunnerID] {
			continue
		}
		visible = append(visible, bp)
	}
	return visible, nil
}

// Get fetches a blueprint by name.
func (c *Catalog) Get(ctx context.Context, name string) (*models.Blueprint, error) {
	bp, err := c.store.GetBlueprint(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("agent", name)
		}
		return nil, apperr.Wrap(err, "failed to get blueprint")
	}
	return bp, nil
}

// Create adds a new API-owned blueprint. Duplicate names conflict.
func (c *Catalog) Create(ctx context.Context, bp *models.Blueprint) error {
	if bp.Name == "" {
		return apperr.BadRequest("blueprint name is required")
	}
	switch bp.Type {
	case models.BlueprintAutonomous, models.BlueprintProcedural:
	case "":
		bp.Type = models.BlueprintAutonomous
	default:
		return apperr.BadRequest("blueprint type must be autonomous or procedural")
	}
	if bp.Status == "" {
		bp.Status = models.BlueprintActive
	}

	if _, err := c.store.GetBlueprint(ctx, bp.Name); err == nil {
		return apperr.Conflict("blueprint already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(err, "failed to check blueprint")
	}

	now := time.Now().UTC()
	bp.CreatedAt = now
	bp.UpdatedAt = now
	bp.RunnerOwned = false
	bp.OwnerRunnerID = ""
	if err := c.store.CreateBlueprint(ctx, bp); err != nil {
		return apperr.Wrap(err, "failed to create blueprint")
	}
	return nil
}

// Patch holds the mutable fields of a blueprint update; nil means unchanged.
type Patch struct {
	Description          *string
	SystemPrompt         *string
	ParametersSchema     map[string]any
	OutputSchema         map[string]any
	MCPServers           map[string]any
	CapabilitiesRequired []string
	Demands              *models.Demands
	Hooks                *models.Hooks
	Status               *string
	Command              *string
}

// Update applies a partial update to an API-owned blueprint.
func (c *Catalog) Update(ctx context.Context, name string, patch Patch) (*models.Blueprint, error) {
	bp, err := c.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if bp.RunnerOwned {
		return nil, apperr.Conflict("runner-owned blueprints cannot be modified via the API")
	}

	if patch.Description != nil {
		bp.Description = *patch.Description
	}
	if patch.SystemPrompt != nil {
		bp.SystemPrompt = *patch.SystemPrompt
	}
	if patch.ParametersSchema != nil {
		bp.ParametersSchema = patch.ParametersSchema
	}
	if patch.OutputSchema != nil {
		bp.OutputSchema = patch.OutputSchema
	}
	if patch.MCPServers != nil {
		bp.MCPServers = patch.MCPServers
	}
	if patch.CapabilitiesRequired != nil {
		bp.CapabilitiesRequired = patch.CapabilitiesRequired
	}
	if patch.Demands != nil {
		bp.Demands = *patch.Demands
	}
	if patch.Hooks != nil {
		bp.Hooks = *patch.Hooks
	}
	if patch.Status != nil {
		status := models.BlueprintStatus(*patch.Status)
		if status != models.BlueprintActive && status != models.BlueprintInactive {
			return nil, apperr.BadRequest("status must be active or inactive")
		}
		bp.Status = status
	}
	if patch.Command != nil {
		bp.Command = *patch.Command
	}

	bp.UpdatedAt = time.Now().UTC()
	if err := c.store.UpsertBlueprint(ctx, bp); err != nil {
		return nil, apperr.Wrap(err, "failed to update blueprint")
	}
	return bp, nil
}

// Delete removes an API-owned blueprint.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	bp, err := c.Get(ctx, name)
	if err != nil {
		return err
	}
	if bp.RunnerOwned {
		return apperr.Conflict("runner-owned blueprints cannot be deleted via the API")
	}
	if _, err := c.store.DeleteBlueprint(ctx, name); err != nil {
		return apperr.Wrap(err, "failed to delete blueprint")
	}
	return nil
}

// UpsertRunnerOwned replaces the blueprints contributed by a runner at
// registration time.
func (c *Catalog) UpsertRunnerOwned(ctx context.Context, runnerID string, blueprints []*models.Blueprint) error {
	now := time.Now().UTC()
	for _, bp := range blueprints {
		bp.RunnerOwned = true
		bp.OwnerRunnerID = runnerID
		if bp.Status == "" {
			bp.Status = models.BlueprintActive
		}
		if bp.Type == "" {
			bp.Type = models.BlueprintAutonomous
		}
		existing, err := c.store.GetBlueprint(ctx, bp.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return apperr.Wrap(err, "failed to check blueprint")
		}
		if existing != nil {
			if !existing.RunnerOwned || existing.OwnerRunnerID != runnerID {
				c.log.Warn("runner attempted to overwrite foreign blueprint",
					zap.String("name", bp.Name),
					zap.String("runner_id", runnerID))
				continue
			}
			bp.CreatedAt = existing.CreatedAt
		} else {
			bp.CreatedAt = now
		}
		bp.UpdatedAt = now
		if err := c.store.UpsertBlueprint(ctx, bp); err != nil {
			return apperr.Wrap(err, "failed to upsert runner blueprint")
		}
	}
	return nil
}
