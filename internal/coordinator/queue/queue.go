// Package queue owns the run lifecycle up to dispatch: the enqueue pipeline,
// demand merging, long-poll dispatch against the runner registry, the
// no-match timeout sweeper, and stop requests.
package queue

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/placeholder"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

// Queue coordinates pending runs between the API and long-polling runners.
type Queue struct {
	store    *store.Store
	registry *registry.Registry
	catalog  *blueprint.Catalog
	bus      bus.Bus
	cfg      config.CoordinatorConfig
	log      *logger.Logger
}

// New creates a Queue.
func New(st *store.Store, reg *registry.Registry, catalog *blueprint.Catalog, b bus.Bus, cfg config.CoordinatorConfig, log *logger.Logger) *Queue {
	return &Queue{
		store:    st,
		registry: reg,
		catalog:  catalog,
		bus:      b,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "queue")),
	}
}

// EnqueueRequest is a validated-on-entry run creation request.
type EnqueueRequest struct {
	Type            models.RunType
	AgentName       string
	SessionID       string
	ParentSessionID string
	Parameters      map[string]any
	Scope           map[string]any
	ExecutionMode   models.ExecutionMode
	Demands         models.Demands
}

// Enqueue runs the full creation pipeline: blueprint lookup, parameter
// validation, placeholder resolution, demand merging, session creation for
// start runs, persistence and publication. The returned run is pending.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Run, *models.Session, error) {
	if req.Type == "" {
		req.Type = models.RunTypeStart
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = models.ExecSync
	}
	switch req.ExecutionMode {
	case models.ExecSync, models.ExecAsyncPoll, models.ExecAsyncCallback:
	default:
		return nil, nil, apperr.BadRequest("execution_mode must be sync, async_poll or async_callback")
	}
	if req.ExecutionMode == models.ExecAsyncCallback && req.ParentSessionID == "" {
		return nil, nil, apperr.BadRequest("async_callback requires parent_session_id")
	}

	bp, err := q.catalog.Get(ctx, req.AgentName)
	if err != nil {
		return nil, nil, err
	}
	if bp.Status != models.BlueprintActive {
		return nil, nil, apperr.Conflict("agent is inactive")
	}
	if bp.Type == models.BlueprintProcedural && req.Type == models.RunTypeResume {
		return nil, nil, apperr.BadRequest("procedural agents are stateless and cannot be resumed")
	}

	schema := blueprint.MergedParametersSchema(bp)
	if err := blueprint.ValidateParameters(schema, req.Parameters); err != nil {
		return nil, nil, err
	}

	demands, err := mergeDemands(bp.Demands, req.Demands)
	if err != nil {
		return nil, nil, err
	}

	// Resolve the session before IDs so runtime placeholders see the final
	// values.
	var session *models.Session
	createdSession := false
	now := time.Now().UTC()
	switch req.Type {
	case models.RunTypeStart:
		if req.ParentSessionID != "" {
			if _, err := q.store.GetSession(ctx, req.ParentSessionID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, nil, apperr.BadRequest("parent_session_id refers to an unknown session")
				}
				return nil, nil, apperr.Wrap(err, "failed to check parent session")
			}
		}
		session = &models.Session{
			ID:              models.NewSessionID(),
			ParentSessionID: req.ParentSessionID,
			AgentName:       req.AgentName,
			Status:          models.SessionPending,
			ProjectDir:      demands.ProjectDir,
			ExecutorProfile: demands.ExecutorProfile,
			CreatedAt:       now,
			ModifiedAt:      now,
		}
		createdSession = true
	case models.RunTypeResume:
		if req.SessionID == "" {
			return nil, nil, apperr.BadRequest("resume requires session_id")
		}
		session, err = q.store.GetSession(ctx, req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, apperr.NotFound("session", req.SessionID)
			}
			return nil, nil, apperr.Wrap(err, "failed to get session")
		}
		if session.AgentName != req.AgentName {
			return nil, nil, apperr.Conflict("session belongs to a different agent")
		}
	default:
		return nil, nil, apperr.BadRequest("type must be start or resume")
	}

	runID := models.NewRunID()
	resolved := resolveBlueprint(bp, placeholder.Context{
		Params: req.Parameters,
		Scope:  req.Scope,
		Env:    os.LookupEnv,
		Runtime: placeholder.Runtime{
			SessionID: session.ID,
			RunID:     runID,
		},
	})

	timeoutAt := now.Add(q.cfg.NoMatchTimeoutDuration())
	run := &models.Run{
		ID:                runID,
		Type:              req.Type,
		SessionID:         session.ID,
		AgentName:         req.AgentName,
		Parameters:        req.Parameters,
		Scope:             req.Scope,
		ResolvedBlueprint: resolved,
		Demands:           demands,
		ExecutionMode:     req.ExecutionMode,
		ParentSessionID:   req.ParentSessionID,
		Status:            models.RunPending,
		CreatedAt:         now,
		TimeoutAt:         &timeoutAt,
	}

	if createdSession {
		if err := q.store.CreateSession(ctx, session); err != nil {
			return nil, nil, apperr.Wrap(err, "failed to create session")
		}
	}
	if err := q.store.CreateRun(ctx, run); err != nil {
		return nil, nil, apperr.Wrap(err, "failed to create run")
	}

	if createdSession {
		_ = q.bus.Publish(ctx, bus.SessionMessage(events.SessionCreated, session))
	} else {
		_ = q.bus.Publish(ctx, bus.SessionMessage(events.SessionUpdated, session))
	}
	q.registry.WakeMatching(demands)

	q.log.Info("run enqueued",
		zap.String("run_id", run.ID),
		zap.String("session_id", session.ID),
		zap.String("agent", req.AgentName),
		zap.String("type", string(req.Type)))
	return run, session, nil
}

// mergeDemands combines blueprint defaults with caller additions. The merge
// is additive: tags union, and a caller scalar may fill a blank blueprint
// scalar or repeat it, never replace it.
func mergeDemands(base, extra models.Demands) (models.Demands, error) {
	merged := models.Demands{
		Hostname:        base.Hostname,
		ProjectDir:      base.ProjectDir,
		ExecutorProfile: base.ExecutorProfile,
	}

	seen := map[string]bool{}
	for _, tag := range base.Tags {
		if !seen[tag] {
			merged.Tags = append(merged.Tags, tag)
			seen[tag] = true
		}
	}
	for _, tag := range extra.Tags {
		if !seen[tag] {
			merged.Tags = append(merged.Tags, tag)
			seen[tag] = true
		}
	}

	scalars := []struct {
		name  string
		base  string
		extra string
		dst   *string
	}{
		{"hostname", base.Hostname, extra.Hostname, &merged.Hostname},
		{"project_dir", base.ProjectDir, extra.ProjectDir, &merged.ProjectDir},
		{"executor_profile", base.ExecutorProfile, extra.ExecutorProfile, &merged.ExecutorProfile},
	}
	for _, s := range scalars {
		if s.extra == "" {
			continue
		}
		if s.base != "" && s.base != s.extra {
			return models.Demands{}, apperr.DemandConflict(s.name, s.base, s.extra)
		}
		*s.dst = s.extra
	}
	return merged, nil
}

// resolveBlueprint freezes the blueprint into the shape the runner receives,
// with placeholders substituted. The runner namespace stays intact.
func resolveBlueprint(bp *models.Blueprint, rc placeholder.Context) map[string]any {
	frozen := map[string]any{
		"name":          bp.Name,
		"type":          string(bp.Type),
		"system_prompt": bp.SystemPrompt,
	}
	if bp.Description != "" {
		frozen["description"] = bp.Description
	}
	if bp.Command != "" {
		frozen["command"] = bp.Command
	}
	if bp.MCPServers != nil {
		frozen["mcp_servers"] = bp.MCPServers
	}
	if bp.OutputSchema != nil {
		frozen["output_schema"] = bp.OutputSchema
	}
	if len(bp.CapabilitiesRequired) > 0 {
		caps := make([]any, len(bp.CapabilitiesRequired))
		for i, c := range bp.CapabilitiesRequired {
			caps[i] = c
		}
		frozen["capabilities_required"] = caps
	}
	if len(bp.Hooks.Pre) > 0 || len(bp.Hooks.Post) > 0 {
		hooks := map[string]any{}
		if len(bp.Hooks.Pre) > 0 {
			hooks["pre"] = hookList(bp.Hooks.Pre)
		}
		if len(bp.Hooks.Post) > 0 {
			hooks["post"] = hookList(bp.Hooks.Post)
		}
		frozen["hooks"] = hooks
	}
	return placeholder.ResolveMap(frozen, rc)
}

func hookList(hooks []models.HookSpec) []any {
	out := make([]any, len(hooks))
	for i, h := range hooks {
		out[i] = map[string]any{"name": h.Name, "command": h.Command}
	}
	return out
}
