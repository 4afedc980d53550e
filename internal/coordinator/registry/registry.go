// Package registry tracks runner registrations: identity, capabilities,
// heartbeats and liveness, stop intents, and the wake channels long-polls
// block on.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
)

// runnerState is the in-memory side of a registration. Liveness uses the
// monotonic clock carried by lastSeen so wall-clock jumps cannot flip a
// healthy runner offline; the store's wall-clock timestamp is presentation
// only.
type runnerState struct {
	caps        models.Capabilities
	wake        chan struct{}
	stopIntents []string
	lastSeen    time.Time
	marked      bool
}

// Registry serializes per-runner mutations and answers liveness queries.
type Registry struct {
	store   *store.Store
	catalog *blueprint.Catalog
	cfg     config.CoordinatorConfig
	log     *logger.Logger

	// offlineHandler resolves a vanished runner's in-flight runs. Wired at
	// startup, before MonitorLoop runs.
	offlineHandler func(ctx context.Context, runnerID string)

	mu      sync.Mutex
	runners map[string]*runnerState
}

// New creates a Registry.
func New(st *store.Store, catalog *blueprint.Catalog, cfg config.CoordinatorConfig, log *logger.Logger) *Registry {
	return &Registry{
		store:   st,
		catalog: catalog,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "registry")),
		runners: make(map[string]*runnerState),
	}
}

// SetOfflineHandler installs the callback the liveness sweep invokes when a
// runner's heartbeat has timed out, so its claimed, running and stopping
// runs get resolved while the registration still exists. Must be set before
// MonitorLoop starts.
func (r *Registry) SetOfflineHandler(fn func(ctx context.Context, runnerID string)) {
	r.offlineHandler = fn
}

// RegisterRequest is the payload of a runner registration.
type RegisterRequest struct {
	Hostname        string
	ProjectDir      string
	ExecutorProfile string
	Capabilities    []string
	Blueprints      []*models.Blueprint
}

// Register creates or refreshes a registration. The runner id is derived
// from the identity triple, so a restarted runner re-adopts its previous
// identity instead of duplicating it. Contributed blueprints are upserted as
// runner-owned.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.Runner, error) {
	if req.Hostname == "" || req.ProjectDir == "" || req.ExecutorProfile == "" {
		return nil, apperr.BadRequest("hostname, project_dir and executor_profile are required")
	}

	now := time.Now().UTC()
	runner := &models.Runner{
		ID:              models.RunnerID(req.Hostname, req.ProjectDir, req.ExecutorProfile),
		Hostname:        req.Hostname,
		ProjectDir:      req.ProjectDir,
		ExecutorProfile: req.ExecutorProfile,
		Tags:            req.Capabilities,
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}
	if err := r.store.UpsertRunner(ctx, runner); err != nil {
		return nil, apperr.Wrap(err, "failed to register runner")
	}
	if len(req.Blueprints) > 0 {
		if err := r.catalog.UpsertRunnerOwned(ctx, runner.ID, req.Blueprints); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	state, ok := r.runners[runner.ID]
	if !ok {
		state = &runnerState{wake: make(chan struct{}, 1)}
		r.runners[runner.ID] = state
	}
	state.caps = runner.Capabilities()
	state.lastSeen = time.Now()
	state.marked = false
	r.mu.Unlock()

	r.log.Info("runner registered",
		zap.String("runner_id", runner.ID),
		zap.String("hostname", runner.Hostname),
		zap.Strings("capabilities", runner.Tags))
	return runner, nil
}

// Heartbeat refreshes a runner's liveness.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) error {
	if err := r.store.TouchRunner(ctx, runnerID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("runner", runnerID)
		}
		return apperr.Wrap(err, "failed to record heartbeat")
	}
	r.mu.Lock()
	if state, ok := r.runners[runnerID]; ok {
		state.lastSeen = time.Now()
	}
	r.mu.Unlock()
	return nil
}

// DeregisterSelf removes the registration immediately. In-flight runs keep
// their runner_id for post-mortem; the recovery sweep resolves them.
func (r *Registry) DeregisterSelf(ctx context.Context, runnerID string) error {
	deleted, err := r.store.DeleteRunner(ctx, runnerID)
	if err != nil {
		return apperr.Wrap(err, "failed to deregister runner")
	}
	if !deleted {
		return apperr.NotFound("runner", runnerID)
	}
	r.mu.Lock()
	if state, ok := r.runners[runnerID]; ok {
		signal(state.wake)
		delete(r.runners, runnerID)
	}
	r.mu.Unlock()
	r.log.Info("runner deregistered", zap.String("runner_id", runnerID))
	return nil
}

// MarkForDeregistration flags the runner; the flag is delivered on its next
// long-poll so it can exit cleanly and self-deregister.
func (r *Registry) MarkForDeregistration(ctx context.Context, runnerID string) error {
	if err := r.store.MarkRunnerForDeregistration(ctx, runnerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("runner", runnerID)
		}
		return apperr.Wrap(err, "failed to mark runner for deregistration")
	}
	r.mu.Lock()
	if state, ok := r.runners[runnerID]; ok {
		state.marked = true
		signal(state.wake)
	}
	r.mu.Unlock()
	return nil
}

// IsMarkedForDeregistration reports the in-memory flag, falling back to the
// store for runners registered before the last restart.
func (r *Registry) IsMarkedForDeregistration(ctx context.Context, runnerID string) bool {
	r.mu.Lock()
	if state, ok := r.runners[runnerID]; ok {
		marked := state.marked
		r.mu.Unlock()
		return marked
	}
	r.mu.Unlock()

	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		return false
	}
	return runner.MarkedForDeregistration
}

// QueueStop records a stop intent for a run on its owning runner and wakes
// that runner's long-poll.
func (r *Registry) QueueStop(runnerID, runID string) {
	r.mu.Lock()
	state, ok := r.runners[runnerID]
	if !ok {
		state = &runnerState{wake: make(chan struct{}, 1)}
		r.runners[runnerID] = state
	}
	for _, id := range state.stopIntents {
		if id == runID {
			signal(state.wake)
			r.mu.Unlock()
			return
		}
	}
	state.stopIntents = append(state.stopIntents, runID)
	signal(state.wake)
	r.mu.Unlock()
}

// TakeStopIntents drains and returns the runner's queued stop intents.
func (r *Registry) TakeStopIntents(runnerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runners[runnerID]
	if !ok || len(state.stopIntents) == 0 {
		return nil
	}
	intents := state.stopIntents
	state.stopIntents = nil
	return intents
}

// WakeChannel returns the channel a long-poll for this runner blocks on.
func (r *Registry) WakeChannel(runnerID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.runners[runnerID]
	if !ok {
		state = &runnerState{wake: make(chan struct{}, 1)}
		r.runners[runnerID] = state
	}
	return state.wake
}

// WakeMatching signals every runner whose capabilities satisfy the demands.
// Called after a run is enqueued so only eligible long-polls wake.
func (r *Registry) WakeMatching(demands models.Demands) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.runners {
		if state.caps.Satisfies(demands) {
			signal(state.wake)
		}
	}
}

// WakeAll signals every runner, used after the recovery sweep.
func (r *Registry) WakeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, state := range r.runners {
		signal(state.wake)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Liveness computes a runner's liveness, preferring the monotonic in-memory
// timestamp over the persisted wall-clock one.
func (r *Registry) Liveness(runner *models.Runner) models.RunnerLiveness {
	r.mu.Lock()
	state, ok := r.runners[runner.ID]
	r.mu.Unlock()

	var age time.Duration
	if ok && !state.lastSeen.IsZero() {
		age = time.Since(state.lastSeen)
	} else {
		age = time.Since(runner.LastHeartbeat)
	}
	return models.Liveness(age, r.cfg.StaleThresholdDuration(), r.cfg.HeartbeatTimeoutDuration())
}

// RunnerInfo is a registration with its derived liveness.
type RunnerInfo struct {
	*models.Runner
	Liveness models.RunnerLiveness `json:"liveness"`
}

// List returns all registrations with liveness, ordered by id for stable
// output.
func (r *Registry) List(ctx context.Context) ([]RunnerInfo, error) {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to list runners")
	}
	infos := make([]RunnerInfo, 0, len(runners))
	for _, runner := range runners {
		infos = append(infos, RunnerInfo{Runner: runner, Liveness: r.Liveness(runner)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Get returns one registration with liveness.
func (r *Registry) Get(ctx context.Context, runnerID string) (*RunnerInfo, error) {
	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("runner", runnerID)
		}
		return nil, apperr.Wrap(err, "failed to get runner")
	}
	return &RunnerInfo{Runner: runner, Liveness: r.Liveness(runner)}, nil
}

// GetCapabilities returns the matching surface of a registered runner.
func (r *Registry) GetCapabilities(ctx context.Context, runnerID string) (models.Capabilities, error) {
	r.mu.Lock()
	if state, ok := r.runners[runnerID]; ok && state.caps.Hostname != "" {
		caps := state.caps
		r.mu.Unlock()
		return caps, nil
	}
	r.mu.Unlock()

	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Capabilities{}, apperr.NotFound("runner", runnerID)
		}
		return models.Capabilities{}, apperr.Wrap(err, "failed to get runner")
	}

	caps := runner.Capabilities()
	r.mu.Lock()
	state, ok := r.runners[runnerID]
	if !ok {
		state = &runnerState{wake: make(chan struct{}, 1)}
		r.runners[runnerID] = state
	}
	state.caps = caps
	r.mu.Unlock()
	return caps, nil
}

// HiddenBlueprintOwners returns the ids of offline runners, whose
// contributed blueprints are hidden from listings.
func (r *Registry) HiddenBlueprintOwners(ctx context.Context) map[string]bool {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		r.log.Error("failed to compute hidden blueprint owners", zap.Error(err))
		return nil
	}
	hidden := map[string]bool{}
	for _, runner := range runners {
		if r.Liveness(runner) == models.RunnerOffline {
			hidden[runner.ID] = true
		}
	}
	return hidden
}

// RebuildFromStore loads persisted registrations into memory after restart.
// Monotonic liveness restarts from the wall-clock heartbeat age.
func (r *Registry) RebuildFromStore(ctx context.Context) error {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, runner := range runners {
		state, ok := r.runners[runner.ID]
		if !ok {
			state = &runnerState{wake: make(chan struct{}, 1)}
			r.runners[runner.ID] = state
		}
		state.caps = runner.Capabilities()
		state.lastSeen = time.Now().Add(-time.Since(runner.LastHeartbeat))
		state.marked = runner.MarkedForDeregistration
	}
	return nil
}

// MonitorLoop periodically logs liveness transitions, hands offline runners
// to the offline handler so their in-flight runs get resolved, and
// garbage-collects registrations that stayed offline past twice the
// heartbeat timeout.
func (r *Registry) MonitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepLiveness(ctx)
		}
	}
}

func (r *Registry) sweepLiveness(ctx context.Context) {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		r.log.Error("liveness sweep failed", zap.Error(err))
		return
	}
	gcAfter := 2 * r.cfg.HeartbeatTimeoutDuration()
	for _, runner := range runners {
		liveness := r.Liveness(runner)
		switch liveness {
		case models.RunnerStale:
			r.log.Warn("runner heartbeat is stale", zap.String("runner_id", runner.ID))
		case models.RunnerOffline:
			if r.offlineHandler != nil {
				r.offlineHandler(ctx, runner.ID)
			}

			r.mu.Lock()
			state, ok := r.runners[runner.ID]
			var age time.Duration
			if ok && !state.lastSeen.IsZero() {
				age = time.Since(state.lastSeen)
			} else {
				age = time.Since(runner.LastHeartbeat)
			}
			r.mu.Unlock()

			if age >= gcAfter {
				if _, err := r.store.DeleteRunner(ctx, runner.ID); err != nil {
					r.log.Error("failed to gc offline runner", zap.Error(err), zap.String("runner_id", runner.ID))
					continue
				}
				r.mu.Lock()
				delete(r.runners, runner.ID)
				r.mu.Unlock()
				r.log.Info("garbage-collected offline runner", zap.String("runner_id", runner.ID))
			} else {
				r.log.Warn("runner is offline", zap.String("runner_id", runner.ID))
			}
		}
	}
}
