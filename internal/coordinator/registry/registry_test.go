package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/db"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenSQLite(path)
	require.NoError(t, err)
	writer := sqlx.NewDb(sqlDB, "sqlite3")
	pool := db.NewPool(writer, writer)
	t.Cleanup(func() { _ = pool.Close() })

	st := store.New(pool, logger.Default())
	require.NoError(t, st.InitSchema(context.Background()))

	cfg := config.CoordinatorConfig{
		PollTimeout:       30,
		HeartbeatInterval: 60,
		StaleThreshold:    120,
		HeartbeatTimeout:  300,
	}
	catalog := blueprint.NewCatalog(st, logger.Default())
	return New(st, catalog, cfg, logger.Default()), st
}

func register(t *testing.T, r *Registry) *models.Runner {
	t.Helper()
	runner, err := r.Register(context.Background(), RegisterRequest{
		Hostname:        "h1",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Capabilities:    []string{"internal"},
	})
	require.NoError(t, err)
	return runner
}

func TestRegisterIsDeterministicAndIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	first := register(t, r)
	second := register(t, r)
	assert.Equal(t, first.ID, second.ID)

	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, models.RunnerOnline, infos[0].Liveness)
}

func TestRegisterRequiresIdentity(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), RegisterRequest{Hostname: "h1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadRequest, err.(*apperr.AppError).Code)
}

func TestRegisterUpsertsContributedBlueprints(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterRequest{
		Hostname:        "h1",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Blueprints: []*models.Blueprint{
			{Name: "local-tool", Type: models.BlueprintProcedural, Command: "run"},
		},
	})
	require.NoError(t, err)

	bp, err := st.GetBlueprint(ctx, "local-tool")
	require.NoError(t, err)
	assert.True(t, bp.RunnerOwned)
	assert.Equal(t, models.RunnerID("h1", "/p", "claude-code"), bp.OwnerRunnerID)

	// Re-registration replaces rather than duplicates.
	_, err = r.Register(ctx, RegisterRequest{
		Hostname:        "h1",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Blueprints: []*models.Blueprint{
			{Name: "local-tool", Type: models.BlueprintProcedural, Command: "run-v2"},
		},
	})
	require.NoError(t, err)

	bp, err = st.GetBlueprint(ctx, "local-tool")
	require.NoError(t, err)
	assert.Equal(t, "run-v2", bp.Command)
}

func TestHeartbeatUnknownRunner(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), "lnch_missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestStopIntentsDrainOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	runner := register(t, r)

	r.QueueStop(runner.ID, "run_1")
	r.QueueStop(runner.ID, "run_2")
	r.QueueStop(runner.ID, "run_1") // duplicate is ignored

	intents := r.TakeStopIntents(runner.ID)
	assert.ElementsMatch(t, []string{"run_1", "run_2"}, intents)
	assert.Nil(t, r.TakeStopIntents(runner.ID))
}

func TestQueueStopWakesLongPoll(t *testing.T) {
	r, _ := newTestRegistry(t)
	runner := register(t, r)

	wake := r.WakeChannel(runner.ID)
	drain(wake)
	r.QueueStop(runner.ID, "run_1")

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("stop intent did not wake the runner")
	}
}

func TestWakeMatchingOnlySignalsCapableRunners(t *testing.T) {
	r, _ := newTestRegistry(t)
	plain := register(t, r)

	gpu, err := r.Register(context.Background(), RegisterRequest{
		Hostname:        "h2",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Capabilities:    []string{"gpu"},
	})
	require.NoError(t, err)

	plainWake := r.WakeChannel(plain.ID)
	gpuWake := r.WakeChannel(gpu.ID)
	drain(plainWake)
	drain(gpuWake)

	r.WakeMatching(models.Demands{Tags: []string{"gpu"}})

	select {
	case <-gpuWake:
	case <-time.After(time.Second):
		t.Fatal("matching runner was not woken")
	}
	select {
	case <-plainWake:
		t.Fatal("non-matching runner was woken")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkForDeregistration(t *testing.T) {
	r, _ := newTestRegistry(t)
	runner := register(t, r)
	ctx := context.Background()

	assert.False(t, r.IsMarkedForDeregistration(ctx, runner.ID))
	require.NoError(t, r.MarkForDeregistration(ctx, runner.ID))
	assert.True(t, r.IsMarkedForDeregistration(ctx, runner.ID))

	// Re-registration clears the mark.
	register(t, r)
	assert.False(t, r.IsMarkedForDeregistration(ctx, runner.ID))
}

func TestDeregisterSelfRemovesRegistration(t *testing.T) {
	r, _ := newTestRegistry(t)
	runner := register(t, r)
	ctx := context.Background()

	require.NoError(t, r.DeregisterSelf(ctx, runner.ID))
	err := r.DeregisterSelf(ctx, runner.ID)
	assert.True(t, apperr.IsNotFound(err))
}

func TestLivenessFromPersistedHeartbeat(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	// Rows written directly to the store have no in-memory state, so
	// liveness falls back to the wall-clock heartbeat.
	old := time.Now().UTC().Add(-10 * time.Minute)
	runner := &models.Runner{
		ID:              models.RunnerID("h9", "/p", "claude-code"),
		Hostname:        "h9",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		RegisteredAt:    old,
		LastHeartbeat:   old,
	}
	require.NoError(t, st.UpsertRunner(ctx, runner))
	assert.Equal(t, models.RunnerOffline, r.Liveness(runner))

	hidden := r.HiddenBlueprintOwners(ctx)
	assert.True(t, hidden[runner.ID], "offline runners hide their blueprints")

	stale := time.Now().UTC().Add(-3 * time.Minute)
	runner.LastHeartbeat = stale
	require.NoError(t, st.UpsertRunner(ctx, runner))
	assert.Equal(t, models.RunnerStale, r.Liveness(runner))

	hidden = r.HiddenBlueprintOwners(ctx)
	assert.False(t, hidden[runner.ID], "stale runners stay visible")
}

func TestSweepHandsOfflineRunnerToHandler(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	var resolved []string
	r.SetOfflineHandler(func(_ context.Context, runnerID string) {
		resolved = append(resolved, runnerID)
	})

	// Offline for 6 minutes: past the heartbeat timeout, inside the GC
	// grace. Its runs must be resolved while the registration still exists.
	old := time.Now().UTC().Add(-6 * time.Minute)
	runner := &models.Runner{
		ID:              models.RunnerID("h9", "/p", "claude-code"),
		Hostname:        "h9",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		RegisteredAt:    old,
		LastHeartbeat:   old,
	}
	require.NoError(t, st.UpsertRunner(ctx, runner))

	r.sweepLiveness(ctx)

	assert.Equal(t, []string{runner.ID}, resolved)
	_, err := st.GetRunner(ctx, runner.ID)
	require.NoError(t, err, "runner inside the GC grace is kept")

	// Past twice the heartbeat timeout the registration is collected, but
	// the handler still runs first.
	ancient := time.Now().UTC().Add(-time.Hour)
	runner.LastHeartbeat = ancient
	require.NoError(t, st.UpsertRunner(ctx, runner))

	r.sweepLiveness(ctx)

	assert.Equal(t, []string{runner.ID, runner.ID}, resolved)
	_, err = st.GetRunner(ctx, runner.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepSkipsHealthyRunners(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var resolved []string
	r.SetOfflineHandler(func(_ context.Context, runnerID string) {
		resolved = append(resolved, runnerID)
	})

	register(t, r)
	r.sweepLiveness(ctx)

	assert.Empty(t, resolved)
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
