package queue

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
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/db"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

type fixture struct {
	store    *store.Store
	registry *registry.Registry
	catalog  *blueprint.Catalog
	bus      *bus.MemoryBus
	queue    *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenSQLite(path)
	require.NoError(t, err)
	writer := sqlx.NewDb(sqlDB, "sqlite3")
	pool := db.NewPool(writer, writer)
	t.Cleanup(func() { _ = pool.Close() })

	log := logger.Default()
	st := store.New(pool, log)
	require.NoError(t, st.InitSchema(context.Background()))

	cfg := config.CoordinatorConfig{
		PollTimeout:       1,
		HeartbeatInterval: 60,
		StaleThreshold:    120,
		HeartbeatTimeout:  300,
		NoMatchTimeout:    300,
		SweepInterval:     10,
	}
	catalog := blueprint.NewCatalog(st, log)
	reg := registry.New(st, catalog, cfg, log)
	b := bus.NewMemoryBus(log)
	t.Cleanup(func() { _ = b.Close() })

	return &fixture{
		store:    st,
		registry: reg,
		catalog:  catalog,
		bus:      b,
		queue:    New(st, reg, catalog, b, cfg, log),
	}
}

func (f *fixture) createBlueprint(t *testing.T, bp *models.Blueprint) {
	t.Helper()
	require.NoError(t, f.catalog.Create(context.Background(), bp))
}

func (f *fixture) registerRunner(t *testing.T, tags ...string) *models.Runner {
	t.Helper()
	runner, err := f.registry.Register(context.Background(), registry.RegisterRequest{
		Hostname:        "h1",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Capabilities:    tags,
	})
	require.NoError(t, err)
	return runner
}

func TestEnqueueStartCreatesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	run, session, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, models.RunTypeStart, run.Type)
	assert.Equal(t, session.ID, run.SessionID)
	assert.Equal(t, models.SessionPending, session.Status)
	require.NotNil(t, run.TimeoutAt)
	assert.WithinDuration(t, run.CreatedAt.Add(300*time.Second), *run.TimeoutAt, time.Second)

	select {
	case msg := <-sub.C():
		assert.Equal(t, events.SessionCreated, msg.Kind)
		assert.Equal(t, session.ID, msg.Session.ID)
	case <-time.After(time.Second):
		t.Fatal("session_created was not published")
	}
}

func TestEnqueueRejectsUnknownAndInactiveAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{AgentName: "ghost", Parameters: map[string]any{"prompt": "x"}})
	assert.True(t, apperr.IsNotFound(err))

	f.createBlueprint(t, &models.Blueprint{Name: "off", Status: models.BlueprintInactive})
	_, _, err = f.queue.Enqueue(ctx, EnqueueRequest{AgentName: "off", Parameters: map[string]any{"prompt": "x"}})
	assert.True(t, apperr.IsConflict(err))
}

func TestEnqueueRejectsProceduralResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "task", Type: models.BlueprintProcedural})

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		Type:      models.RunTypeResume,
		AgentName: "task",
		SessionID: "ses_whatever",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadRequest, err.(*apperr.AppError).Code)
}

func TestEnqueueValidatesParameters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})

	_, _, err := f.queue.Enqueue(ctx, EnqueueRequest{AgentName: "echo"})
	require.Error(t, err)
	appErr := err.(*apperr.AppError)
	assert.Equal(t, apperr.CodeValidationFailed, appErr.Code)
	assert.NotEmpty(t, appErr.Details)
}

func TestEnqueueMergesDemandsAdditively(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{
		Name:    "pinned",
		Type:    models.BlueprintAutonomous,
		Demands: models.Demands{Tags: []string{"internal"}, Hostname: "h1"},
	})

	run, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "pinned",
		Parameters: map[string]any{"prompt": "hi"},
		Demands:    models.Demands{Tags: []string{"gpu"}, Hostname: "h1", ProjectDir: "/p"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"internal", "gpu"}, run.Demands.Tags)
	assert.Equal(t, "h1", run.Demands.Hostname)
	assert.Equal(t, "/p", run.Demands.ProjectDir)

	_, _, err = f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "pinned",
		Parameters: map[string]any{"prompt": "hi"},
		Demands:    models.Demands{Hostname: "h2"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDemandConflict, err.(*apperr.AppError).Code)
}

func TestEnqueueFreezesResolvedBlueprint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{
		Name:         "echo",
		Type:         models.BlueprintAutonomous,
		SystemPrompt: "Session ${runtime.session_id} for tenant ${scope.tenant}",
		MCPServers: map[string]any{
			"fs": map[string]any{"root": "${runner.workdir}", "prompt": "${params.prompt}"},
		},
	})

	run, session, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
		Scope:      map[string]any{"tenant": "t-42"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Session "+session.ID+" for tenant t-42", run.ResolvedBlueprint["system_prompt"])
	fs := run.ResolvedBlueprint["mcp_servers"].(map[string]any)["fs"].(map[string]any)
	assert.Equal(t, "${runner.workdir}", fs["root"], "runner namespace passes through")
	assert.Equal(t, "hi", fs["prompt"])
}

func TestGetWorkClaimsPendingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})
	runner := f.registerRunner(t)

	run, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	result, err := f.queue.GetWork(ctx, runner.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Run)
	assert.Equal(t, run.ID, result.Run.ID)
	assert.Equal(t, models.RunClaimed, result.Run.Status)
	assert.Equal(t, runner.ID, result.Run.RunnerID)
}

func TestGetWorkWakesOnEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})
	runner := f.registerRunner(t)

	type outcome struct {
		result WorkResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.queue.GetWork(ctx, runner.ID)
		done <- outcome{result, err}
	}()

	// Give the long-poll a moment to block, then enqueue matching work.
	time.Sleep(50 * time.Millisecond)
	run, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.NotNil(t, out.result.Run)
		assert.Equal(t, run.ID, out.result.Run.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll did not wake on enqueue")
	}
}

func TestGetWorkReturnsEmptyOnTimeout(t *testing.T) {
	f := newFixture(t)
	runner := f.registerRunner(t)

	start := time.Now()
	result, err := f.queue.GetWork(context.Background(), runner.ID)
	require.NoError(t, err)
	assert.True(t, result.Empty())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestGetWorkSurfacesDeregistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runner := f.registerRunner(t)

	require.NoError(t, f.registry.MarkForDeregistration(ctx, runner.ID))
	result, err := f.queue.GetWork(ctx, runner.ID)
	require.NoError(t, err)
	assert.True(t, result.Deregistered)
}

func TestGetWorkSurfacesStopIntents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runner := f.registerRunner(t)

	f.registry.QueueStop(runner.ID, "run_1")
	result, err := f.queue.GetWork(ctx, runner.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_1"}, result.StopRuns)
}

func TestGetWorkUnknownRunner(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.GetWork(context.Background(), "lnch_ghost")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadRequest, err.(*apperr.AppError).Code)
}

func TestStopPendingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})

	run, session, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	stopped, err := f.queue.Stop(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, stopped.Status)

	got, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, got.Status)
}

func TestStopClaimedRunQueuesIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})
	runner := f.registerRunner(t)

	run, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	result, err := f.queue.GetWork(ctx, runner.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Run)

	stopped, err := f.queue.Stop(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopping, stopped.Status)
	assert.Equal(t, []string{run.ID}, f.registry.TakeStopIntents(runner.ID))
}

func TestStopTerminalRunFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})

	run, _, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	_, err = f.queue.Stop(ctx, run.ID)
	require.NoError(t, err)

	_, err = f.queue.Stop(ctx, run.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBadRequest, err.(*apperr.AppError).Code)
}

func TestStopSessionWithoutActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})

	run, session, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)
	_, err = f.queue.Stop(ctx, run.ID)
	require.NoError(t, err)

	_, err = f.queue.StopSession(ctx, session.ID)
	assert.True(t, apperr.IsConflict(err))

	_, err = f.queue.StopSession(ctx, "ses_ghost")
	assert.True(t, apperr.IsNotFound(err))
}

func TestSweepFailsExpiredRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{
		Name:    "gpu-only",
		Type:    models.BlueprintAutonomous,
		Demands: models.Demands{Tags: []string{"gpu"}},
	})

	run, session, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "gpu-only",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	// Force the timeout into the past.
	past := time.Now().UTC().Add(-time.Minute)
	run.TimeoutAt = &past
	require.NoError(t, f.store.UpdateRun(ctx, run))

	f.queue.SweepExpired(ctx)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "no matching runner", got.Error)

	gotSession, err := f.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, gotSession.Status)

	eventsList, err := f.store.ListEvents(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, eventsList, 1)
	assert.Equal(t, models.EventSessionStop, eventsList[0].Kind)
}

func TestResumeWaitsBehindActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createBlueprint(t, &models.Blueprint{Name: "echo", Type: models.BlueprintAutonomous})
	runner := f.registerRunner(t)

	_, session, err := f.queue.Enqueue(ctx, EnqueueRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.NoError(t, err)

	first, err := f.queue.GetWork(ctx, runner.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Run)

	_, _, err = f.queue.Enqueue(ctx, EnqueueRequest{
		Type:       models.RunTypeResume,
		AgentName:  "echo",
		SessionID:  session.ID,
		Parameters: map[string]any{"prompt": "again"},
	})
	require.NoError(t, err)

	// The first run is still claimed, so the resume must stay queued.
	second, err := f.queue.GetWork(ctx, runner.ID)
	require.NoError(t, err)
	assert.Nil(t, second.Run)
}
