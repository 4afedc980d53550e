package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenSQLite(path)
	require.NoError(t, err)
	writer := sqlx.NewDb(sqlDB, "sqlite3")
	pool := db.NewPool(writer, writer)
	t.Cleanup(func() { _ = pool.Close() })

	s := New(pool, logger.Default())
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func newSession(agent string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		ID:         models.NewSessionID(),
		AgentName:  agent,
		Status:     models.SessionPending,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func newPendingRun(t *testing.T, s *Store, sessionID string, demands models.Demands) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:            models.NewRunID(),
		Type:          models.RunTypeStart,
		SessionID:     sessionID,
		AgentName:     "echo",
		Parameters:    map[string]any{"prompt": "hi"},
		Demands:       demands,
		ExecutionMode: models.ExecSync,
		Status:        models.RunPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, models.SessionPending, got.Status)

	got.Status = models.SessionRunning
	got.Hostname = "h1"
	require.NoError(t, s.UpdateSession(ctx, got))

	got, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
	assert.Equal(t, "h1", got.Hostname)

	deleted, err := s.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err = s.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteSessionCascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))
	_, err := s.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventSessionStart,
	})
	require.NoError(t, err)

	_, err = s.DeleteSession(ctx, session.ID)
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, session.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendEventSequencesPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newSession("echo")
	b := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, a))
	require.NoError(t, s.CreateSession(ctx, b))

	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, &models.Event{SessionID: a.ID, Kind: models.EventMessage})
		require.NoError(t, err)
	}
	_, err := s.AppendEvent(ctx, &models.Event{SessionID: b.ID, Kind: models.EventMessage})
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	tail, err := s.ListEvents(ctx, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq)

	other, err := s.ListEvents(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Seq)
}

func TestLatestResultEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))

	got, err := s.LatestResultEvent(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventResult,
		Payload:   map[string]any{"result_text": "first"},
	})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventResult,
		Payload:   map[string]any{"result_text": "second"},
	})
	require.NoError(t, err)

	got, err = s.LatestResultEvent(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Payload["result_text"])
}

func TestClaimFirstMatchingIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))

	first := newPendingRun(t, s, session.ID, models.Demands{})
	time.Sleep(5 * time.Millisecond)
	newPendingRun(t, s, session.ID, models.Demands{})

	caps := models.Capabilities{Hostname: "h1", ProjectDir: "/p", ExecutorProfile: "claude-code"}
	claimed, err := s.ClaimFirstMatching(ctx, "lnch_r1", caps)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.RunClaimed, claimed.Status)
	assert.Equal(t, "lnch_r1", claimed.RunnerID)
	assert.NotNil(t, claimed.ClaimedAt)
}

func TestClaimFirstMatchingRespectsDemands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))
	gpu := newPendingRun(t, s, session.ID, models.Demands{Tags: []string{"gpu"}})

	plain := models.Capabilities{Hostname: "h1", ProjectDir: "/p", ExecutorProfile: "claude-code"}
	claimed, err := s.ClaimFirstMatching(ctx, "lnch_r1", plain)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	withGPU := plain
	withGPU.Tags = []string{"gpu", "internal"}
	claimed, err = s.ClaimFirstMatching(ctx, "lnch_r2", withGPU)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, gpu.ID, claimed.ID)
}

func TestClaimSerializesPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))
	first := newPendingRun(t, s, session.ID, models.Demands{})
	newPendingRun(t, s, session.ID, models.Demands{})

	caps := models.Capabilities{Hostname: "h1", ProjectDir: "/p", ExecutorProfile: "claude-code"}
	claimed, err := s.ClaimFirstMatching(ctx, "lnch_r1", caps)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	// The session already has a claimed run, so its second run is skipped.
	claimed, err = s.ClaimFirstMatching(ctx, "lnch_r2", caps)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestConcurrentClaimsNeverDoubleAssign(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One session per run: claims serialize within a session, so a shared
	// session would leave only a single claimable run.
	const runCount = 10
	for i := 0; i < runCount; i++ {
		session := newSession("echo")
		require.NoError(t, s.CreateSession(ctx, session))
		newPendingRun(t, s, session.ID, models.Demands{})
	}

	caps := models.Capabilities{Hostname: "h1", ProjectDir: "/p", ExecutorProfile: "claude-code"}
	var mu sync.Mutex
	var claims []string

	errCh := make(chan error, 4)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		runnerID := models.RunnerID("h1", "/p", string(rune('a'+w)))
		go func() {
			defer wg.Done()
			for {
				run, err := s.ClaimFirstMatching(ctx, runnerID, caps)
				if err != nil {
					errCh <- err
					return
				}
				if run == nil {
					return
				}
				mu.Lock()
				claims = append(claims, run.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	seen := make(map[string]bool)
	for _, id := range claims {
		assert.False(t, seen[id], "run %s claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, runCount)
}

func TestListExpiredPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))

	past := time.Now().UTC().Add(-time.Minute)
	expired := newPendingRun(t, s, session.ID, models.Demands{})
	expired.TimeoutAt = &past
	require.NoError(t, s.UpdateRun(ctx, expired))

	future := time.Now().UTC().Add(time.Hour)
	fresh := newPendingRun(t, s, session.ID, models.Demands{})
	fresh.TimeoutAt = &future
	require.NoError(t, s.UpdateRun(ctx, fresh))

	runs, err := s.ListExpiredPending(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, expired.ID, runs[0].ID)
}

func TestTransitionRunGuardsState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))
	run := newPendingRun(t, s, session.ID, models.Demands{})

	got, ok, err := s.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunPending}, models.RunStopped, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.RunStopped, got.Status)

	// Already terminal; the same transition is refused.
	got, ok, err = s.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunPending}, models.RunStopped, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.RunStopped, got.Status)

	_, _, err = s.TransitionRun(ctx, "run_missing",
		[]models.RunStatus{models.RunPending}, models.RunStopped, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecoveryRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := newSession("echo")
	require.NoError(t, s.CreateSession(ctx, session))

	pending := newPendingRun(t, s, session.ID, models.Demands{})
	_ = pending

	claimed := newPendingRun(t, s, session.ID, models.Demands{})
	claimed.Status = models.RunClaimed
	require.NoError(t, s.UpdateRun(ctx, claimed))

	running := newPendingRun(t, s, session.ID, models.Demands{})
	running.Status = models.RunRunning
	require.NoError(t, s.UpdateRun(ctx, running))

	runs, err := s.ListRecoveryRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestRunnerUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	runner := &models.Runner{
		ID:              models.RunnerID("h1", "/p", "claude-code"),
		Hostname:        "h1",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Tags:            []string{"internal"},
		RegisteredAt:    now,
		LastHeartbeat:   now,
	}
	require.NoError(t, s.UpsertRunner(ctx, runner))

	runner.Tags = []string{"internal", "gpu"}
	require.NoError(t, s.UpsertRunner(ctx, runner))

	runners, err := s.ListRunners(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.ElementsMatch(t, []string{"internal", "gpu"}, runners[0].Tags)
}

func TestBlueprintCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	bp := &models.Blueprint{
		Name:         "echo",
		Type:         models.BlueprintAutonomous,
		SystemPrompt: "You echo.",
		Status:       models.BlueprintActive,
		Demands:      models.Demands{Tags: []string{"internal"}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateBlueprint(ctx, bp))
	assert.Error(t, s.CreateBlueprint(ctx, bp), "duplicate name must fail")

	got, err := s.GetBlueprint(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, models.BlueprintAutonomous, got.Type)
	assert.Equal(t, []string{"internal"}, got.Demands.Tags)

	got.Description = "echoes the prompt"
	require.NoError(t, s.UpsertBlueprint(ctx, got))

	got, err = s.GetBlueprint(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "echoes the prompt", got.Description)

	deleted, err := s.DeleteBlueprint(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetBlueprint(ctx, "echo")
	assert.ErrorIs(t, err, ErrNotFound)
}
