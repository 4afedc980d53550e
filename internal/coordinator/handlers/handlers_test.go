package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/controller"
	"github.com/kestrelhq/kestrel/internal/coordinator/dto"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/queue"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/db"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

type apiFixture struct {
	store  *store.Store
	router *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	path := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenSQLite(path)
	require.NoError(t, err)
	writer := sqlx.NewDb(sqlDB, "sqlite3")
	pool := db.NewPool(writer, writer)
	t.Cleanup(func() { _ = pool.Close() })

	log := logger.Default()
	st := store.New(pool, log)
	require.NoError(t, st.InitSchema(context.Background()))

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Coordinator: config.CoordinatorConfig{
			PollTimeout:       1,
			HeartbeatInterval: 60,
			StaleThreshold:    120,
			HeartbeatTimeout:  300,
			NoMatchTimeout:    300,
			SweepInterval:     10,
		},
	}

	catalog := blueprint.NewCatalog(st, log)
	reg := registry.New(st, catalog, cfg.Coordinator, log)
	b := bus.NewMemoryBus(log)
	t.Cleanup(func() { _ = b.Close() })
	q := queue.New(st, reg, catalog, b, cfg.Coordinator, log)
	ctrl := controller.New(st, q, reg, b, cfg.Coordinator, log)

	h := New(st, q, ctrl, reg, catalog, b, cfg, log)
	return &apiFixture{store: st, router: h.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) seedAgent(t *testing.T, name string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/agents", dto.CreateBlueprintRequest{Name: name})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (f *apiFixture) registerRunner(t *testing.T, tags ...string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/runner/register", dto.RegisterRequest{
		Hostname:        "h1",
		ProjectDir:      "/p",
		ExecutorProfile: "claude-code",
		Capabilities:    tags,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[dto.RegisterResponse](t, w).RunnerID
}

func TestHealthAndStatus(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[dto.StatusResponse](t, w)
	assert.Zero(t, status.Sessions)
	assert.Zero(t, status.PendingRuns)
}

func TestCreateRunAndFetchSession(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, "echo")

	w := f.do(t, http.MethodPost, "/runs", dto.CreateRunRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[dto.CreateRunResponse](t, w)
	assert.Equal(t, "pending", created.Status)
	assert.NotEmpty(t, created.RunID)

	w = f.do(t, http.MethodGet, "/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	session := decode[models.Session](t, w)
	assert.Equal(t, "echo", session.AgentName)

	w = f.do(t, http.MethodGet, "/runs/"+created.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/runs?session_id="+created.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[dto.RunListResponse](t, w)
	require.Len(t, runs.Runs, 1)
}

func TestCreateRunValidationError(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, "echo")

	w := f.do(t, http.MethodPost, "/runs", dto.CreateRunRequest{AgentName: "echo"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "parameter_validation_failed", body["error"])
	assert.Contains(t, body, "validation_errors")
	assert.Contains(t, body, "parameters_schema")
}

func TestUnknownResourcesReturn404(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/sessions/ses_ghost", "/runs/run_ghost", "/agents/ghost", "/runners/lnch_ghost"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "NOT_FOUND", body["error"], path)
	}
}

func TestRunnerLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, "echo")
	runnerID := f.registerRunner(t)

	w := f.do(t, http.MethodPost, "/runs", dto.CreateRunRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode[dto.CreateRunResponse](t, w)

	w = f.do(t, http.MethodGet, "/runner/runs?runner_id="+runnerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	work := decode[dto.WorkResponse](t, w)
	require.NotNil(t, work.Run)
	assert.Equal(t, created.RunID, work.Run.ID)
	assert.Equal(t, models.RunClaimed, work.Run.Status)

	w = f.do(t, http.MethodPost, "/runner/runs/"+created.RunID+"/started", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/runner/runs/"+created.RunID+"/completed", dto.CompletedRequest{
		ResultText: "done",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/result", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[dto.ResultResponse](t, w)
	assert.Equal(t, "done", result.Result)

	w = f.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evts := decode[dto.EventListResponse](t, w)
	require.Len(t, evts.Events, 2)
	assert.Equal(t, models.EventSessionStart, evts.Events[0].Kind)
	assert.Equal(t, models.EventResult, evts.Events[1].Kind)

	w = f.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/events?after_seq=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evts = decode[dto.EventListResponse](t, w)
	require.Len(t, evts.Events, 1)
	assert.Equal(t, models.EventResult, evts.Events[0].Kind)
}

func TestGetWorkReturns204WhenIdle(t *testing.T) {
	f := newAPIFixture(t)
	runnerID := f.registerRunner(t)

	start := time.Now()
	w := f.do(t, http.MethodGet, "/runner/runs?runner_id="+runnerID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestGetWorkUnknownRunner(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/runner/runs?runner_id=lnch_ghost", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/runner/runs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSessionIdempotent(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, "echo")

	w := f.do(t, http.MethodPost, "/runs", dto.CreateRunRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decode[dto.CreateRunResponse](t, w)

	w = f.do(t, http.MethodDelete, "/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.DeleteResponse](t, w)
	assert.True(t, resp.Deleted)

	w = f.do(t, http.MethodDelete, "/sessions/"+created.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[dto.DeleteResponse](t, w)
	assert.False(t, resp.Deleted)
	assert.True(t, resp.AlreadyAbsent)

	// Cascade removed the run too.
	w = f.do(t, http.MethodGet, "/runs/"+created.RunID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopPendingRunOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, "echo")

	w := f.do(t, http.MethodPost, "/runs", dto.CreateRunRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decode[dto.CreateRunResponse](t, w)

	w = f.do(t, http.MethodPost, "/runs/"+created.RunID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[models.Run](t, w)
	assert.Equal(t, models.RunStopped, run.Status)
}

func TestAgentCRUDOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/agents", dto.CreateBlueprintRequest{
		Name:         "review",
		Type:         "autonomous",
		SystemPrompt: "You review code.",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/agents", dto.CreateBlueprintRequest{Name: "review"})
	assert.Equal(t, http.StatusConflict, w.Code)

	desc := "reviews diffs"
	w = f.do(t, http.MethodPatch, "/agents/review", dto.UpdateBlueprintRequest{Description: &desc})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bp := decode[models.Blueprint](t, w)
	assert.Equal(t, desc, bp.Description)

	w = f.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.BlueprintListResponse](t, w)
	require.Len(t, list.Agents, 1)

	w = f.do(t, http.MethodDelete, "/agents/review", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/agents/review", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRunnersAndExternalDeregistration(t *testing.T) {
	f := newAPIFixture(t)
	runnerID := f.registerRunner(t, "docker")

	w := f.do(t, http.MethodGet, "/runners", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.RunnerListResponse](t, w)
	require.Len(t, list.Runners, 1)
	assert.Equal(t, runnerID, list.Runners[0].ID)
	assert.Equal(t, models.RunnerOnline, list.Runners[0].Liveness)

	w = f.do(t, http.MethodDelete, "/runners/"+runnerID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The next poll tells the runner to exit.
	w = f.do(t, http.MethodGet, "/runner/runs?runner_id="+runnerID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	work := decode[dto.WorkResponse](t, w)
	assert.True(t, work.Deregistered)
}

func TestStreamSessionsSnapshot(t *testing.T) {
	f := newAPIFixture(t)
	f.seedAgent(t, "echo")

	w := f.do(t, http.MethodPost, "/runs", dto.CreateRunRequest{
		AgentName:  "echo",
		Parameters: map[string]any{"prompt": "hi"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decode[dto.CreateRunResponse](t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream/sessions", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: session_created")
	assert.Contains(t, body, created.SessionID)
}
