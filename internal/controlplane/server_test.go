package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/sleepless/internal/audit"
	"github.com/fentz26/sleepless/internal/capacity"
	"github.com/fentz26/sleepless/internal/connectors"
	"github.com/fentz26/sleepless/internal/metrics"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/runner"
	"github.com/fentz26/sleepless/internal/scheduler"
	"github.com/fentz26/sleepless/internal/store"
	"github.com/fentz26/sleepless/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopExec struct{}

func (nopExec) Name() string { return "nop" }

func (nopExec) Dispatch(ctx context.Context, task *models.Task, r connectors.Reporter) (connectors.Handle, error) {
	return connectors.Handle{ID: "h-" + task.ID, TaskID: task.ID}, nil
}

func (nopExec) Cancel(connectors.Handle) error { return nil }

type testEnv struct {
	store  *store.Store
	runner *runner.Runner
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u, err := usage.New(usage.DefaultConfig(), st, nil)
	require.NoError(t, err)
	mon, err := capacity.NewMonitor(capacity.DefaultConfig(), u)
	require.NoError(t, err)

	m := metrics.NewCollector()
	pdr := audit.NewPDRWriter(st)
	schedCfg := scheduler.DefaultConfig()
	schedCfg.MaxConcurrentTasks = 0
	sched := scheduler.New(st, capacity.NewTracker(mon), pdr, m, schedCfg, nil)
	r := runner.New(st, u, sched, nopExec{}, pdr, m, runner.DefaultConfig(), nil)

	service := NewService(st, r, u, mon, pdr)
	server := NewServer(service, "127.0.0.1:0", m.Handler(), nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{store: st, runner: r, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) create(t *testing.T, req CreateTaskRequest) *models.Task {
	t.Helper()
	resp, data := e.do(t, http.MethodPost, "/tasks", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var task models.Task
	require.NoError(t, json.Unmarshal(data, &task))
	return &task
}

func TestCreateAndGetTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, CreateTaskRequest{Title: "refactor parser", Priority: "high"})
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	assert.Equal(t, models.PriorityHigh, task.Priority)
	assert.NotEmpty(t, task.ID)

	resp, data := env.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Task
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "refactor parser", got.Title)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/tasks", CreateTaskRequest{Title: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/tasks", CreateTaskRequest{Title: "x", Priority: "critical"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/tasks", CreateTaskRequest{Title: "x", Dependencies: []string{"missing"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/tasks", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Contains(t, body.Error, "nope")
}

func TestListTasksFilter(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, CreateTaskRequest{Title: "a"})
	env.create(t, CreateTaskRequest{Title: "b"})

	resp, _ := env.do(t, http.MethodPost, "/tasks/"+a.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := env.do(t, http.MethodGet, "/tasks?status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []models.Task
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "b", tasks[0].Title)

	resp, data = env.do(t, http.MethodGet, "/tasks?status=queued,cancelled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &tasks))
	assert.Len(t, tasks, 2)

	resp, _ = env.do(t, http.MethodGet, "/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListTasksEmpty(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(data))
}

func TestPauseResumeCancel(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, CreateTaskRequest{Title: "long job"})

	resp, data := env.do(t, http.MethodPost, "/tasks/"+task.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var paused models.Task
	require.NoError(t, json.Unmarshal(data, &paused))
	assert.Equal(t, models.TaskStatusPaused, paused.Status)
	assert.Equal(t, models.PauseReasonManual, paused.PauseReason)

	resp, data = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var resumed models.Task
	require.NoError(t, json.Unmarshal(data, &resumed))
	assert.Equal(t, models.TaskStatusQueued, resumed.Status)
	assert.Empty(t, resumed.PauseReason)

	// Resuming a queued task is not a legal transition.
	resp, _ = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/tasks/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportUsage(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, CreateTaskRequest{Title: "remote"})

	resp, _ := env.do(t, http.MethodPost, "/tasks/"+task.ID+"/usage", UsageReport{Tokens: 1500, Cost: 0.25})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env.runner.TickOnce(context.Background())

	got, err := env.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.TokensUsed)

	resp, data := env.do(t, http.MethodGet, "/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var u UsageResponse
	require.NoError(t, json.Unmarshal(data, &u))
	assert.Equal(t, int64(1500), u.Usage.TokensUsed)
	assert.Equal(t, 1, u.Tasks[models.TaskStatusQueued])

	resp, _ = env.do(t, http.MethodPost, "/tasks/"+task.ID+"/usage", UsageReport{Tokens: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/tasks/ghost/usage", UsageReport{Tokens: 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskLogs(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, CreateTaskRequest{Title: "logged"})
	_, err := env.store.AppendRun(context.Background(), task.ID, "stdout", "hello")
	require.NoError(t, err)

	resp, data := env.do(t, http.MethodGet, "/tasks/"+task.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []models.Run
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "hello", runs[0].Content)

	resp, _ = env.do(t, http.MethodGet, "/tasks/ghost/logs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.runner.TickOnce(context.Background())

	resp, data := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.NotZero(t, health.PID)
	assert.Equal(t, int64(1), health.Ticks)
	assert.WithinDuration(t, time.Now(), health.LastTick, time.Minute)
	assert.NotEmpty(t, health.Capacity.Mode)
}

func TestHealthEndpointDBError(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	resp, data := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestHealthMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.runner.TickOnce(context.Background())

	resp, data := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "sleepless_scheduler_ticks_total")
}
