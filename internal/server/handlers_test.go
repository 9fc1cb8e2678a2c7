package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/scheduler"
	"github.com/csdwd/claude-code-server/internal/session"
	"github.com/csdwd/claude-code-server/internal/task"
	"github.com/csdwd/claude-code-server/internal/webhook"
)

// fakeRunner returns a canned result for every execution.
type fakeRunner struct {
	result *executor.Result
}

func (f *fakeRunner) Execute(ctx context.Context, opts executor.Options) (*executor.Result, error) {
	return f.result, nil
}

type testServer struct {
	router   *gin.Engine
	tasks    *task.Store
	sessions *session.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	dir := t.TempDir()

	tasks, err := task.NewStore(dir, log)
	require.NoError(t, err)
	sessions, err := session.NewStore(dir, log)
	require.NoError(t, err)
	bus := events.NewMemoryEventBus(log)
	t.Cleanup(bus.Close)

	runner := &fakeRunner{result: &executor.Result{
		Success:    true,
		Result:     "done",
		CostUSD:    0.01,
		DurationMs: 5,
	}}

	dispatcher := webhook.NewDispatcher(config.WebhookConfig{Timeout: 1, Retries: 1}, log)
	sessionMgr := session.NewManager(sessions, runner, bus, nil, log)
	sched := scheduler.New(tasks, sessions, nil, runner, bus, log, scheduler.DefaultConfig())

	execCfg := config.ExecutorConfig{
		Binary:             "claude",
		DefaultProjectPath: "/tmp/workdir",
		DefaultModel:       "default-model",
		Timeout:            300,
	}
	handler := NewHandler(sched, sessionMgr, tasks, nil, runner, dispatcher, bus, execCfg, log)

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{Enabled: false},
		Logging:   logger.LoggingConfig{Level: "info"},
	}
	return &testServer{
		router:   NewRouter(handler, nil, cfg, log),
		tasks:    tasks,
		sessions: sessions,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var parsed map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	}
	return rec, parsed
}

func TestExecuteRejectsEmptyPrompt(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "prompt")
}

func TestExecuteRejectsStreaming(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "x", "stream": true})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestExecuteRejectsBadWebhookURL(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/claude", gin.H{
		"prompt":      "x",
		"webhook_url": "not-a-url",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteRejectsBadPriority(t *testing.T) {
	ts := newTestServer(t)

	for _, p := range []int{-1, 11, 42} {
		rec, _ := ts.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "x", "priority": p})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "priority %d must be rejected", p)
	}
}

func TestExecuteSync(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/claude", gin.H{"prompt": "hello"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "done", body["result"])
}

func TestExecuteAsyncCreatesTaskAndSession(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/claude", gin.H{
		"prompt":   "queue me",
		"async":    true,
		"priority": 8,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(8), body["priority"])

	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID, "a session must be auto-created")

	_, err := ts.sessions.Get(context.Background(), sessionID)
	assert.NoError(t, err)

	created, err := ts.tasks.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, sessionID, created.SessionID)
	assert.Equal(t, "/tmp/workdir", created.ProjectPath)
	assert.Equal(t, "default-model", created.Model)
}

func TestCreateAsyncTaskReturns201(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/tasks/async", gin.H{
		"prompt":      "background work",
		"webhook_url": "http://example.com/hook",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "http://example.com/hook", body["webhook_url"])
}

func TestGetTaskNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestListTasksRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/api/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasks(t *testing.T) {
	ts := newTestServer(t)

	_, err := ts.tasks.Create(context.Background(), task.CreateRequest{Prompt: "one"})
	require.NoError(t, err)
	_, err = ts.tasks.Create(context.Background(), task.CreateRequest{Prompt: "two"})
	require.NoError(t, err)

	rec, body := ts.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])
}

func TestUpdatePriority(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	created, err := ts.tasks.Create(ctx, task.CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodPatch, "/api/tasks/"+created.ID+"/priority", gin.H{"priority": 10})
	assert.Equal(t, http.StatusOK, rec.Code)

	loaded, err := ts.tasks.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.Priority)

	rec, _ = ts.do(t, http.MethodPatch, "/api/tasks/"+created.ID+"/priority", gin.H{"priority": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdatePriorityRefusedOnTerminal(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	created, err := ts.tasks.Create(ctx, task.CreateRequest{Prompt: "p"})
	require.NoError(t, err)
	_, err = ts.tasks.Cancel(ctx, created.ID)
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodPatch, "/api/tasks/"+created.ID+"/priority", gin.H{"priority": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	created, err := ts.tasks.Create(ctx, task.CreateRequest{Prompt: "p"})
	require.NoError(t, err)

	rec, _ := ts.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancelling again hits the terminal-state refusal.
	rec, body := ts.do(t, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestQueueStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/api/tasks/queue/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(3), body["concurrency"])
}

func TestBatchValidation(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, "/api/claude/batch", gin.H{"prompts": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tooMany := make([]string, 11)
	for i := range tooMany {
		tooMany[i] = "p"
	}
	rec, _ = ts.do(t, http.MethodPost, "/api/claude/batch", gin.H{"prompts": tooMany})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchExecute(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/claude/batch", gin.H{
		"prompts": []string{"a", "b", "c"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(3), summary["total"])
	assert.Equal(t, float64(3), summary["succeeded"])
	assert.Equal(t, float64(0), summary["failed"])
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodPost, "/api/sessions", gin.H{"model": "m-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := body["session"].(map[string]interface{})
	id := sess["id"].(string)
	require.NotEmpty(t, id)

	rec, _ = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/continue", gin.H{"prompt": "more"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodPatch, "/api/sessions/"+id+"/status", gin.H{"status": "archived"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/continue", gin.H{"prompt": "more"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "archived session must refuse continuation")

	rec, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchSessionsRequiresQuery(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/api/sessions/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatisticsDisabled(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
}
