package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/csdwd/claude-code-server/internal/common/config"
	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/scheduler"
	"github.com/csdwd/claude-code-server/internal/session"
	"github.com/csdwd/claude-code-server/internal/stats"
	"github.com/csdwd/claude-code-server/internal/task"
	"github.com/csdwd/claude-code-server/internal/webhook"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// Handler contains the HTTP handlers for the API.
type Handler struct {
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	tasks     *task.Store
	stats     *stats.Store
	executor  executor.Runner
	webhooks  *webhook.Dispatcher
	bus       events.EventBus
	defaults  config.ExecutorConfig
	logger    *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(
	sched *scheduler.Scheduler,
	sessions *session.Manager,
	tasks *task.Store,
	statsStore *stats.Store,
	exec executor.Runner,
	webhooks *webhook.Dispatcher,
	bus events.EventBus,
	defaults config.ExecutorConfig,
	log *logger.Logger,
) *Handler {
	return &Handler{
		scheduler: sched,
		sessions:  sessions,
		tasks:     tasks,
		stats:     statsStore,
		executor:  exec,
		webhooks:  webhooks,
		bus:       bus,
		defaults:  defaults,
		logger:    log,
	}
}

// respondError renders an error in the {success:false, error} envelope.
func respondError(c *gin.Context, err error) {
	c.JSON(errors.GetHTTPStatus(err), gin.H{
		"success": false,
		"error":   errorMessage(err),
	})
}

func errorMessage(err error) string {
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.Message
	}
	return err.Error()
}

// ExecuteClaude handles POST /api/claude: synchronous execution by default,
// task submission when async=true.
func (h *Handler) ExecuteClaude(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return
	}
	h.applyDefaults(&req)

	if req.Async {
		h.submitTask(c, &req, http.StatusAccepted)
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), executor.Options{
		Prompt:          req.Prompt,
		ProjectPath:     req.ProjectPath,
		Model:           req.Model,
		SessionID:       req.SessionID,
		SystemPrompt:    req.SystemPrompt,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		Agent:           req.Agent,
		MCPConfig:       req.MCPConfig,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.recordSyncOutcome(c, req.Model, req.SessionID, result)

	c.JSON(http.StatusOK, gin.H{
		"success":     result.Success,
		"result":      result.Result,
		"error":       result.Error,
		"duration_ms": result.DurationMs,
		"cost_usd":    result.CostUSD,
		"session_id":  result.SessionID,
		"usage":       result.Usage,
	})
}

// BatchExecute handles POST /api/claude/batch: up to 10 prompts executed
// concurrently, each synchronous.
func (h *Handler) BatchExecute(c *gin.Context) {
	var req BatchExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return
	}

	projectPath := req.ProjectPath
	if projectPath == "" {
		projectPath = h.defaults.DefaultProjectPath
	}

	results := make([]*executor.Result, len(req.Prompts))
	g, ctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(MaxBatchSize)
	for i, prompt := range req.Prompts {
		i, prompt := i, prompt
		g.Go(func() error {
			result, err := h.executor.Execute(ctx, executor.Options{
				Prompt:      prompt,
				ProjectPath: projectPath,
				Model:       req.Model,
			})
			if err != nil {
				result = &executor.Result{Success: false, Error: errorMessage(err)}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		h.recordSyncOutcome(c, req.Model, "", r)
		if r.Success {
			succeeded++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"results": results,
		"summary": gin.H{
			"total":     len(results),
			"succeeded": succeeded,
			"failed":    len(results) - succeeded,
		},
	})
}

// CreateAsyncTask handles POST /api/tasks/async.
func (h *Handler) CreateAsyncTask(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return
	}
	h.applyDefaults(&req)
	h.submitTask(c, &req, http.StatusCreated)
}

// submitTask creates a task via the scheduler, auto-creating a session when
// none is referenced.
func (h *Handler) submitTask(c *gin.Context, req *ExecuteRequest, status int) {
	ctx := c.Request.Context()

	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := h.sessions.Create(ctx, session.CreateRequest{
			Model:       req.Model,
			ProjectPath: req.ProjectPath,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		sessionID = sess.ID
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if req.WebhookURL != "" {
		metadata["webhook_url"] = req.WebhookURL
	}
	if req.SystemPrompt != "" {
		metadata["system_prompt"] = req.SystemPrompt
	}
	if req.MaxBudgetUSD > 0 {
		metadata["max_budget_usd"] = req.MaxBudgetUSD
	}
	if len(req.AllowedTools) > 0 {
		metadata["allowed_tools"] = req.AllowedTools
	}
	if len(req.DisallowedTools) > 0 {
		metadata["disallowed_tools"] = req.DisallowedTools
	}
	if req.Agent != "" {
		metadata["agent"] = req.Agent
	}
	if req.MCPConfig != "" {
		metadata["mcp_config"] = req.MCPConfig
	}

	t, err := h.scheduler.Submit(ctx, task.CreateRequest{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Priority:    req.Priority,
		SessionID:   sessionID,
		Metadata:    metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(status, gin.H{
		"success":     true,
		"task_id":     t.ID,
		"status":      string(t.Status),
		"priority":    t.Priority,
		"session_id":  t.SessionID,
		"webhook_url": t.WebhookURL(),
	})
}

// GetTask handles GET /api/tasks/:id.
func (h *Handler) GetTask(c *gin.Context) {
	t, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": taskToResponse(t)})
}

// ListTasks handles GET /api/tasks?status=&limit=.
func (h *Handler) ListTasks(c *gin.Context) {
	filter := task.ListFilter{}
	if status := c.Query("status"); status != "" {
		s := task.Status(status)
		if !s.Valid() {
			respondError(c, errors.ValidationError("status", "unknown status '"+status+"'"))
			return
		}
		filter.Status = s
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			respondError(c, errors.ValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	tasks, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]*TaskResponse, len(tasks))
	for i, t := range tasks {
		resp[i] = taskToResponse(t)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tasks": resp, "total": len(resp)})
}

// UpdateTaskPriority handles PATCH /api/tasks/:id/priority. Allowed only
// while the task is pending or processing; takes effect on the next
// dispatch tick.
func (h *Handler) UpdateTaskPriority(c *gin.Context) {
	var req UpdatePriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return
	}

	id := c.Param("id")
	t, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
		respondError(c, errors.InvalidState("task "+id+" is "+string(t.Status)+", priority is frozen"))
		return
	}

	updated, err := h.tasks.Update(c.Request.Context(), id, task.Patch{Priority: &req.Priority})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": taskToResponse(updated)})
}

// CancelTask handles DELETE /api/tasks/:id.
func (h *Handler) CancelTask(c *gin.Context) {
	t, err := h.scheduler.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": taskToResponse(t)})
}

// QueueStatus handles GET /api/tasks/queue/status.
func (h *Handler) QueueStatus(c *gin.Context) {
	status, err := h.scheduler.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"running":      status.Running,
		"concurrency":  status.Concurrency,
		"active_tasks": status.ActiveTasks,
		"stats":        status.Stats,
	})
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if req.Model == "" {
		req.Model = h.defaults.DefaultModel
	}
	if req.ProjectPath == "" {
		req.ProjectPath = h.defaults.DefaultProjectPath
	}

	sess, err := h.sessions.Create(c.Request.Context(), session.CreateRequest{
		Model:       req.Model,
		ProjectPath: req.ProjectPath,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "session": sess})
}

// GetSession handles GET /api/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess})
}

// ListSessions handles GET /api/sessions?status=&project_path=&limit=.
func (h *Handler) ListSessions(c *gin.Context) {
	filter := session.ListFilter{ProjectPath: c.Query("project_path")}
	if status := c.Query("status"); status != "" {
		s := session.Status(status)
		if !s.Valid() {
			respondError(c, errors.ValidationError("status", "unknown status '"+status+"'"))
			return
		}
		filter.Status = s
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			respondError(c, errors.ValidationError("limit", "must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	sessions, err := h.sessions.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions, "total": len(sessions)})
}

// SearchSessions handles GET /api/sessions/search?q=&limit=.
func (h *Handler) SearchSessions(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		respondError(c, errors.ValidationError("q", "must not be empty"))
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, errors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	sessions, err := h.sessions.Search(c.Request.Context(), query, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions, "total": len(sessions)})
}

// DeleteSession handles DELETE /api/sessions/:id.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UpdateSessionStatus handles PATCH /api/sessions/:id/status.
func (h *Handler) UpdateSessionStatus(c *gin.Context) {
	var req UpdateSessionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	sess, err := h.sessions.UpdateStatus(c.Request.Context(), c.Param("id"), session.Status(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sess})
}

// ContinueSession handles POST /api/sessions/:id/continue.
func (h *Handler) ContinueSession(c *gin.Context) {
	var req ContinueSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return
	}

	result, err := h.sessions.Continue(c.Request.Context(), c.Param("id"), session.ContinueRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
		Stream:       req.Stream,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     result.Success,
		"result":      result.Result,
		"error":       result.Error,
		"duration_ms": result.DurationMs,
		"cost_usd":    result.CostUSD,
		"usage":       result.Usage,
	})
}

// SessionStats handles GET /api/sessions/stats.
func (h *Handler) SessionStats(c *gin.Context) {
	stats, err := h.sessions.GetStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

// GetStatistics handles GET /api/stats.
func (h *Handler) GetStatistics(c *gin.Context) {
	if h.stats == nil {
		respondError(c, errors.BadRequest("statistics collection is disabled"))
		return
	}
	snapshot, err := h.stats.Get(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "statistics": snapshot})
}

// TestWebhook handles POST /api/webhook/test: synchronous delivery of an
// arbitrary event so operators can verify their callback endpoint.
func (h *Handler) TestWebhook(c *gin.Context) {
	var req WebhookTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, err)
		return
	}

	delivery := h.webhooks.Deliver(c.Request.Context(), req.Event, req.Data, req.URL)
	c.JSON(http.StatusOK, gin.H{"success": true, "delivery": delivery})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	uptime := ""
	if h.stats != nil {
		uptime = h.stats.Uptime().String()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
		"uptime":  uptime,
	})
}

// applyDefaults fills executor defaults into the request.
func (h *Handler) applyDefaults(req *ExecuteRequest) {
	if req.ProjectPath == "" {
		req.ProjectPath = h.defaults.DefaultProjectPath
	}
	if req.Model == "" {
		req.Model = h.defaults.DefaultModel
	}
}

// recordSyncOutcome feeds statistics and session accrual for the sync
// execution paths, mirroring what the scheduler does for async tasks.
func (h *Handler) recordSyncOutcome(c *gin.Context, model, sessionID string, result *executor.Result) {
	if result == nil {
		return
	}
	ctx := c.Request.Context()

	if h.stats != nil {
		outcome := stats.RequestOutcome{
			Success: result.Success,
			CostUSD: result.CostUSD,
			Model:   model,
		}
		if result.Usage != nil {
			outcome.InputTokens = result.Usage.InputTokens
			outcome.OutputTokens = result.Usage.OutputTokens
		}
		if err := h.stats.RecordRequest(ctx, outcome); err != nil {
			h.logger.Warn("failed to record request statistics", zap.Error(err))
		}
	}

	if sessionID != "" && result.Success {
		if _, err := h.sessions.AddCost(ctx, sessionID, result.CostUSD); err != nil {
			h.logger.Warn("failed to accrue session cost",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		if _, err := h.sessions.IncrementMessages(ctx, sessionID); err != nil {
			h.logger.Warn("failed to increment session messages",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}
