// Package server provides the HTTP API surface of the Claude Code Server.
package server

import (
	"net/url"
	"strings"
	"time"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/task"
)

// ExecuteRequest is the body of POST /api/claude and POST /api/tasks/async.
type ExecuteRequest struct {
	Prompt          string                 `json:"prompt"`
	ProjectPath     string                 `json:"project_path,omitempty"`
	Model           string                 `json:"model,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	Priority        int                    `json:"priority,omitempty"`
	Async           bool                   `json:"async,omitempty"`
	WebhookURL      string                 `json:"webhook_url,omitempty"`
	SystemPrompt    string                 `json:"system_prompt,omitempty"`
	MaxBudgetUSD    float64                `json:"max_budget_usd,omitempty"`
	AllowedTools    []string               `json:"allowed_tools,omitempty"`
	DisallowedTools []string               `json:"disallowed_tools,omitempty"`
	Agent           string                 `json:"agent,omitempty"`
	MCPConfig       string                 `json:"mcp_config,omitempty"`
	Stream          bool                   `json:"stream,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the request constraints.
func (r *ExecuteRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.ValidationError("prompt", "must not be empty")
	}
	if r.Priority != 0 && (r.Priority < task.MinPriority || r.Priority > task.MaxPriority) {
		return errors.ValidationError("priority", "must be between 1 and 10")
	}
	if r.Stream {
		return errors.NotImplemented("streaming execution")
	}
	if r.WebhookURL != "" {
		if err := validateWebhookURL(r.WebhookURL); err != nil {
			return err
		}
	}
	return nil
}

// BatchExecuteRequest is the body of POST /api/claude/batch.
type BatchExecuteRequest struct {
	Prompts     []string `json:"prompts"`
	ProjectPath string   `json:"project_path,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// MaxBatchSize bounds a batch request.
const MaxBatchSize = 10

// Validate checks the batch constraints.
func (r *BatchExecuteRequest) Validate() error {
	if len(r.Prompts) == 0 {
		return errors.ValidationError("prompts", "must contain at least one prompt")
	}
	if len(r.Prompts) > MaxBatchSize {
		return errors.ValidationError("prompts", "must contain at most 10 prompts")
	}
	for _, p := range r.Prompts {
		if strings.TrimSpace(p) == "" {
			return errors.ValidationError("prompts", "prompts must not be empty")
		}
	}
	return nil
}

// UpdatePriorityRequest is the body of PATCH /api/tasks/:id/priority.
type UpdatePriorityRequest struct {
	Priority int `json:"priority"`
}

// Validate checks the priority bounds.
func (r *UpdatePriorityRequest) Validate() error {
	if r.Priority < task.MinPriority || r.Priority > task.MaxPriority {
		return errors.ValidationError("priority", "must be between 1 and 10")
	}
	return nil
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Model       string                 `json:"model,omitempty"`
	ProjectPath string                 `json:"project_path,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ContinueSessionRequest is the body of POST /api/sessions/:id/continue.
type ContinueSessionRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxBudgetUSD float64 `json:"max_budget_usd,omitempty"`
	Stream       bool    `json:"stream,omitempty"`
}

// Validate checks the continuation constraints.
func (r *ContinueSessionRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.ValidationError("prompt", "must not be empty")
	}
	if r.Stream {
		return errors.NotImplemented("streaming execution")
	}
	return nil
}

// UpdateSessionStatusRequest is the body of PATCH /api/sessions/:id/status.
type UpdateSessionStatusRequest struct {
	Status string `json:"status"`
}

// WebhookTestRequest is the body of POST /api/webhook/test.
type WebhookTestRequest struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
	URL   string                 `json:"url,omitempty"`
}

// Validate checks the test delivery constraints.
func (r *WebhookTestRequest) Validate() error {
	if strings.TrimSpace(r.Event) == "" {
		return errors.ValidationError("event", "must not be empty")
	}
	if r.URL != "" {
		if err := validateWebhookURL(r.URL); err != nil {
			return err
		}
	}
	return nil
}

// TaskResponse is a task rendered for API responses.
type TaskResponse struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Priority    int                    `json:"priority"`
	Prompt      string                 `json:"prompt"`
	ProjectPath string                 `json:"project_path"`
	Model       string                 `json:"model"`
	Result      string                 `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
	CostUSD     float64                `json:"cost_usd"`
	SessionID   string                 `json:"session_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func taskToResponse(t *task.Task) *TaskResponse {
	return &TaskResponse{
		ID:          t.ID,
		Status:      string(t.Status),
		Priority:    t.Priority,
		Prompt:      t.Prompt,
		ProjectPath: t.ProjectPath,
		Model:       t.Model,
		Result:      t.Result,
		Error:       t.Error,
		DurationMs:  t.DurationMs,
		CostUSD:     t.CostUSD,
		SessionID:   t.SessionID,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

func validateWebhookURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.ValidationError("webhook_url", "must be a valid http(s) URL")
	}
	return nil
}
