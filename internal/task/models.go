// Package task defines the task entity and its persistent store.
package task

import "time"

// Status represents a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority bounds. 10 is highest.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the from→to status transition is legal.
// Legal paths: pending→processing, pending/processing→cancelled,
// processing→completed/failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Task is a persisted unit of work with priority, lifecycle, result and cost.
type Task struct {
	ID          string                 `json:"id"`
	Status      Status                 `json:"status"`
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

// Clone returns a deep-enough copy for handing out of the store; metadata is
// copied so callers cannot mutate the persisted record.
func (t *Task) Clone() *Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// WebhookURL returns the per-task webhook override from metadata, if any.
func (t *Task) WebhookURL() string {
	if t.Metadata == nil {
		return ""
	}
	if u, ok := t.Metadata["webhook_url"].(string); ok {
		return u
	}
	return ""
}

// Patch is an explicit optional-field record for task mutations. Only the
// fields listed here are patchable; arbitrary keys are not accepted.
type Patch struct {
	Status    *Status
	Priority  *int
	Result    *string
	Error     *string
	CostUSD   *float64
	SessionID *string
	Metadata  map[string]interface{}
}

// Stats aggregates counters over the whole task document.
type Stats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Processing   int     `json:"processing"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}
