package task

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/store"
)

// document is the on-disk layout of tasks.json.
type document struct {
	Tasks []*Task `json:"tasks"`
}

func emptyDocument() *document {
	return &document{Tasks: []*Task{}}
}

// Store provides persistent task storage on top of the JSON document store.
// All mutations run under the store's exclusive lock; read-only queries read
// without locking and tolerate a slightly stale view.
type Store struct {
	db     *store.Store[document]
	logger *logger.Logger
}

// NewStore creates a task store backed by tasks.json in dataDir.
func NewStore(dataDir string, log *logger.Logger) (*Store, error) {
	db, err := store.New(filepath.Join(dataDir, "tasks.json"), emptyDocument, log)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "task_store")),
	}, nil
}

// CreateRequest holds the client-supplied fields of a new task.
type CreateRequest struct {
	Prompt      string
	ProjectPath string
	Model       string
	Priority    int
	SessionID   string
	Metadata    map[string]interface{}
}

// Create appends a new pending task with defaults filled in.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:          store.GenerateID(),
		Status:      StatusPending,
		Priority:    req.Priority,
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		SessionID:   req.SessionID,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}

	err := s.db.WithLock(func(doc *document) error {
		doc.Tasks = append(doc.Tasks, t)
		return nil
	})
	if err != nil {
		return nil, errors.PersistenceError("failed to create task", err)
	}

	s.logger.Debug("task created",
		zap.String("task_id", t.ID),
		zap.Int("priority", t.Priority))
	return t.Clone(), nil
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read tasks", err)
	}
	for _, t := range doc.Tasks {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return nil, errors.NotFound("task", id)
}

// Update applies a patch to a task. The store constrains which fields are
// patchable; it does not enforce the status FSM — transition helpers below
// do that for their specific paths.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Task, error) {
	var updated *Task
	err := s.db.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return errors.NotFound("task", id)
		}
		applyPatch(t, patch)
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "failed to update task")
	}
	return updated, nil
}

// Delete removes a task by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithLock(func(doc *document) error {
		for i, t := range doc.Tasks {
			if t.ID == id {
				doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
				return nil
			}
		}
		return errors.NotFound("task", id)
	})
}

// ListFilter narrows and bounds List results.
type ListFilter struct {
	Status Status
	Limit  int
}

// List returns matching tasks ordered by priority descending then
// created_at ascending.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read tasks", err)
	}

	var result []*Task
	for _, t := range doc.Tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		result = append(result, t.Clone())
	}
	sortByDispatchOrder(result)

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// GetNextPending returns the highest-priority oldest pending task, or nil.
func (s *Store) GetNextPending(ctx context.Context) (*Task, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read tasks", err)
	}

	var next *Task
	for _, t := range doc.Tasks {
		if t.Status != StatusPending {
			continue
		}
		if next == nil || dispatchBefore(t, next) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}
	return next.Clone(), nil
}

// MarkProcessing transitions a pending task to processing and stamps
// started_at.
func (s *Store) MarkProcessing(ctx context.Context, id string) (*Task, error) {
	var updated *Task
	err := s.db.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return errors.NotFound("task", id)
		}
		if !CanTransition(t.Status, StatusProcessing) {
			return errors.InvalidState("task " + id + " is " + string(t.Status) + ", cannot start processing")
		}
		now := time.Now().UTC()
		t.Status = StatusProcessing
		t.StartedAt = &now
		t.UpdatedAt = now
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "failed to mark task processing")
	}
	return updated, nil
}

// MarkCompleted transitions a processing task to completed, recording the
// executor result, cost and measured duration.
func (s *Store) MarkCompleted(ctx context.Context, id, result string, costUSD float64) (*Task, error) {
	return s.finish(id, StatusCompleted, func(t *Task) {
		t.Result = result
		t.CostUSD = costUSD
	})
}

// MarkFailed transitions a processing task to failed with an error message.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) (*Task, error) {
	return s.finish(id, StatusFailed, func(t *Task) {
		t.Error = errMsg
	})
}

// Cancel transitions a pending or processing task to cancelled. Terminal
// tasks are refused.
func (s *Store) Cancel(ctx context.Context, id string) (*Task, error) {
	var updated *Task
	err := s.db.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return errors.NotFound("task", id)
		}
		if !CanTransition(t.Status, StatusCancelled) {
			return errors.InvalidState("task " + id + " is " + string(t.Status) + ", cannot cancel")
		}
		now := time.Now().UTC()
		t.Status = StatusCancelled
		t.CompletedAt = &now
		t.UpdatedAt = now
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "failed to cancel task")
	}
	return updated, nil
}

// finish applies a terminal transition shared by MarkCompleted and
// MarkFailed, computing duration_ms from started_at.
func (s *Store) finish(id string, status Status, apply func(*Task)) (*Task, error) {
	var updated *Task
	err := s.db.WithLock(func(doc *document) error {
		t := findTask(doc, id)
		if t == nil {
			return errors.NotFound("task", id)
		}
		if !CanTransition(t.Status, status) {
			return errors.InvalidState("task " + id + " is " + string(t.Status) + ", cannot transition to " + string(status))
		}
		now := time.Now().UTC()
		t.Status = status
		t.CompletedAt = &now
		t.UpdatedAt = now
		if t.StartedAt != nil {
			d := now.Sub(*t.StartedAt).Milliseconds()
			t.DurationMs = &d
		}
		apply(t)
		updated = t.Clone()
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "failed to finish task")
	}
	return updated, nil
}

// ResetProcessing moves every processing task back to pending. Called once
// at scheduler start: an in-memory activity entry never survives a restart,
// so any task still marked processing on disk must become eligible again.
func (s *Store) ResetProcessing(ctx context.Context) (int, error) {
	reset := 0
	err := s.db.WithLock(func(doc *document) error {
		now := time.Now().UTC()
		for _, t := range doc.Tasks {
			if t.Status == StatusProcessing {
				t.Status = StatusPending
				t.UpdatedAt = now
				reset++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.PersistenceError("failed to reset processing tasks", err)
	}
	return reset, nil
}

// Cleanup removes terminal tasks older than the retention cutoff, judged by
// completed_at with created_at as fallback.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	err := s.db.WithLock(func(doc *document) error {
		kept := doc.Tasks[:0]
		for _, t := range doc.Tasks {
			ref := t.CreatedAt
			if t.CompletedAt != nil {
				ref = *t.CompletedAt
			}
			if t.Status.Terminal() && ref.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, t)
		}
		doc.Tasks = kept
		return nil
	})
	if err != nil {
		return 0, errors.PersistenceError("failed to clean up tasks", err)
	}
	if deleted > 0 {
		s.logger.Info("cleaned up old tasks", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// Stats returns per-status counters and the total cost across all tasks.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read tasks", err)
	}

	stats := &Stats{Total: len(doc.Tasks)}
	for _, t := range doc.Tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		stats.TotalCostUSD += t.CostUSD
	}
	return stats, nil
}

func findTask(doc *document, id string) *Task {
	for _, t := range doc.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func applyPatch(t *Task, patch Patch) {
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Result != nil {
		t.Result = *patch.Result
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.CostUSD != nil {
		t.CostUSD = *patch.CostUSD
	}
	if patch.SessionID != nil {
		t.SessionID = *patch.SessionID
	}
	if patch.Metadata != nil {
		t.Metadata = patch.Metadata
	}
	t.UpdatedAt = time.Now().UTC()
}

// dispatchBefore reports whether a should be dispatched before b:
// priority descending, then created_at ascending, then id.
func dispatchBefore(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortByDispatchOrder(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return dispatchBefore(tasks[i], tasks[j])
	})
}

// wrapStoreErr passes AppErrors through and wraps raw I/O errors.
func wrapStoreErr(err error, message string) error {
	if _, ok := err.(*errors.AppError); ok {
		return err
	}
	return errors.PersistenceError(message, err)
}
