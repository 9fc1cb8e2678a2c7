package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return s
}

func createTask(t *testing.T, s *Store, priority int) *Task {
	t.Helper()
	created, err := s.Create(context.Background(), CreateRequest{
		Prompt:      "do something",
		ProjectPath: "/tmp/project",
		Model:       "test-model",
		Priority:    priority,
	})
	require.NoError(t, err)
	return created
}

func TestCreateFillsDefaults(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Create(context.Background(), CreateRequest{Prompt: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, DefaultPriority, created.Priority)
	assert.Zero(t, created.CostUSD)
	assert.Nil(t, created.StartedAt)
	assert.Nil(t, created.CompletedAt)
	assert.False(t, created.CreatedAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestPersistReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(dir, logger.Default())
	require.NoError(t, err)

	created, err := s1.Create(context.Background(), CreateRequest{
		Prompt:   "persist me",
		Priority: 7,
		Metadata: map[string]interface{}{"webhook_url": "http://example.com/hook"},
	})
	require.NoError(t, err)

	// A second store over the same directory must see the identical record.
	s2, err := NewStore(dir, logger.Default())
	require.NoError(t, err)

	loaded, err := s2.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, 7, loaded.Priority)
	assert.Equal(t, "http://example.com/hook", loaded.WebhookURL())
}

func TestGetNextPendingOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := createTask(t, s, 3)
	high := createTask(t, s, 7)
	mid := createTask(t, s, 5)

	next, err := s.GetNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, high.ID, next.ID)

	_, err = s.MarkProcessing(ctx, high.ID)
	require.NoError(t, err)

	next, err = s.GetNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, mid.ID, next.ID)

	_, err = s.MarkProcessing(ctx, mid.ID)
	require.NoError(t, err)

	next, err = s.GetNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, next.ID)
}

func TestGetNextPendingEqualPriorityOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := createTask(t, s, 5)
	createTask(t, s, 5)

	next, err := s.GetNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID)
}

func TestGetNextPendingEmpty(t *testing.T) {
	s := newTestStore(t)

	next, err := s.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMarkProcessingSetsStartedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	processing, err := s.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, processing.Status)
	require.NotNil(t, processing.StartedAt)
	assert.Nil(t, processing.CompletedAt)
}

func TestMarkProcessingRefusesNonPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	_, err := s.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)

	_, err = s.MarkProcessing(ctx, created.ID)
	assert.True(t, errors.IsInvalidState(err))
}

func TestMarkCompletedRecordsResultAndDuration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	_, err := s.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)

	completed, err := s.MarkCompleted(ctx, created.ID, "the answer", 0.25)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, "the answer", completed.Result)
	assert.Equal(t, 0.25, completed.CostUSD)
	require.NotNil(t, completed.CompletedAt)
	require.NotNil(t, completed.DurationMs)
	assert.GreaterOrEqual(t, *completed.DurationMs, int64(0))
}

func TestMarkFailedFromProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	_, err := s.MarkProcessing(ctx, created.ID)
	require.NoError(t, err)

	failed, err := s.MarkFailed(ctx, created.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error)
	require.NotNil(t, failed.CompletedAt)
}

func TestCancelPendingLeavesStartedAtNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	cancelled, err := s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.StartedAt)
	require.NotNil(t, cancelled.CompletedAt)
}

func TestCancelIsRefusedOnTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	_, err := s.Cancel(ctx, created.ID)
	require.NoError(t, err)

	// Second cancel is a no-op refusal, not another state change.
	_, err = s.Cancel(ctx, created.ID)
	assert.True(t, errors.IsInvalidState(err))

	loaded, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, loaded.Status)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, next := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, CanTransition(terminal, next),
				"%s -> %s must be illegal", terminal, next)
		}
	}
}

func TestUpdatePatchesPriorityOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	p := 9
	updated, err := s.Update(ctx, created.ID, Patch{Priority: &p})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, StatusPending, updated.Status)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := createTask(t, s, 5)

	require.NoError(t, s.Delete(ctx, created.ID))
	_, err := s.Get(ctx, created.ID)
	assert.True(t, errors.IsNotFound(err))

	err = s.Delete(ctx, created.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestResetProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := createTask(t, s, 5)
	idle := createTask(t, s, 5)
	_, err := s.MarkProcessing(ctx, running.ID)
	require.NoError(t, err)

	n, err := s.ResetProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loaded, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)

	loaded, err = s.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := createTask(t, s, 5)
	_, err := s.Cancel(ctx, old.ID)
	require.NoError(t, err)

	// Backdate the completion past the retention cutoff.
	err = s.db.WithLock(func(doc *document) error {
		past := time.Now().UTC().AddDate(0, 0, -40)
		doc.Tasks[0].CompletedAt = &past
		return nil
	})
	require.NoError(t, err)

	fresh := createTask(t, s, 5)

	deleted, err := s.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.Get(ctx, old.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestStatsCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createTask(t, s, 5)
	b := createTask(t, s, 5)
	createTask(t, s, 5)

	_, err := s.MarkProcessing(ctx, a.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, a.ID, "done", 0.5)
	require.NoError(t, err)
	_, err = s.Cancel(ctx, b.ID)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0.5, stats.TotalCostUSD)
}

func TestListFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTask(t, s, 2)
	high := createTask(t, s, 9)
	done := createTask(t, s, 5)
	_, err := s.MarkProcessing(ctx, done.ID)
	require.NoError(t, err)
	_, err = s.MarkCompleted(ctx, done.ID, "x", 0)
	require.NoError(t, err)

	pending, err := s.List(ctx, ListFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, high.ID, pending[0].ID)

	limited, err := s.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
