package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
)

// fakeRunner returns a canned result and records the options it saw.
type fakeRunner struct {
	mu     sync.Mutex
	result *executor.Result
	calls  []executor.Options
}

func (f *fakeRunner) Execute(ctx context.Context, opts executor.Options) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return f.result, nil
}

func newTestManager(t *testing.T, runner executor.Runner) (*Manager, *Store) {
	t.Helper()
	store := newTestStore(t)
	bus := events.NewMemoryEventBus(logger.Default())
	return NewManager(store, runner, bus, nil, logger.Default()), store
}

func TestContinueRunsWithSessionContext(t *testing.T) {
	runner := &fakeRunner{result: &executor.Result{
		Success: true,
		Result:  "continued",
		CostUSD: 0.02,
	}}
	mgr, _ := newTestManager(t, runner)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{
		Model:       "test-model",
		ProjectPath: "/tmp/project",
	})
	require.NoError(t, err)

	result, err := mgr.Continue(ctx, sess.ID, ContinueRequest{Prompt: "more"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "more", call.Prompt)
	assert.Equal(t, "/tmp/project", call.ProjectPath)
	assert.Equal(t, "test-model", call.Model)
	assert.Equal(t, sess.ID, call.SessionID)

	loaded, err := mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, loaded.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, loaded.MessagesCount)
}

func TestContinueRefusesArchivedSession(t *testing.T) {
	runner := &fakeRunner{result: &executor.Result{Success: true}}
	mgr, _ := newTestManager(t, runner)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	_, err = mgr.UpdateStatus(ctx, sess.ID, StatusArchived)
	require.NoError(t, err)

	_, err = mgr.Continue(ctx, sess.ID, ContinueRequest{Prompt: "more"})
	assert.True(t, errors.IsInvalidState(err))
	assert.Empty(t, runner.calls)
}

func TestContinueFailureDoesNotAccrue(t *testing.T) {
	runner := &fakeRunner{result: &executor.Result{
		Success: false,
		Error:   "exploded",
	}}
	mgr, _ := newTestManager(t, runner)
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	result, err := mgr.Continue(ctx, sess.ID, ContinueRequest{Prompt: "more"})
	require.NoError(t, err)
	assert.False(t, result.Success)

	loaded, err := mgr.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, loaded.TotalCostUSD)
	assert.Zero(t, loaded.MessagesCount)
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeRunner{result: &executor.Result{}})

	sess, err := mgr.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)

	_, err = mgr.UpdateStatus(context.Background(), sess.ID, Status("paused"))
	require.Error(t, err)
}

func TestDeleteRemovesSession(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeRunner{result: &executor.Result{}})
	ctx := context.Background()

	sess, err := mgr.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	require.NoError(t, mgr.Delete(ctx, sess.ID))
	_, err = mgr.Get(ctx, sess.ID)
	assert.True(t, errors.IsNotFound(err))
}
