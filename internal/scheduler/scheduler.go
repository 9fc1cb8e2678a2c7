// Package scheduler drives queued task execution under bounded concurrency,
// priority ordering and per-task timeouts, keeping the persistent task store
// consistent across restarts.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/session"
	"github.com/csdwd/claude-code-server/internal/stats"
	"github.com/csdwd/claude-code-server/internal/task"
)

// TimeoutErrorMessage is the literal error recorded on a task whose
// wall-clock budget expired.
const TimeoutErrorMessage = "Task execution timeout"

// Common errors
var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// Config holds scheduler tuning.
type Config struct {
	Concurrency    int           // max simultaneous executions
	PollInterval   time.Duration // pending-discovery tick
	DefaultTimeout time.Duration // per-task wall-clock budget
	DrainTimeout   time.Duration // soft deadline for Stop
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    3,
		PollInterval:   1 * time.Second,
		DefaultTimeout: 300 * time.Second,
		DrainTimeout:   10 * time.Second,
	}
}

// activeEntry tracks one in-flight execution. settled flips exactly once,
// deciding between the executor-return path and the timeout path.
type activeEntry struct {
	task      *task.Task
	startedAt time.Time
	timer     *time.Timer
	settled   atomic.Bool
}

// Scheduler owns the in-memory activity set and the dispatch loop.
type Scheduler struct {
	tasks    *task.Store
	sessions *session.Store
	stats    *stats.Store
	executor executor.Runner
	bus      events.EventBus
	logger   *logger.Logger
	config   Config

	mu      sync.Mutex
	running bool
	active  map[string]*activeEntry
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. stats may be nil when statistics are disabled.
func New(
	tasks *task.Store,
	sessions *session.Store,
	statsStore *stats.Store,
	exec executor.Runner,
	bus events.EventBus,
	log *logger.Logger,
	cfg Config,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 300 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Scheduler{
		tasks:    tasks,
		sessions: sessions,
		stats:    statsStore,
		executor: exec,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		config:   cfg,
		active:   make(map[string]*activeEntry),
		wake:     make(chan struct{}, 1),
	}
}

// Start recovers orphaned processing tasks and begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.active = make(map[string]*activeEntry)
	s.mu.Unlock()

	// Crash recovery: a processing record without a live activity entry is
	// an orphan from a previous run and must become eligible again.
	recovered, err := s.tasks.ResetProcessing(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	if recovered > 0 {
		s.logger.Info("recovered orphaned tasks", zap.Int("count", recovered))
	}

	s.logger.Info("scheduler starting",
		zap.Int("concurrency", s.config.Concurrency),
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Duration("default_timeout", s.config.DefaultTimeout))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops admitting tasks and waits for in-flight executions to drain,
// bounded by the drain deadline. Abandoned tasks remain processing on disk
// and are recovered on the next Start.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	abandoned := len(s.active)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(s.config.DrainTimeout):
		s.logger.Warn("drain deadline exceeded, abandoning in-flight tasks",
			zap.Int("abandoned", abandoned))
	}
	return nil
}

// IsRunning reports whether the dispatch loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Submit creates a pending task and signals the dispatcher.
func (s *Scheduler) Submit(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	t, err := s.tasks.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.Int("priority", t.Priority))
	s.publishTaskEvent(events.SubjectTaskSubmitted, t, nil)
	s.poke()
	return t, nil
}

// CancelTask cancels a pending or processing task. Cancellation of a running
// task is best-effort: the concurrency slot is released and the scheduler
// detaches, but the executor subprocess is not reaped; any late result is
// discarded because the task is terminal.
func (s *Scheduler) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending && t.Status != task.StatusProcessing {
		return nil, apperrors.InvalidState("task " + id + " is " + string(t.Status) + ", cannot cancel")
	}

	s.mu.Lock()
	if entry, ok := s.active[id]; ok {
		entry.settled.Store(true)
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.active, id)
	}
	s.mu.Unlock()

	cancelled, err := s.tasks.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("task cancelled", zap.String("task_id", id))
	s.publishTaskEvent(events.SubjectTaskCancelled, cancelled, nil)
	s.poke()
	return cancelled, nil
}

// QueueStatus describes the scheduler and store state for the status API.
type QueueStatus struct {
	Running     bool        `json:"running"`
	Concurrency int         `json:"concurrency"`
	ActiveTasks []string    `json:"active_tasks"`
	Stats       *task.Stats `json:"stats"`
}

// Status returns the current queue status.
func (s *Scheduler) Status(ctx context.Context) (*QueueStatus, error) {
	taskStats, err := s.tasks.Stats(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	running := s.running
	s.mu.Unlock()

	return &QueueStatus{
		Running:     running,
		Concurrency: s.config.Concurrency,
		ActiveTasks: ids,
		Stats:       taskStats,
	}, nil
}

// ActiveCount returns the number of in-flight executions.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// poke signals the dispatcher without blocking.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop runs dispatch on every poll tick, submit and completion signal.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatch(ctx)
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

// dispatch starts pending tasks while capacity remains. The in-memory slot
// is reserved before MarkProcessing so parallel dispatch invocations can
// never oversubscribe concurrency.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.running || len(s.active) >= s.config.Concurrency {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		next, err := s.tasks.GetNextPending(ctx)
		if err != nil {
			s.logger.Error("failed to fetch next pending task", zap.Error(err))
			return
		}
		if next == nil {
			return
		}

		s.mu.Lock()
		if !s.running || len(s.active) >= s.config.Concurrency {
			s.mu.Unlock()
			return
		}
		if _, exists := s.active[next.ID]; exists {
			// Benign race with a task whose MarkProcessing has not landed yet.
			s.mu.Unlock()
			return
		}
		entry := &activeEntry{task: next, startedAt: time.Now()}
		s.active[next.ID] = entry
		s.mu.Unlock()

		marked, err := s.tasks.MarkProcessing(ctx, next.ID)
		if err != nil {
			s.removeActive(next.ID)
			if apperrors.IsInvalidState(err) || apperrors.IsNotFound(err) {
				// Task changed state under us (e.g. cancelled); try the next one.
				continue
			}
			s.logger.Error("failed to mark task processing, will retry",
				zap.String("task_id", next.ID),
				zap.Error(err))
			return
		}
		entry.task = marked

		s.logger.Info("task started",
			zap.String("task_id", marked.ID),
			zap.Int("priority", marked.Priority))
		s.publishTaskEvent(events.SubjectTaskStarted, marked, nil)

		s.wg.Add(1)
		go s.executeTask(ctx, entry)
	}
}

// executeTask runs one task to a terminal state. The timeout timer and the
// executor return race on the entry's settled flag; the store FSM is the
// final arbiter when cancellation joins the race.
func (s *Scheduler) executeTask(ctx context.Context, entry *activeEntry) {
	defer s.wg.Done()

	t := entry.task
	defer func() {
		s.removeActive(t.ID)
		s.poke()
	}()

	entry.timer = time.AfterFunc(s.config.DefaultTimeout, func() {
		s.onTimeout(entry)
	})
	defer entry.timer.Stop()

	opts := executor.OptionsFromMetadata(t.Metadata)
	opts.Prompt = t.Prompt
	opts.ProjectPath = t.ProjectPath
	opts.Model = t.Model
	opts.SessionID = t.SessionID
	// Give the subprocess a beat past the scheduler's own deadline so the
	// timeout path always records the canonical message.
	opts.Timeout = s.config.DefaultTimeout + time.Second

	result, err := s.executor.Execute(ctx, opts)

	if !entry.settled.CompareAndSwap(false, true) {
		// Timed out or cancelled meanwhile; the result is discarded.
		s.logger.Debug("discarding late executor result", zap.String("task_id", t.ID))
		return
	}

	switch {
	case err != nil:
		s.failTask(ctx, t, err.Error(), events.SubjectTaskError)
	case result.Success:
		s.completeTask(ctx, t, result)
	default:
		s.failTask(ctx, t, result.Error, events.SubjectTaskFailed)
		s.recordOutcome(ctx, t.Model, result, false)
	}
}

// onTimeout handles the timeout path: the task fails with the canonical
// message. The subprocess itself is the executor's concern to terminate.
func (s *Scheduler) onTimeout(entry *activeEntry) {
	if !entry.settled.CompareAndSwap(false, true) {
		return
	}
	t := entry.task
	ctx := context.Background()

	s.logger.Warn("task timed out",
		zap.String("task_id", t.ID),
		zap.Duration("timeout", s.config.DefaultTimeout))

	failed, err := s.tasks.MarkFailed(ctx, t.ID, TimeoutErrorMessage)
	if err != nil {
		s.logger.Error("failed to record task timeout",
			zap.String("task_id", t.ID),
			zap.Error(err))
		return
	}
	s.recordOutcome(ctx, t.Model, nil, false)
	s.publishTaskEvent(events.SubjectTaskTimeout, failed, map[string]interface{}{
		"error": TimeoutErrorMessage,
	})
}

// completeTask records success, accrues session cost and emits the event.
func (s *Scheduler) completeTask(ctx context.Context, t *task.Task, result *executor.Result) {
	completed, err := s.tasks.MarkCompleted(ctx, t.ID, result.Result, result.CostUSD)
	if err != nil {
		if apperrors.IsInvalidState(err) {
			s.logger.Debug("task already terminal, result discarded", zap.String("task_id", t.ID))
			return
		}
		s.logger.Error("failed to mark task completed",
			zap.String("task_id", t.ID),
			zap.Error(err))
		return
	}

	if completed.SessionID != "" {
		if _, err := s.sessions.AddCost(ctx, completed.SessionID, result.CostUSD); err != nil {
			s.logger.Warn("failed to accrue session cost",
				zap.String("session_id", completed.SessionID),
				zap.Error(err))
		}
		if _, err := s.sessions.IncrementMessages(ctx, completed.SessionID); err != nil {
			s.logger.Warn("failed to increment session messages",
				zap.String("session_id", completed.SessionID),
				zap.Error(err))
		}
	}

	s.recordOutcome(ctx, completed.Model, result, true)

	s.logger.Info("task completed",
		zap.String("task_id", completed.ID),
		zap.Float64("cost_usd", result.CostUSD),
		zap.Int64("duration_ms", result.DurationMs))
	s.publishTaskEvent(events.SubjectTaskCompleted, completed, map[string]interface{}{
		"result":   result.Result,
		"cost_usd": result.CostUSD,
	})
}

// failTask records a failure terminal transition and emits subject.
func (s *Scheduler) failTask(ctx context.Context, t *task.Task, message, subject string) {
	failed, err := s.tasks.MarkFailed(ctx, t.ID, message)
	if err != nil {
		if apperrors.IsInvalidState(err) {
			s.logger.Debug("task already terminal, failure discarded", zap.String("task_id", t.ID))
			return
		}
		s.logger.Error("failed to mark task failed",
			zap.String("task_id", t.ID),
			zap.Error(err))
		return
	}

	s.logger.Warn("task failed",
		zap.String("task_id", failed.ID),
		zap.String("error", message))
	s.publishTaskEvent(subject, failed, map[string]interface{}{
		"error": message,
	})
}

// recordOutcome feeds the statistics sink; stats are advisory and failures
// only log.
func (s *Scheduler) recordOutcome(ctx context.Context, model string, result *executor.Result, success bool) {
	if s.stats == nil {
		return
	}
	outcome := stats.RequestOutcome{Success: success, Model: model}
	if result != nil {
		outcome.CostUSD = result.CostUSD
		if result.Usage != nil {
			outcome.InputTokens = result.Usage.InputTokens
			outcome.OutputTokens = result.Usage.OutputTokens
		}
	}
	if err := s.stats.RecordRequest(ctx, outcome); err != nil {
		s.logger.Warn("failed to record request statistics", zap.Error(err))
	}
}

func (s *Scheduler) removeActive(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Scheduler) publishTaskEvent(subject string, t *task.Task, extra map[string]interface{}) {
	data := map[string]interface{}{
		"task_id":  t.ID,
		"status":   string(t.Status),
		"priority": t.Priority,
	}
	if t.SessionID != "" {
		data["session_id"] = t.SessionID
	}
	if t.DurationMs != nil {
		data["duration_ms"] = *t.DurationMs
	}
	if url := t.WebhookURL(); url != "" {
		data["webhook_url"] = url
	}
	for k, v := range extra {
		data[k] = v
	}

	if err := s.bus.Publish(context.Background(), subject, events.NewEvent(subject, data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
