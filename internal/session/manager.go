package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/events"
	"github.com/csdwd/claude-code-server/internal/executor"
	"github.com/csdwd/claude-code-server/internal/stats"
)

// Manager orchestrates session lifecycle over the store: creation,
// continuation through the executor, cost accrual and expiry cleanup.
type Manager struct {
	store    *Store
	executor executor.Runner
	bus      events.EventBus
	stats    *stats.Store
	logger   *logger.Logger
}

// NewManager creates a session manager. statsStore may be nil when
// statistics are disabled.
func NewManager(store *Store, exec executor.Runner, bus events.EventBus, statsStore *stats.Store, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		executor: exec,
		bus:      bus,
		stats:    statsStore,
		logger:   log.WithFields(zap.String("component", "session_manager")),
	}
}

// Create creates an active session and emits session.created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	sess, err := m.store.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	m.publish(events.SubjectSessionCreated, sess)
	return sess, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// List returns sessions matching the filter.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	return m.store.List(ctx, filter)
}

// Search matches query against session ids and metadata.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]*Session, error) {
	return m.store.Search(ctx, query, limit)
}

// Delete removes a session and emits session.deleted.
func (m *Manager) Delete(ctx context.Context, id string) error {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}

	m.publish(events.SubjectSessionDeleted, sess)
	return nil
}

// UpdateStatus sets the session status.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status) (*Session, error) {
	if !status.Valid() {
		return nil, errors.ValidationError("status", "must be 'active' or 'archived'")
	}
	return m.store.UpdateStatus(ctx, id, status)
}

// GetStats returns aggregate session counters.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	return m.store.Stats(ctx)
}

// AddCost accrues delta onto the session's total cost.
func (m *Manager) AddCost(ctx context.Context, id string, delta float64) (*Session, error) {
	return m.store.AddCost(ctx, id, delta)
}

// IncrementMessages bumps the session message counter.
func (m *Manager) IncrementMessages(ctx context.Context, id string) (*Session, error) {
	return m.store.IncrementMessages(ctx, id)
}

// CleanupExpired purges sessions idle past the retention cutoff.
func (m *Manager) CleanupExpired(ctx context.Context, retentionDays int) (int, error) {
	return m.store.Cleanup(ctx, retentionDays)
}

// ContinueRequest holds the prompt and per-call options for a continuation.
type ContinueRequest struct {
	Prompt       string
	SystemPrompt string
	MaxBudgetUSD float64
	Stream       bool
}

// Continue runs a follow-up prompt in an existing session using the
// session's stored project path and model. Non-active sessions are refused.
// Cost and message counters accrue on success.
func (m *Manager) Continue(ctx context.Context, id string, req ContinueRequest) (*executor.Result, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return nil, errors.InvalidState("session " + id + " is " + string(sess.Status) + ", cannot continue")
	}

	result, err := m.executor.Execute(ctx, executor.Options{
		Prompt:       req.Prompt,
		ProjectPath:  sess.ProjectPath,
		Model:        sess.Model,
		SessionID:    sess.ID,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
		Stream:       req.Stream,
	})
	if err != nil {
		return nil, err
	}

	if result.Success {
		if _, err := m.store.AddCost(ctx, id, result.CostUSD); err != nil {
			m.logger.Warn("failed to accrue continuation cost",
				zap.String("session_id", id),
				zap.Error(err))
		}
		if _, err := m.store.IncrementMessages(ctx, id); err != nil {
			m.logger.Warn("failed to increment messages",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}
	m.recordOutcome(ctx, sess.Model, result)

	return result, nil
}

func (m *Manager) recordOutcome(ctx context.Context, model string, result *executor.Result) {
	if m.stats == nil {
		return
	}
	outcome := stats.RequestOutcome{
		Success: result.Success,
		CostUSD: result.CostUSD,
		Model:   model,
	}
	if result.Usage != nil {
		outcome.InputTokens = result.Usage.InputTokens
		outcome.OutputTokens = result.Usage.OutputTokens
	}
	if err := m.stats.RecordRequest(ctx, outcome); err != nil {
		m.logger.Warn("failed to record request statistics", zap.Error(err))
	}
}

func (m *Manager) publish(subject string, sess *Session) {
	data := map[string]interface{}{
		"session_id":   sess.ID,
		"model":        sess.Model,
		"project_path": sess.ProjectPath,
		"created_at":   sess.CreatedAt.Format(time.RFC3339),
	}
	if err := m.bus.Publish(context.Background(), subject, events.NewEvent(subject, data)); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
