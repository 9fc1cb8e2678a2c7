package session

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/store"
)

// document is the on-disk layout of sessions.json.
type document struct {
	Sessions []*Session `json:"sessions"`
}

func emptyDocument() *document {
	return &document{Sessions: []*Session{}}
}

// Store provides persistent session storage.
type Store struct {
	db     *store.Store[document]
	logger *logger.Logger
}

// NewStore creates a session store backed by sessions.json in dataDir.
func NewStore(dataDir string, log *logger.Logger) (*Store, error) {
	db, err := store.New(filepath.Join(dataDir, "sessions.json"), emptyDocument, log)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "session_store")),
	}, nil
}

// CreateRequest holds the fields of a new session.
type CreateRequest struct {
	Model       string
	ProjectPath string
	Metadata    map[string]interface{}
}

// Create appends a new active session.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:          uuid.New().String(),
		Model:       req.Model,
		ProjectPath: req.ProjectPath,
		Status:      StatusActive,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithLock(func(doc *document) error {
		doc.Sessions = append(doc.Sessions, sess)
		return nil
	})
	if err != nil {
		return nil, errors.PersistenceError("failed to create session", err)
	}

	s.logger.Debug("session created", zap.String("session_id", sess.ID))
	return sess.Clone(), nil
}

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read sessions", err)
	}
	for _, sess := range doc.Sessions {
		if sess.ID == id {
			return sess.Clone(), nil
		}
	}
	return nil, errors.NotFound("session", id)
}

// UpdateStatus sets the session status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (*Session, error) {
	var updated *Session
	err := s.db.WithLock(func(doc *document) error {
		sess := findSession(doc, id)
		if sess == nil {
			return errors.NotFound("session", id)
		}
		sess.Status = status
		sess.UpdatedAt = time.Now().UTC()
		updated = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to update session")
	}
	return updated, nil
}

// Delete removes a session by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.WithLock(func(doc *document) error {
		for i, sess := range doc.Sessions {
			if sess.ID == id {
				doc.Sessions = append(doc.Sessions[:i], doc.Sessions[i+1:]...)
				return nil
			}
		}
		return errors.NotFound("session", id)
	})
}

// ListFilter narrows and bounds List results.
type ListFilter struct {
	Status      Status
	ProjectPath string
	Limit       int
}

// List returns matching sessions ordered by updated_at descending.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read sessions", err)
	}

	var result []*Session
	for _, sess := range doc.Sessions {
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		if filter.ProjectPath != "" && sess.ProjectPath != filter.ProjectPath {
			continue
		}
		result = append(result, sess.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Search matches query case-insensitively against session ids and a JSON
// rendering of metadata. Results are ordered by updated_at descending.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*Session, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read sessions", err)
	}

	needle := strings.ToLower(query)
	var result []*Session
	for _, sess := range doc.Sessions {
		if strings.Contains(strings.ToLower(sess.ID), needle) {
			result = append(result, sess.Clone())
			continue
		}
		if sess.Metadata != nil {
			raw, err := json.Marshal(sess.Metadata)
			if err == nil && strings.Contains(strings.ToLower(string(raw)), needle) {
				result = append(result, sess.Clone())
			}
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// IncrementMessages bumps the session message counter.
func (s *Store) IncrementMessages(ctx context.Context, id string) (*Session, error) {
	var updated *Session
	err := s.db.WithLock(func(doc *document) error {
		sess := findSession(doc, id)
		if sess == nil {
			return errors.NotFound("session", id)
		}
		sess.MessagesCount++
		sess.UpdatedAt = time.Now().UTC()
		updated = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to increment messages")
	}
	return updated, nil
}

// AddCost accrues delta onto the session's total cost.
func (s *Store) AddCost(ctx context.Context, id string, delta float64) (*Session, error) {
	var updated *Session
	err := s.db.WithLock(func(doc *document) error {
		sess := findSession(doc, id)
		if sess == nil {
			return errors.NotFound("session", id)
		}
		sess.TotalCostUSD += delta
		sess.UpdatedAt = time.Now().UTC()
		updated = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, passThrough(err, "failed to add session cost")
	}
	return updated, nil
}

// Cleanup removes sessions idle past the retention cutoff, judged by
// updated_at.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	err := s.db.WithLock(func(doc *document) error {
		kept := doc.Sessions[:0]
		for _, sess := range doc.Sessions {
			if sess.UpdatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, sess)
		}
		doc.Sessions = kept
		return nil
	})
	if err != nil {
		return 0, errors.PersistenceError("failed to clean up sessions", err)
	}
	if deleted > 0 {
		s.logger.Info("cleaned up expired sessions", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

// Stats returns counters over all sessions.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read sessions", err)
	}

	stats := &Stats{Total: len(doc.Sessions)}
	for _, sess := range doc.Sessions {
		switch sess.Status {
		case StatusActive:
			stats.Active++
		case StatusArchived:
			stats.Archived++
		}
		stats.TotalCostUSD += sess.TotalCostUSD
		stats.TotalMessages += sess.MessagesCount
	}
	return stats, nil
}

func findSession(doc *document, id string) *Session {
	for _, sess := range doc.Sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

func passThrough(err error, message string) error {
	if _, ok := err.(*errors.AppError); ok {
		return err
	}
	return errors.PersistenceError(message, err)
}
