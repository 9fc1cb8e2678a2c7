// Package store provides the file-backed JSON document store that underpins
// all persistent state. Each store owns a single document on disk; mutations
// are serialized by an exclusive per-store lock and written atomically.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/logger"
)

// Store holds one JSON document of type D at a fixed path. The zero document
// comes from the empty constructor when the file does not exist yet.
type Store[D any] struct {
	path   string
	empty  func() *D
	logger *logger.Logger
	mu     sync.Mutex
}

// New creates a store for the document at path. The parent directory is
// created if needed.
func New[D any](path string, empty func() *D, log *logger.Logger) (*Store[D], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store[D]{
		path:   path,
		empty:  empty,
		logger: log.WithFields(zap.String("store", filepath.Base(path))),
	}, nil
}

// Path returns the on-disk location of the document.
func (s *Store[D]) Path() string {
	return s.path
}

// Read loads the current on-disk document. A missing file yields the empty
// document. Reads do not take the writer lock: the atomic rename on write
// guarantees a reader never observes a torn document, only a possibly
// slightly stale one.
func (s *Store[D]) Read() (*D, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.empty(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	doc := s.empty()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return doc, nil
}

// WithLock acquires the store's exclusive lock, reads the latest document,
// invokes mutate, then persists the result atomically. If mutate returns an
// error nothing is written. If the write fails, the mutation is discarded:
// the next Read or WithLock starts again from the on-disk state.
func (s *Store[D]) WithLock(mutate func(doc *D) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Read()
	if err != nil {
		return err
	}

	if err := mutate(doc); err != nil {
		return err
	}

	return s.write(doc)
}

// write persists doc via write-to-temp-then-rename so a crash mid-write
// never leaves a partial document behind.
func (s *Store[D]) write(doc *D) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		// Leave no stray temp file behind on failure.
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}

	s.logger.Debug("document persisted", zap.Int("bytes", len(data)))
	return nil
}

var idCounter atomic.Uint64

// GenerateID returns an identifier that is unique within the process and
// sortable by creation time: millisecond timestamp and a monotonic counter
// in fixed-width hex, plus a random suffix.
func GenerateID() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%012x%06x%s",
		time.Now().UnixMilli(),
		idCounter.Add(1)&0xffffff,
		hex.EncodeToString(suffix[:]))
}
