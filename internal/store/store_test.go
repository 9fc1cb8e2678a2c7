package store

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csdwd/claude-code-server/internal/common/logger"
)

type testDoc struct {
	Items []string `json:"items"`
	Count int      `json:"count"`
}

func newTestStore(t *testing.T) *Store[testDoc] {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.json"), func() *testDoc {
		return &testDoc{Items: []string{}}
	}, logger.Default())
	require.NoError(t, err)
	return s
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Items)
	assert.Zero(t, doc.Count)
}

func TestWithLockPersistsAndReloads(t *testing.T) {
	s := newTestStore(t)

	err := s.WithLock(func(doc *testDoc) error {
		doc.Items = append(doc.Items, "a", "b")
		doc.Count = 2
		return nil
	})
	require.NoError(t, err)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, doc.Items)
	assert.Equal(t, 2, doc.Count)
}

func TestWithLockMutatorErrorAbortsWrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WithLock(func(doc *testDoc) error {
		doc.Count = 1
		return nil
	}))

	err := s.WithLock(func(doc *testDoc) error {
		doc.Count = 99
		return assert.AnError
	})
	require.Error(t, err)

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count, "failed mutation must not be persisted")
}

func TestWithLockSerializesWriters(t *testing.T) {
	s := newTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithLock(func(doc *testDoc) error {
				doc.Count++
				return nil
			})
		}()
	}
	wg.Wait()

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, writers, doc.Count, "every increment must be applied exactly once")
}

func TestGenerateIDUniqueAndSortable(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := GenerateID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		ids[i] = id
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "ids must sort in creation order")
}
