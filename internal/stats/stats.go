// Package stats maintains request-level counters, daily rollups and
// process-wide aggregates. It is a sink: the scheduler and the sync
// execution path record outcomes here; nothing reads them back except the
// statistics API.
package stats

import (
	"context"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/csdwd/claude-code-server/internal/common/errors"
	"github.com/csdwd/claude-code-server/internal/common/logger"
	"github.com/csdwd/claude-code-server/internal/store"
)

// DailyStatistics is one rollup row per calendar date.
type DailyStatistics struct {
	Date               string         `json:"date"` // YYYY-MM-DD
	TotalRequests      int            `json:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests"`
	FailedRequests     int            `json:"failed_requests"`
	TotalInputTokens   int            `json:"total_input_tokens"`
	TotalOutputTokens  int            `json:"total_output_tokens"`
	TotalCostUSD       float64        `json:"total_cost_usd"`
	ModelCounts        map[string]int `json:"model_counts,omitempty"`
}

// ModelStatistics accumulates per-model totals.
type ModelStatistics struct {
	Count   int     `json:"count"`
	CostUSD float64 `json:"cost_usd"`
}

// document is the on-disk layout of statistics.json.
type document struct {
	Daily    []*DailyStatistics          `json:"daily"`
	Requests RequestCounters             `json:"requests"`
	Tokens   TokenCounters               `json:"tokens"`
	Costs    CostCounters                `json:"costs"`
	Models   map[string]*ModelStatistics `json:"models"`
}

// RequestCounters holds process-wide request totals.
type RequestCounters struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// TokenCounters holds process-wide token totals.
type TokenCounters struct {
	TotalInput  int `json:"total_input"`
	TotalOutput int `json:"total_output"`
}

// CostCounters holds the process-wide cost total.
type CostCounters struct {
	TotalUSD float64 `json:"total_usd"`
}

func emptyDocument() *document {
	return &document{
		Daily:  []*DailyStatistics{},
		Models: map[string]*ModelStatistics{},
	}
}

// RequestOutcome is the event recorded for each authoritative request result.
type RequestOutcome struct {
	Success      bool
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Model        string
}

// Snapshot is the full statistics view served by the API.
type Snapshot struct {
	Daily    []*DailyStatistics          `json:"daily"`
	Requests RequestCounters             `json:"requests"`
	Tokens   TokenCounters               `json:"tokens"`
	Costs    CostCounters                `json:"costs"`
	Models   map[string]*ModelStatistics `json:"models"`
}

// Store persists statistics in statistics.json.
type Store struct {
	db            *store.Store[document]
	retentionDays int
	startedAt     time.Time
	logger        *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStore creates a statistics store backed by statistics.json in dataDir.
func NewStore(dataDir string, retentionDays int, log *logger.Logger) (*Store, error) {
	db, err := store.New(filepath.Join(dataDir, "statistics.json"), emptyDocument, log)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:            db,
		retentionDays: retentionDays,
		startedAt:     time.Now(),
		logger:        log.WithFields(zap.String("component", "stats")),
		stopCh:        make(chan struct{}),
	}, nil
}

// RecordRequest folds one request outcome into the aggregate counters and
// the rollup row for today. Old rollup rows beyond retention are pruned on
// the same write.
func (s *Store) RecordRequest(ctx context.Context, outcome RequestOutcome) error {
	today := time.Now().UTC().Format("2006-01-02")
	err := s.db.WithLock(func(doc *document) error {
		doc.Requests.Total++
		if outcome.Success {
			doc.Requests.Successful++
		} else {
			doc.Requests.Failed++
		}
		doc.Tokens.TotalInput += outcome.InputTokens
		doc.Tokens.TotalOutput += outcome.OutputTokens
		doc.Costs.TotalUSD += outcome.CostUSD

		if outcome.Model != "" {
			m := doc.Models[outcome.Model]
			if m == nil {
				m = &ModelStatistics{}
				doc.Models[outcome.Model] = m
			}
			m.Count++
			m.CostUSD += outcome.CostUSD
		}

		day := findDay(doc, today)
		if day == nil {
			day = &DailyStatistics{Date: today, ModelCounts: map[string]int{}}
			doc.Daily = append(doc.Daily, day)
		}
		day.TotalRequests++
		if outcome.Success {
			day.SuccessfulRequests++
		} else {
			day.FailedRequests++
		}
		day.TotalInputTokens += outcome.InputTokens
		day.TotalOutputTokens += outcome.OutputTokens
		day.TotalCostUSD += outcome.CostUSD
		if outcome.Model != "" {
			if day.ModelCounts == nil {
				day.ModelCounts = map[string]int{}
			}
			day.ModelCounts[outcome.Model]++
		}

		pruneDaily(doc, s.retentionDays)
		return nil
	})
	if err != nil {
		return errors.PersistenceError("failed to record request", err)
	}
	return nil
}

// Get returns the full statistics view with daily rows sorted by date.
func (s *Store) Get(ctx context.Context) (*Snapshot, error) {
	doc, err := s.db.Read()
	if err != nil {
		return nil, errors.PersistenceError("failed to read statistics", err)
	}
	sort.Slice(doc.Daily, func(i, j int) bool {
		return doc.Daily[i].Date < doc.Daily[j].Date
	})
	return &Snapshot{
		Daily:    doc.Daily,
		Requests: doc.Requests,
		Tokens:   doc.Tokens,
		Costs:    doc.Costs,
		Models:   doc.Models,
	}, nil
}

// Uptime returns how long the process has been running.
func (s *Store) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// StartCollector runs the periodic snapshot loop, logging process memory
// and uptime at each interval.
func (s *Store) StartCollector(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				s.logger.Info("statistics snapshot",
					zap.Duration("uptime", s.Uptime()),
					zap.Uint64("heap_alloc_bytes", mem.HeapAlloc),
					zap.Uint64("sys_bytes", mem.Sys),
					zap.Int("goroutines", runtime.NumGoroutine()))
			}
		}
	}()
}

// StopCollector stops the snapshot loop.
func (s *Store) StopCollector() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func findDay(doc *document, date string) *DailyStatistics {
	for _, d := range doc.Daily {
		if d.Date == date {
			return d
		}
	}
	return nil
}

func pruneDaily(doc *document, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	kept := doc.Daily[:0]
	for _, d := range doc.Daily {
		if d.Date >= cutoff {
			kept = append(kept, d)
		}
	}
	doc.Daily = kept
}
