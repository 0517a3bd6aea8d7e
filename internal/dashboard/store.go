package dashboard

import (
	"sync"
	"time"

	"priceflow/internal/collector"
)

// statsSample is one timestamped snapshot of the collector's statistics.
type statsSample struct {
	Timestamp time.Time            `json:"timestamp"`
	Stats     collector.Statistics `json:"stats"`
}

// statsStore retains a bounded history of statistics snapshots so the API can
// serve a short trend, not just the current point. It is safe for concurrent
// use.
type statsStore struct {
	mu    sync.RWMutex
	items []statsSample
	limit int
}

func newStatsStore(limit int) *statsStore {
	if limit <= 0 {
		limit = 200
	}
	return &statsStore{limit: limit}
}

func (s *statsStore) add(sample statsSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, sample)
	if len(s.items) > s.limit {
		// keep the most recent entries only
		s.items = append([]statsSample(nil), s.items[len(s.items)-s.limit:]...)
	}
}

func (s *statsStore) snapshot() []statsSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]statsSample, len(s.items))
	copy(out, s.items)
	return out
}
