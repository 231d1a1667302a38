package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in process. Used by tests and single-instance
// development runs.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]Counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[Key]Counter)}
}

func (s *MemoryStore) Reserve(_ context.Context, key Key, _ string, limit int64, cutoff, now time.Time) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.LastResetAt.After(cutoff) {
		c = Counter{LastResetAt: now}
	}
	if c.Used >= limit {
		return c, false, nil
	}
	c.Used++
	s.counters[key] = c
	return c, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key Key, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.LastResetAt.Equal(periodStart) || c.Used == 0 {
		return nil
	}
	c.Used--
	s.counters[key] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	return c, ok, nil
}
