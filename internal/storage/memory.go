package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"benchmark-harness/internal/benchmark"
)

// MemoryStore keeps the most recent finished runs. Once full, adding a run
// evicts the oldest one.
type MemoryStore struct {
	mu    sync.RWMutex
	limit int
	order []string // oldest first
	items map[string]benchmark.Report
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryStore{limit: limit, items: make(map[string]benchmark.Report)}
}

// Add stores rep and returns it. A report without an ID gets one.
func (s *MemoryStore) Add(rep benchmark.Report) benchmark.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rep.ID == "" {
		rep.ID = newID()
	}
	if _, ok := s.items[rep.ID]; !ok {
		s.order = append(s.order, rep.ID)
	}
	s.items[rep.ID] = rep
	for len(s.order) > s.limit {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
	return rep
}

// List returns up to n runs, newest first. n <= 0 means all.
func (s *MemoryStore) List(n int) []benchmark.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.order) {
		n = len(s.order)
	}
	out := make([]benchmark.Report, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.items[s.order[i]])
	}
	return out
}

func (s *MemoryStore) Get(id string) (benchmark.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

var idSeq atomic.Uint64

func newID() string {
	return fmt.Sprintf("%s-%d", time.Now().UTC().Format("20060102T150405.000000000Z"), idSeq.Add(1))
}
