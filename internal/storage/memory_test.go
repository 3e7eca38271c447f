package storage

import (
	"strconv"
	"sync"
	"testing"

	"benchmark-harness/internal/benchmark"
)

func report(id string) benchmark.Report {
	return benchmark.Report{ID: id, Config: benchmark.Config{TargetHost: "127.0.0.1", TargetPort: 8080, Workers: 1, RequestsPerWorker: 1}}
}

func TestNewIDUniqueness(t *testing.T) {
	const n = 1000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := newID()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestAddEvictsOldest(t *testing.T) {
	s := NewMemoryStore(3)
	for i := 1; i <= 5; i++ {
		s.Add(report("r" + strconv.Itoa(i)))
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 runs, got %d", s.Len())
	}
	if _, ok := s.Get("r2"); ok {
		t.Fatalf("r2 should have been evicted")
	}
	got := s.List(0)
	if len(got) != 3 || got[0].ID != "r5" || got[2].ID != "r3" {
		t.Fatalf("unexpected order %v", ids(got))
	}
	if top := s.List(1); len(top) != 1 || top[0].ID != "r5" {
		t.Fatalf("List(1) = %v", ids(top))
	}
}

func TestAddAssignsID(t *testing.T) {
	s := NewMemoryStore(10)
	rep := s.Add(benchmark.Report{})
	if rep.ID == "" {
		t.Fatalf("expected generated id")
	}
	if _, ok := s.Get(rep.ID); !ok {
		t.Fatalf("stored report not found")
	}
}

func TestReAddDoesNotDuplicate(t *testing.T) {
	s := NewMemoryStore(10)
	s.Add(report("a"))
	s.Add(report("a"))
	if s.Len() != 1 {
		t.Fatalf("expected 1 run, got %d", s.Len())
	}
}

func TestDelete(t *testing.T) {
	s := NewMemoryStore(10)
	s.Add(report("a"))
	s.Add(report("b"))
	if !s.Delete("a") {
		t.Fatalf("delete existing returned false")
	}
	if s.Delete("a") {
		t.Fatalf("delete missing returned true")
	}
	if got := s.List(0); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected runs %v", ids(got))
	}
}

func TestConcurrentAdd(t *testing.T) {
	s := NewMemoryStore(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Add(benchmark.Report{})
				_ = s.List(5)
			}
		}()
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("expected store capped at 50, got %d", s.Len())
	}
}

func ids(rs []benchmark.Report) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
