package corerun

import (
	"context"
	"testing"
)

func TestDepsValuesPoolRecyclesClearedMaps(t *testing.T) {
	p := newDepsValuesPool()

	m := p.get()
	m["a"] = 1
	p.put(m)

	reused := p.get()
	if len(reused) != 0 {
		t.Fatalf("expected a recycled map to come back empty, got %v", reused)
	}
}

func TestDepsValuesPoolTracksHitsAndMisses(t *testing.T) {
	p := newDepsValuesPool()

	first := p.get() // sync.Pool starts empty: a miss
	p.put(first)
	p.get() // now reuses the map just returned: a hit

	hits, misses := p.Stats()
	if hits < 1 {
		t.Fatalf("expected at least one hit, got hits=%d misses=%d", hits, misses)
	}
	if misses < 1 {
		t.Fatalf("expected at least one miss, got hits=%d misses=%d", hits, misses)
	}
}

func TestRunTaskReturnsItsDependencyMapToThePool(t *testing.T) {
	rt, err := Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer rt.Dispose(context.Background())

	task := NewTask("noop", func(ctx context.Context, input string, deps Deps) (string, error) {
		return input, nil
	})

	for i := 0; i < 3; i++ {
		if _, err := RunTask(context.Background(), rt, task, "x"); err != nil {
			t.Fatalf("run task: %v", err)
		}
	}
	hits, misses := rt.pool.Stats()
	if hits+misses < 3 {
		t.Fatalf("expected at least 3 pool gets across 3 task runs, got hits=%d misses=%d", hits, misses)
	}
	if hits < 2 {
		t.Fatalf("expected the pooled map to be reused across repeated task runs (hits=%d misses=%d)", hits, misses)
	}
}
