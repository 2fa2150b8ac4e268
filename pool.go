package corerun

import "sync"

// depsValuesPool recycles the map[string]any backing a Deps value across
// task invocations, avoiding an allocation on every call for runtimes that
// handle many short-lived requests. Adapted from the teacher's
// pool_manager.go (sync.Pool wrapping a reusable buffer, with hit/miss
// counters exposed for the introspection extension).
type depsValuesPool struct {
	pool    sync.Pool
	mu      sync.Mutex
	hits    int64
	misses  int64
}

func newDepsValuesPool() *depsValuesPool {
	return &depsValuesPool{
		pool: sync.Pool{},
	}
}

func (p *depsValuesPool) get() map[string]any {
	v := p.pool.Get()
	m, ok := v.(map[string]any)
	p.mu.Lock()
	if ok && len(m) == 0 {
		p.hits++
	} else {
		p.misses++
	}
	p.mu.Unlock()
	if !ok || m == nil {
		return make(map[string]any, 8)
	}
	return m
}

func (p *depsValuesPool) put(m map[string]any) {
	for k := range m {
		delete(m, k)
	}
	p.pool.Put(m)
}

// Stats reports cumulative pool hit/miss counts.
func (p *depsValuesPool) Stats() (hits, misses int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
