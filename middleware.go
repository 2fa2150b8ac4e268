package corerun

import (
	"context"
	"sync"
)

// OwnedInterceptor is a TaskMiddlewareRunFunc registered by a resource
// against a specific task id through MiddlewareManager.Intercept, carrying
// the owning resource's id for later audit. Grounded on spec.md §4.4's
// pipeline step 2 ("local interceptors (owned by resources)") and §9's
// owner-aware interceptor audit.
type OwnedInterceptor struct {
	OwnerID     string
	TaskID      string
	Interceptor TaskMiddlewareRunFunc
}

// MiddlewareManager holds task interceptors registered by resources against
// the ids of the tasks they want to observe or wrap. Unlike the global/local
// TaskMiddleware chain (attached at definition time, the same for every
// caller), these are attached at resource-init time and tagged with the
// owning resource's id, enabling "which resource intercepted which task"
// introspection per spec.md §4.4/§9. Locks alongside the rest of the boot
// graph: registration after Run returns fails with a LockError.
type MiddlewareManager struct {
	mu     sync.Mutex
	byTask map[string][]OwnedInterceptor
	locked bool
}

func newMiddlewareManager() *MiddlewareManager {
	return &MiddlewareManager{byTask: make(map[string][]OwnedInterceptor)}
}

func (mm *MiddlewareManager) lock() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.locked = true
}

// Intercept registers fn to wrap every invocation of the task identified by
// taskID, attributed to ownerID (typically the resource registering it, via
// ResourceContext.Intercept). Rejected with a LockError once the owning
// Runtime has finished booting.
func (mm *MiddlewareManager) Intercept(ownerID, taskID string, fn TaskMiddlewareRunFunc) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.locked {
		return &LockError{Operation: "intercept task " + taskID + " (owner " + ownerID + ")"}
	}
	mm.byTask[taskID] = append(mm.byTask[taskID], OwnedInterceptor{OwnerID: ownerID, TaskID: taskID, Interceptor: fn})
	return nil
}

// InterceptorsFor returns every interceptor registered against taskID, in
// registration order, for composition or audit (e.g. "which resource
// intercepted which task").
func (mm *MiddlewareManager) InterceptorsFor(taskID string) []OwnedInterceptor {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	owned := mm.byTask[taskID]
	out := make([]OwnedInterceptor, len(owned))
	copy(out, owned)
	return out
}

// composeTaskChain builds the final invocation func for a task: global
// middlewares (those not already listed locally) wrap outermost, the
// task's own local middleware wraps next, and owner-registered
// interceptors (MiddlewareManager) wrap innermost, closest to the task's
// Run. Grounded on the teacher's extension.go composition, which folds a
// slice of `func(next) next` wrappers from the outside in; the owned
// interceptor layer follows spec.md §4.4's pipeline ordering.
func composeTaskChain(globals []*TaskMiddleware, task Definition, local []*TaskMiddleware, resolver func(DependencyMap) (Deps, error), owned []OwnedInterceptor, innermost func(context.Context, any) (any, error)) func(context.Context, any) (any, error) {
	localIDs := make(map[string]bool, len(local))
	for _, m := range local {
		localIDs[m.ID()] = true
	}

	chain := make([]*TaskMiddleware, 0, len(globals)+len(local))
	for _, g := range globals {
		if !localIDs[g.ID()] {
			chain = append(chain, g)
		}
	}
	chain = append(chain, local...)

	run := innermost
	for i := len(owned) - 1; i >= 0; i-- {
		oi := owned[i]
		next := run
		run = func(ctx context.Context, input any) (any, error) {
			return oi.Interceptor(ctx, Deps{}, task, input, next)
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := run
		run = func(ctx context.Context, input any) (any, error) {
			deps, err := resolver(mw.Dependencies())
			if err != nil {
				return nil, err
			}
			return mw.Run()(ctx, deps, task, input, next)
		}
	}
	return run
}

// composeResourceChain is the resource-init analogue of composeTaskChain.
func composeResourceChain(globals []*ResourceMiddleware, resource Definition, local []*ResourceMiddleware, resolver func(DependencyMap) (Deps, error), innermost func(context.Context, any) (any, error)) func(context.Context, any) (any, error) {
	localIDs := make(map[string]bool, len(local))
	for _, m := range local {
		localIDs[m.ID()] = true
	}

	chain := make([]*ResourceMiddleware, 0, len(globals)+len(local))
	for _, g := range globals {
		if !localIDs[g.ID()] {
			chain = append(chain, g)
		}
	}
	chain = append(chain, local...)

	run := innermost
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := run
		run = func(ctx context.Context, config any) (any, error) {
			deps, err := resolver(mw.Dependencies())
			if err != nil {
				return nil, err
			}
			return mw.Run()(ctx, deps, resource, config, next)
		}
	}
	return run
}
