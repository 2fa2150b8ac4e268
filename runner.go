package corerun

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RunOptions configures one Run call. Grounded on the teacher's scope.go
// boot options (sequential vs. concurrent initialization) plus the
// unhandled-error reporter pattern from extension.go.
type RunOptions struct {
	parallelBoot    bool
	reporter        func(error)
	config          *RunnerConfig
	globalListeners []*listenerReg
}

type RunOption func(*RunOptions)

// WithParallelBoot initializes independent resources within the same
// dependency wave concurrently instead of one at a time in id order.
func WithParallelBoot() RunOption {
	return func(o *RunOptions) { o.parallelBoot = true }
}

// WithUnhandledErrorReporter installs the sink every RuntimeError and
// ListenerError is reported to, in addition to being returned/propagated
// to its caller.
func WithUnhandledErrorReporter(fn func(error)) RunOption {
	return func(o *RunOptions) { o.reporter = fn }
}

// WithRunnerConfig attaches a loaded RunnerConfig, retrievable later via
// Runtime.Config().
func WithRunnerConfig(cfg *RunnerConfig) RunOption {
	return func(o *RunOptions) { o.config = cfg }
}

// WithGlobalListener registers a global listener while the EventManager is
// still open for registration, the way a Hook registers an event-specific
// listener by being passed in roots. AddGlobalListener cannot do this once
// Run has returned, since the EventManager locks at that point.
func WithGlobalListener(id string, order int, run func(ctx context.Context, e *Emission[any]) error) RunOption {
	return func(o *RunOptions) {
		o.globalListeners = append(o.globalListeners, &listenerReg{
			id:     id,
			order:  order,
			global: true,
			run:    func(ctx context.Context, emission *Emission[any], _ Deps) error { return run(ctx, emission) },
		})
	}
}

// Runtime is the live, locked runtime produced by Run: every resource has
// been initialized, every hook wired into the EventManager, and the
// registry frozen against further registration.
type Runtime struct {
	registry   *Registry
	events     *EventManager
	middleware *MiddlewareManager
	pool       *depsValuesPool
	reporter   func(error)
	config     *RunnerConfig

	mu           sync.Mutex
	resources    map[string]any
	resourceCtx  map[string]*ResourceContext
	disposeOrder []string

	globalTaskMW     []*TaskMiddleware
	globalResourceMW []*ResourceMiddleware
}

// Run walks every definition reachable from roots, validates the graph,
// initializes resources in dependency order, wires hooks into the event
// bus, and locks the registry against further registration -- the single
// entry point spec.md §4.1 describes.
func Run(ctx context.Context, roots []Definition, opts ...RunOption) (*Runtime, error) {
	options := &RunOptions{}
	for _, opt := range opts {
		opt(options)
	}

	reg := newRegistry()
	visited := make(map[string]bool)
	var walk func(Definition) error
	walk = func(def Definition) error {
		if visited[def.ID()] {
			return nil
		}
		visited[def.ID()] = true
		if err := reg.add(def); err != nil {
			return err
		}
		for _, dep := range def.Dependencies() {
			if err := walk(dep.Target()); err != nil {
				return err
			}
		}
		if r, ok := def.(interface{ Children() []Definition }); ok {
			for _, child := range r.Children() {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		if t, ok := def.(interface{ Middleware() []*TaskMiddleware }); ok {
			for _, mw := range t.Middleware() {
				if err := walk(mw); err != nil {
					return err
				}
			}
		}
		if r, ok := def.(interface{ Middleware() []*ResourceMiddleware }); ok {
			for _, mw := range r.Middleware() {
				if err := walk(mw); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := walk(root); err != nil {
			return nil, err
		}
	}

	for _, def := range reg.all() {
		if r, ok := def.(interface{ Overrides() map[string]Definition }); ok {
			for id, replacement := range r.Overrides() {
				if _, ok := reg.get(id); !ok {
					return nil, &DefinitionError{ID: id, Reason: "override target was never registered"}
				}
				if !visited[replacement.ID()] {
					if err := walk(replacement); err != nil {
						return nil, err
					}
				}
				reg.replace(id, replacement)
			}
		}
	}

	if err := reg.sanityCheck(); err != nil {
		return nil, err
	}
	reg.lock()

	rt := &Runtime{
		registry:    reg,
		pool:        newDepsValuesPool(),
		reporter:    options.reporter,
		config:      options.config,
		resources:   make(map[string]any),
		resourceCtx: make(map[string]*ResourceContext),
	}
	rt.events = newEventManager(rt.resolveDeps, rt.report)
	rt.middleware = newMiddlewareManager()

	for _, def := range reg.ofKind(KindTaskMiddleware) {
		mw := def.(*TaskMiddleware)
		if mw.Global() {
			rt.globalTaskMW = append(rt.globalTaskMW, mw)
		}
	}
	sort.Slice(rt.globalTaskMW, func(i, j int) bool { return rt.globalTaskMW[i].ID() < rt.globalTaskMW[j].ID() })

	for _, def := range reg.ofKind(KindResourceMiddleware) {
		mw := def.(*ResourceMiddleware)
		if mw.Global() {
			rt.globalResourceMW = append(rt.globalResourceMW, mw)
		}
	}
	sort.Slice(rt.globalResourceMW, func(i, j int) bool { return rt.globalResourceMW[i].ID() < rt.globalResourceMW[j].ID() })

	if err := rt.bootResources(ctx, options.parallelBoot); err != nil {
		return nil, err
	}
	rt.wireHooks()
	for _, l := range options.globalListeners {
		rt.events.addGlobalListener(l)
	}
	rt.events.lock()
	rt.middleware.lock()

	return rt, nil
}

// Middleware returns the owner-scoped task interceptor manager. Resources
// register against it from their init function via ResourceContext.Intercept;
// callers may also inspect InterceptorsFor for audit purposes. Registration
// fails with a LockError once Run has returned.
func (rt *Runtime) Middleware() *MiddlewareManager {
	return rt.middleware
}

func (rt *Runtime) report(err error) {
	if rt.reporter != nil {
		rt.reporter(err)
	}
}

// Registry exposes the frozen definition graph, mainly for the
// introspection extension.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Events exposes the event bus so callers can Emit events. Registering new
// listeners or interceptors through it fails with a LockError once Run has
// returned: the Registry locks before resources boot and the EventManager
// at the end of boot, per spec.md §4.1.
func (rt *Runtime) Events() *EventManager { return rt.events }

// Config returns the RunnerConfig passed via WithRunnerConfig, or nil.
func (rt *Runtime) Config() *RunnerConfig { return rt.config }

// resolveDeps resolves a DependencyMap into the record of values a Deps
// consumer sees, per spec.md §4.2: one value per key, typed by the target
// definition's kind (see resolveOne). An optional dependency that cannot
// be resolved (an uninitialized/never-registered resource) resolves to
// nil instead of failing.
func (rt *Runtime) resolveDeps(depMap DependencyMap) (Deps, error) {
	values := rt.pool.get()
	for key, dep := range depMap {
		target := dep.Target()
		v, err := rt.resolveOne(target)
		if err != nil {
			if dep.Optional() {
				values[key] = nil
				continue
			}
			return Deps{}, err
		}
		values[key] = v
	}
	return newDeps(values), nil
}

// resolveOne resolves a single dependency-map target to the value spec.md
// §4.2 says it should appear as under Deps:
//
//   - Resource  -> its initialized value.
//   - Task      -> a callable func(ctx, input) (any, error) (taskCallable).
//   - Event     -> an emit function func(ctx, payload) error (emitCallable).
//   - Tag       -> a TagAccessor snapshotting every definition with that tag.
//   - anything else (Hook, Middleware, AsyncContext, Error) -> the
//     definition itself, since existence having been enforced by
//     Registry.sanityCheck is the only contract those kinds promise here.
func (rt *Runtime) resolveOne(target Definition) (any, error) {
	switch target.Kind() {
	case KindResource:
		rt.mu.Lock()
		v, ok := rt.resources[target.ID()]
		rt.mu.Unlock()
		if !ok {
			return nil, &DefinitionError{ID: target.ID(), Reason: "resource not initialized"}
		}
		return v, nil
	case KindTask:
		task, ok := target.(erasedTask)
		if !ok {
			return nil, &DefinitionError{ID: target.ID(), Reason: "task dependency does not implement erasedTask"}
		}
		return rt.taskCallable(task), nil
	case KindEvent:
		event, ok := target.(erasedEvent)
		if !ok {
			return nil, &DefinitionError{ID: target.ID(), Reason: "event dependency does not implement erasedEvent"}
		}
		return rt.emitCallable(event), nil
	case KindTag:
		return rt.TagAccessor(target.ID()), nil
	default:
		return target, nil
	}
}

// bootResources initializes every registered resource in dependency
// order: resources with no unresolved resource dependencies form wave 0,
// the next wave depends only on wave 0, and so on (Kahn's algorithm).
// Within one wave, resources initialize concurrently when parallel is
// true, sequentially in id order otherwise.
func (rt *Runtime) bootResources(ctx context.Context, parallel bool) error {
	resources := rt.registry.ofKind(KindResource)
	indegree := make(map[string]int, len(resources))
	dependents := make(map[string][]string)

	resourceByID := make(map[string]Definition, len(resources))
	for _, def := range resources {
		resourceByID[def.ID()] = def
	}

	for _, def := range resources {
		count := 0
		for _, dep := range def.Dependencies() {
			if dep.Target().Kind() == KindResource {
				count++
				dependents[dep.Target().ID()] = append(dependents[dep.Target().ID()], def.ID())
			}
		}
		indegree[def.ID()] = count
	}

	var wave []string
	for _, def := range resources {
		if indegree[def.ID()] == 0 {
			wave = append(wave, def.ID())
		}
	}
	sort.Strings(wave)

	remaining := len(resources)
	for len(wave) > 0 {
		if err := rt.initWave(ctx, wave, resourceByID, parallel); err != nil {
			return err
		}
		remaining -= len(wave)

		var next []string
		seen := make(map[string]bool)
		for _, id := range wave {
			for _, child := range dependents[id] {
				indegree[child]--
				if indegree[child] == 0 && !seen[child] {
					seen[child] = true
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		wave = next
	}

	if remaining > 0 {
		return &DefinitionError{ID: "<boot>", Reason: fmt.Sprintf("%d resource(s) form a dependency cycle", remaining)}
	}
	return nil
}

func (rt *Runtime) initWave(ctx context.Context, ids []string, resourceByID map[string]Definition, parallel bool) error {
	initOne := func(id string) error {
		def := resourceByID[id]
		res, ok := def.(erasedResource)
		if !ok {
			return &DefinitionError{ID: id, Reason: "registered resource does not implement the resource contract"}
		}
		deps, err := rt.resolveDeps(def.Dependencies())
		if err != nil {
			wrapped := &RuntimeError{ID: id, Kind: "resource", Cause: err}
			rt.report(wrapped)
			return wrapped
		}
		rc := &ResourceContext{ownerID: id, mw: rt.middleware}

		var localMW []*ResourceMiddleware
		if m, ok := def.(interface{ Middleware() []*ResourceMiddleware }); ok {
			localMW = m.Middleware()
		}
		chain := composeResourceChain(rt.globalResourceMW, def, localMW, rt.resolveDeps, func(ctx context.Context, _ any) (any, error) {
			return res.erasedInit(ctx, deps, rc)
		})

		value, err := chain(ctx, nil)
		if err != nil {
			wrapped := &RuntimeError{ID: id, Kind: "resource", Cause: err}
			rt.report(wrapped)
			return wrapped
		}
		if s, ok := def.(interface{ ResultSchema() Schema }); ok && s.ResultSchema() != nil {
			v, verr := s.ResultSchema().Validate(value)
			if verr != nil {
				wrapped := &ValidationError{ID: id, Stage: "result", Cause: verr}
				rt.report(wrapped)
				return wrapped
			}
			value = v
		}

		rt.mu.Lock()
		rt.resources[id] = value
		rt.resourceCtx[id] = rc
		rt.disposeOrder = append(rt.disposeOrder, id)
		rt.mu.Unlock()
		return nil
	}

	if !parallel {
		for _, id := range ids {
			if err := initOne(id); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = initOne(id)
		}(i, id)
	}
	wg.Wait()
	var collected []error
	for _, e := range errs {
		if e != nil {
			collected = append(collected, e)
		}
	}
	if len(collected) == 1 {
		return collected[0]
	}
	if len(collected) > 1 {
		return &AggregateError{Errors: collected}
	}
	return nil
}

// wireHooks registers every Hook definition's listener with the event bus.
func (rt *Runtime) wireHooks() {
	for _, def := range rt.registry.ofKind(KindHook) {
		h := def.(erasedHook)
		rt.events.addHook(h.EventID(), &listenerReg{
			id:    def.ID(),
			order: h.Order(),
			deps:  def.Dependencies(),
			run:   h.erasedRun,
		})
	}
}

// Dispose releases every initialized resource in reverse initialization
// order, matching spec.md §4.1's teardown rule. Every disposer is called
// even if an earlier one fails; all failures are returned together.
func (rt *Runtime) Dispose(ctx context.Context) error {
	rt.mu.Lock()
	order := append([]string(nil), rt.disposeOrder...)
	rt.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		def, _ := rt.registry.get(id)
		res, ok := def.(erasedResource)
		if !ok {
			continue
		}
		rt.mu.Lock()
		value := rt.resources[id]
		rc := rt.resourceCtx[id]
		rt.mu.Unlock()

		if rc != nil {
			for j := len(rc.cleanups) - 1; j >= 0; j-- {
				if err := rc.cleanups[j](ctx); err != nil {
					errs = append(errs, &RuntimeError{ID: id, Kind: "resource-cleanup", Cause: err})
				}
			}
		}
		if err := res.erasedDispose(ctx, value); err != nil {
			errs = append(errs, &RuntimeError{ID: id, Kind: "resource-dispose", Cause: err})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &AggregateError{Errors: errs}
}
