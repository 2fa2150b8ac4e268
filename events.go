package corerun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Emission is what a hook/listener receives for one dispatched event. Data
// is typed for Hook[P] consumers via erasedRun; raw listeners registered
// through AddListener see Emission[any].
type Emission[P any] struct {
	ID        string
	Data      P
	Timestamp time.Time
	Source    string
	Meta      map[string]any
	Tags      []anyTag
	stopped   bool
	inner     *Emission[any]
}

// Stop marks the emission so no further listener is invoked; for a
// parallel event the listeners already running in the current batch
// finish and no later batch starts, per spec.md §4.3 ("a listener may halt
// propagation").
func (e *Emission[P]) Stop() {
	e.stopped = true
	if e.inner != nil {
		e.inner.stopped = true
	}
}

func (e *Emission[P]) Stopped() bool { return e.stopped }

// listenerReg is one registered listener: either event-specific (added via
// AddListener/Hook) or global (added via AddGlobalListener), with an order
// used to break ties -- event-specific listeners always run before global
// ones at the same order, per spec.md §4.3.
type listenerReg struct {
	id       string
	order    int
	global   bool
	deps     DependencyMap
	run      func(ctx context.Context, emission *Emission[any], deps Deps) error
}

// emissionInterceptor wraps a single Emit call; hookInterceptor wraps a
// single listener invocation. Both compose LIFO: the last one added is the
// outermost, matching the teacher's extension.go composition order.
type emissionInterceptor func(ctx context.Context, eventID string, payload any, next func(context.Context, any) error) error
type hookInterceptor func(ctx context.Context, listenerID string, emission *Emission[any], next func(context.Context) error) error

// EventManager owns listener registration and dispatch for every Event in
// the runtime. Grounded on the teacher's extension.go (interceptor
// composition) and flow.go (ordering + cycle bookkeeping), generalized
// from ad hoc extension hooks to a full ordered pub/sub bus.
type EventManager struct {
	mu              sync.RWMutex
	listeners       map[string][]*listenerReg // eventID -> listeners, in registration order
	globalListeners []*listenerReg
	emissionInts    []emissionInterceptor
	hookInts        []hookInterceptor
	cacheDirty      map[string]bool
	resolver        func(DependencyMap) (Deps, error)
	reporter        func(error)
	locked          bool
}

func newEventManager(resolver func(DependencyMap) (Deps, error), reporter func(error)) *EventManager {
	return &EventManager{
		listeners:  make(map[string][]*listenerReg),
		cacheDirty: make(map[string]bool),
		resolver:   resolver,
		reporter:   reporter,
	}
}

type emitStackKey struct{}

type emitFrame struct {
	eventID string
	source  string
}

// withEmitFrame pushes (eventID, source) onto the context-carried emit
// stack, detecting re-entrancy: an event emitted again from within its own
// (possibly nested) listener chain, on the same logical call path, is a
// cycle unless it comes from the same source that last pushed that event.
// Because the stack rides the context rather than a goroutine-
// keyed map, it correctly follows an emission across goroutines spawned
// by emitParallel as long as they're handed the per-listener context.
func withEmitFrame(ctx context.Context, eventID, source string) (context.Context, error) {
	stack, _ := ctx.Value(emitStackKey{}).([]emitFrame)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].eventID == eventID {
			if stack[i].source != source {
				return ctx, &CycleError{EventID: eventID, Source: source}
			}
			break
		}
	}
	next := append(append([]emitFrame(nil), stack...), emitFrame{eventID: eventID, source: source})
	return context.WithValue(ctx, emitStackKey{}, next), nil
}

// lock freezes the manager: after this point every add*/intercept method
// rejects with a LockError, per spec.md §4.1/§4.3 ("attempts to register
// or add listeners afterward fail"). Called once, at the end of Run,
// after wireHooks has registered every Hook definition's listener.
func (em *EventManager) lock() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.locked = true
}

// addHook registers an event-specific listener (from a Hook definition).
func (em *EventManager) addHook(eventID string, h *listenerReg) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.locked {
		return &LockError{Operation: "add listener " + h.id}
	}
	em.listeners[eventID] = append(em.listeners[eventID], h)
	em.cacheDirty[eventID] = true
	return nil
}

// addGlobalListener registers a listener that observes every event except
// those tagged ExcludeFromGlobalHooks.
func (em *EventManager) addGlobalListener(l *listenerReg) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.locked {
		return &LockError{Operation: "add global listener " + l.id}
	}
	em.globalListeners = append(em.globalListeners, l)
	for id := range em.listeners {
		em.cacheDirty[id] = true
	}
	return nil
}

func (em *EventManager) addEmissionInterceptor(i emissionInterceptor) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.locked {
		return &LockError{Operation: "add emission interceptor"}
	}
	em.emissionInts = append(em.emissionInts, i)
	return nil
}

func (em *EventManager) addHookInterceptor(i hookInterceptor) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.locked {
		return &LockError{Operation: "add hook interceptor"}
	}
	em.hookInts = append(em.hookInts, i)
	return nil
}

// orderedListeners returns, for one event id, event-specific and global
// listeners merged by declared order (each group sorted by order then id),
// with event-specific listeners first among equal orders -- spec.md §4.3's
// ordering rule. The merge is recomputed on every call; nothing is cached,
// and cacheDirty is not consulted.
func (em *EventManager) orderedListeners(eventID string, excludeGlobal bool) []*listenerReg {
	em.mu.RLock()
	specific := append([]*listenerReg(nil), em.listeners[eventID]...)
	globals := em.globalListeners
	em.mu.RUnlock()

	sort.SliceStable(specific, func(i, j int) bool {
		if specific[i].order != specific[j].order {
			return specific[i].order < specific[j].order
		}
		return specific[i].id < specific[j].id
	})
	if excludeGlobal {
		return specific
	}
	sortedGlobals := append([]*listenerReg(nil), globals...)
	sort.SliceStable(sortedGlobals, func(i, j int) bool {
		if sortedGlobals[i].order != sortedGlobals[j].order {
			return sortedGlobals[i].order < sortedGlobals[j].order
		}
		return sortedGlobals[i].id < sortedGlobals[j].id
	})
	merged := make([]*listenerReg, 0, len(specific)+len(sortedGlobals))
	i, j := 0, 0
	for i < len(specific) && j < len(sortedGlobals) {
		if sortedGlobals[j].order < specific[i].order {
			merged = append(merged, sortedGlobals[j])
			j++
		} else {
			merged = append(merged, specific[i])
			i++
		}
	}
	merged = append(merged, specific[i:]...)
	return append(merged, sortedGlobals[j:]...)
}

// emit dispatches payload to every listener of eventID in order (or, for a
// parallel event, in ordered batches run concurrently), wrapped by the
// registered emission/hook interceptors.
func (em *EventManager) emit(ctx context.Context, def interface {
	ID() string
	Parallel() bool
	HasTag(anyTag) bool
}, payload any, source string) error {
	eventID := def.ID()

	ctx, err := withEmitFrame(ctx, eventID, source)
	if err != nil {
		return err
	}

	excludeGlobal := def.HasTag(ExcludeFromGlobalHooks())
	listeners := em.orderedListeners(eventID, excludeGlobal)

	doEmit := func(ctx context.Context, payload any) error {
		emission := &Emission[any]{ID: eventID, Data: payload, Timestamp: time.Now(), Source: source}

		invoke := func(ctx context.Context, l *listenerReg) error {
			run := func(ctx context.Context) error {
				deps, err := em.resolver(l.deps)
				if err != nil {
					return err
				}
				return l.run(ctx, emission, deps)
			}
			for i := len(em.hookInts) - 1; i >= 0; i-- {
				next := run
				interceptor := em.hookInts[i]
				run = func(ctx context.Context) error { return interceptor(ctx, l.id, emission, next) }
			}
			return run(ctx)
		}

		if def.Parallel() {
			return em.emitParallel(ctx, listeners, emission, invoke)
		}
		return em.emitSequential(ctx, listeners, emission, invoke)
	}

	chain := doEmit
	for i := len(em.emissionInts) - 1; i >= 0; i-- {
		next := chain
		interceptor := em.emissionInts[i]
		chain = func(ctx context.Context, payload any) error {
			return interceptor(ctx, eventID, payload, func(ctx context.Context, payload any) error { return next(ctx, payload) })
		}
	}
	return chain(ctx, payload)
}

func (em *EventManager) emitSequential(ctx context.Context, listeners []*listenerReg, emission *Emission[any], invoke func(context.Context, *listenerReg) error) error {
	for _, l := range listeners {
		if emission.Stopped() {
			break
		}
		if err := invoke(ctx, l); err != nil {
			wrapped := &ListenerError{ListenerID: l.id, ListenerOrder: l.order, Cause: err}
			em.report(wrapped)
			return wrapped
		}
	}
	return nil
}

// emitParallel runs listeners in order-grouped batches: listeners sharing
// the same declared order run concurrently, and the manager waits for a
// batch to finish (collecting every error) before starting the next,
// matching spec.md §4.3's "batch-by-order" parallel semantics.
func (em *EventManager) emitParallel(ctx context.Context, listeners []*listenerReg, emission *Emission[any], invoke func(context.Context, *listenerReg) error) error {
	i := 0
	for i < len(listeners) {
		j := i
		order := listeners[i].order
		for j < len(listeners) && listeners[j].order == order {
			j++
		}
		batch := listeners[i:j]

		var wg sync.WaitGroup
		errs := make([]error, len(batch))
		for k, l := range batch {
			wg.Add(1)
			go func(k int, l *listenerReg) {
				defer wg.Done()
				if err := invoke(ctx, l); err != nil {
					errs[k] = &ListenerError{ListenerID: l.id, ListenerOrder: l.order, Cause: err}
				}
			}(k, l)
		}
		wg.Wait()

		var batchErrs []error
		for _, e := range errs {
			if e != nil {
				batchErrs = append(batchErrs, e)
			}
		}
		if len(batchErrs) > 0 {
			var agg error
			if len(batchErrs) == 1 {
				agg = batchErrs[0]
			} else {
				agg = &AggregateError{Errors: batchErrs}
			}
			em.report(agg)
			return agg
		}
		if emission.Stopped() {
			break
		}
		i = j
	}
	return nil
}

func (em *EventManager) report(err error) {
	if em.reporter != nil {
		em.reporter(err)
	}
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Describe returns a snapshot of the registered event-specific listeners
// per event, as "id(order=N)" strings sorted by name; global listeners are
// not included.
func (em *EventManager) Describe() map[string][]string {
	em.mu.RLock()
	defer em.mu.RUnlock()
	out := make(map[string][]string, len(em.listeners))
	for eventID, ls := range em.listeners {
		names := make([]string, 0, len(ls))
		for _, l := range ls {
			names = append(names, fmt.Sprintf("%s(order=%d)", l.id, l.order))
		}
		sort.Strings(names)
		out[eventID] = names
	}
	return out
}

// erasedEvent is the subset of Event[P]'s method set needed to emit
// against it without knowing P -- what an Event dependency resolves
// through (emitCallable) instead of the generic Emit[P] entry point.
type erasedEvent interface {
	Definition
	Parallel() bool
	HasTag(anyTag) bool
	PayloadSchema() Schema
}

// emitCallable returns the emit function an Event dependency resolves to,
// per spec.md §4.2 ("Event -> an emit function (payload, options?) ->
// Promise<void>"). It validates payload against the event's schema the
// same way the generic Emit does, and uses the event's own id as the
// emission source since, unlike Emit, a resolved dependency has no
// caller-supplied source to attribute the emission to.
func (rt *Runtime) emitCallable(event erasedEvent) func(ctx context.Context, payload any) error {
	return func(ctx context.Context, payload any) error {
		data := payload
		if event.PayloadSchema() != nil {
			v, err := event.PayloadSchema().Validate(payload)
			if err != nil {
				wrapped := &ValidationError{ID: event.ID(), Stage: "payload", Cause: err}
				rt.report(wrapped)
				return wrapped
			}
			data = v
		}
		return rt.events.emit(ctx, event, data, event.ID())
	}
}

// Emit validates payload against the event's declared schema (if any) and
// dispatches it to every registered listener. source identifies the
// emitting task/resource/hook id, surfaced on the Emission and in
// CycleError.
func Emit[P any](ctx context.Context, rt *Runtime, event *Event[P], payload P, source string) error {
	var data any = payload
	if event.PayloadSchema() != nil {
		v, err := event.PayloadSchema().Validate(payload)
		if err != nil {
			wrapped := &ValidationError{ID: event.ID(), Stage: "payload", Cause: err}
			rt.report(wrapped)
			return wrapped
		}
		data = v
	}
	return rt.events.emit(ctx, event, data, source)
}

// AddListener registers a raw, untyped listener against an event without
// going through a Hook definition -- useful for extensions (logging,
// debugging) that want to observe every event without becoming part of
// the dependency graph. Rejected with a LockError once rt has finished
// booting, per spec.md §4.3.
func AddListener(rt *Runtime, eventID string, listenerID string, order int, run func(ctx context.Context, emission *Emission[any]) error) error {
	return rt.events.addHook(eventID, &listenerReg{
		id:    listenerID,
		order: order,
		run:   func(ctx context.Context, emission *Emission[any], _ Deps) error { return run(ctx, emission) },
	})
}

// AddGlobalListener registers a raw listener observing every event not
// tagged ExcludeFromGlobalHooks. Rejected with a LockError once rt has
// finished booting.
func AddGlobalListener(rt *Runtime, listenerID string, order int, run func(ctx context.Context, emission *Emission[any]) error) error {
	return rt.events.addGlobalListener(&listenerReg{
		id:     listenerID,
		order:  order,
		global: true,
		run:    func(ctx context.Context, emission *Emission[any], _ Deps) error { return run(ctx, emission) },
	})
}

// AddEmissionInterceptor wraps every Emit call. Rejected with a LockError
// once rt has finished booting.
func AddEmissionInterceptor(rt *Runtime, fn func(ctx context.Context, eventID string, payload any, next func(context.Context, any) error) error) error {
	return rt.events.addEmissionInterceptor(emissionInterceptor(fn))
}

// AddHookInterceptor wraps every individual listener invocation. Rejected
// with a LockError once rt has finished booting.
func AddHookInterceptor(rt *Runtime, fn func(ctx context.Context, listenerID string, emission *Emission[any], next func(context.Context) error) error) error {
	return rt.events.addHookInterceptor(hookInterceptor(fn))
}
