package corerun

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHooksAndGlobalListenersRunInDeclaredOrder(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	event := NewEvent[string]("order.placed")
	second := NewHook("second", event, func(ctx context.Context, e *Emission[string], deps Deps) error {
		record("second")
		return nil
	}, WithHookOrder[string](2))
	first := NewHook("first", event, func(ctx context.Context, e *Emission[string], deps Deps) error {
		record("first")
		return nil
	}, WithHookOrder[string](1))

	rt, err := Run(context.Background(), []Definition{event, first, second}, WithGlobalListener("audit", 0, func(ctx context.Context, e *Emission[any]) error {
		record("global")
		return nil
	}))
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	require.NoError(t, Emit(context.Background(), rt, event, "order-1", "test"))
	require.Equal(t, []string{"global", "first", "second"}, calls)
}

func TestStopHaltsRemainingListenersInTheBatch(t *testing.T) {
	var calls []string
	event := NewEvent[string]("order.placed")
	stopper := NewHook("stopper", event, func(ctx context.Context, e *Emission[string], deps Deps) error {
		calls = append(calls, "stopper")
		e.Stop()
		return nil
	}, WithHookOrder[string](1))
	never := NewHook("never", event, func(ctx context.Context, e *Emission[string], deps Deps) error {
		calls = append(calls, "never")
		return nil
	}, WithHookOrder[string](2))

	rt, err := Run(context.Background(), []Definition{event, stopper, never})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	require.NoError(t, Emit(context.Background(), rt, event, "order-1", "test"))
	require.Equal(t, []string{"stopper"}, calls)
}

func TestExcludeFromGlobalHooksSkipsGlobalListeners(t *testing.T) {
	var sawGlobal bool
	event := NewEvent[string]("order.internal", WithEventTags[string](ExcludeFromGlobalHooks()))

	rt, err := Run(context.Background(), []Definition{event}, WithGlobalListener("audit", 0, func(ctx context.Context, e *Emission[any]) error {
		sawGlobal = true
		return nil
	}))
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	require.NoError(t, Emit(context.Background(), rt, event, "x", "test"))
	require.False(t, sawGlobal)
}

func TestEmitDetectsReentrantCycle(t *testing.T) {
	var rt *Runtime
	event := NewEvent[string]("loop")
	reenter := NewHook("reenter", event, func(ctx context.Context, e *Emission[string], deps Deps) error {
		return Emit(ctx, rt, event, "again", "reenter")
	})

	var err error
	rt, err = Run(context.Background(), []Definition{event, reenter})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	err = Emit(context.Background(), rt, event, "first", "test")
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestEventManagerRejectsListenerAndInterceptorRegistrationAfterLock(t *testing.T) {
	event := NewEvent[string]("order.placed")
	rt, err := Run(context.Background(), []Definition{event})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	noop := func(ctx context.Context, e *Emission[any]) error { return nil }

	err = AddListener(rt, "order.placed", "late", 0, noop)
	require.Error(t, err)
	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)

	err = AddGlobalListener(rt, "late-global", 0, noop)
	require.ErrorAs(t, err, &lockErr)

	err = AddEmissionInterceptor(rt, func(ctx context.Context, eventID string, payload any, next func(context.Context, any) error) error {
		return next(ctx, payload)
	})
	require.ErrorAs(t, err, &lockErr)

	err = AddHookInterceptor(rt, func(ctx context.Context, listenerID string, emission *Emission[any], next func(context.Context) error) error {
		return next(ctx)
	})
	require.ErrorAs(t, err, &lockErr)
}

func TestParallelEventRunsSameOrderListenersConcurrently(t *testing.T) {
	event := NewEvent[string]("batch.ready", WithEventParallel[string]())
	var mu sync.Mutex
	seen := map[string]bool{}

	roots := []Definition{event}
	for _, name := range []string{"a", "b", "c"} {
		n := name
		roots = append(roots, NewHook(n, event, func(ctx context.Context, e *Emission[string], deps Deps) error {
			mu.Lock()
			seen[n] = true
			mu.Unlock()
			return nil
		}))
	}

	rt, err := Run(context.Background(), roots)
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	require.NoError(t, Emit(context.Background(), rt, event, "x", "test"))
	require.True(t, seen["a"] && seen["b"] && seen["c"])
}
