package corerun

import "context"

// AsyncContext is a task-local value channel: a task (or one of its
// descendants in the call graph, via context.Context propagation) can
// Provide a value that downstream code reads with Use, without threading
// it through every intervening function signature. Grounded on the
// teacher's context.go (AsyncLocalStorage-style propagation), generalized
// from a single untyped slot to a typed, named AsyncContext[T].
type AsyncContext[T any] struct {
	id  string
	key contextKey
}

type contextKey struct{ id string }

// NewAsyncContext declares a new async context slot identified by id.
func NewAsyncContext[T any](id string) *AsyncContext[T] {
	return &AsyncContext[T]{id: id, key: contextKey{id: id}}
}

func (a *AsyncContext[T]) ID() string { return a.id }

// Provide returns a child context with value bound for the remainder of
// that context's lifetime.
func (a *AsyncContext[T]) Provide(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, a.key, value)
}

// Use reads the bound value. ok is false if nothing was ever Provided on
// this context chain.
func (a *AsyncContext[T]) Use(ctx context.Context) (T, bool) {
	v := ctx.Value(a.key)
	if v == nil {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// MustUse reads the bound value, raising a ContextError if it was never
// provided -- the check RequireMiddleware runs for a task that requires a
// context to have been set up by a caller.
func (a *AsyncContext[T]) MustUse(ctx context.Context) (T, error) {
	v, ok := a.Use(ctx)
	if !ok {
		var zero T
		return zero, &ContextError{ContextID: a.id, Reason: "no value provided on this context chain"}
	}
	return v, nil
}

// RequireMiddleware builds a task middleware that fails fast with a
// ContextError unless this async context has already been provided by the
// time the task runs -- the "require()" gate spec.md's AsyncContext
// section describes.
func (a *AsyncContext[T]) RequireMiddleware() *TaskMiddleware {
	return NewTaskMiddleware(a.id+".require", func(ctx context.Context, deps Deps, task Definition, input any, next func(context.Context, any) (any, error)) (any, error) {
		if _, err := a.MustUse(ctx); err != nil {
			return nil, err
		}
		return next(ctx, input)
	})
}
