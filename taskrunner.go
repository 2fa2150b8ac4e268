package corerun

import (
	"context"
	"time"
)

// erasedTask is the subset of Task[I, O]'s method set the runtime needs to
// drive invocation without knowing I/O statically. Every *Task[I, O]
// satisfies it.
type erasedTask interface {
	Definition
	Middleware() []*TaskMiddleware
	InputSchema() Schema
	ResultSchema() Schema
	erasedRun(ctx context.Context, input any, deps Deps) (any, error)
}

var _ erasedTask = (*Task[any, any])(nil)

// TaskOptions is the options bag a task invocation may carry, per spec.md
// §4.2 ("Task → a callable (input, options?) → Promise<result>") and §5
// ("Task invocations accept an options bag that may carry a timeout;
// exceeding it rejects the call").
type TaskOptions struct {
	// Timeout, if positive, bounds the call: the chain is raced against it
	// and a RuntimeError wrapping context.DeadlineExceeded is returned if
	// it elapses first, regardless of whether the task body itself honors
	// ctx cancellation.
	Timeout time.Duration
}

// TaskOption configures a TaskOptions; passed variadically to RunTask.
type TaskOption func(*TaskOptions)

// WithTaskTimeout bounds a single task invocation to d.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(o *TaskOptions) { o.Timeout = d }
}

// RunTask invokes a task end to end: input validation, dependency
// resolution, the global-then-local middleware chain, the task body, and
// result validation -- reporting every failure before returning it, as a
// ValidationError for a schema rejection and as a RuntimeError otherwise. This is a free function (not a
// method) because Go does not allow a generic method on Runtime; grounded
// on the teacher's controller.go Run/Get pair, generalized to carry both
// an input and output type parameter. It is a thin typed wrapper over
// runErasedTask, which does the actual work against the type-erased
// erasedTask interface.
func RunTask[I, O any](ctx context.Context, rt *Runtime, task *Task[I, O], input I, opts ...TaskOption) (O, error) {
	var zero O
	var options TaskOptions
	for _, opt := range opts {
		opt(&options)
	}
	result, err := rt.runErasedTask(ctx, task, input, options)
	if err != nil {
		return zero, err
	}
	typed, _ := result.(O)
	return typed, nil
}

// runErasedTask is RunTask's pipeline against the type-erased erasedTask
// interface: input validation, dependency resolution, the middleware
// chain, and result validation. Used by RunTask itself and by every other
// path that invokes a task without knowing its static I/O types -- a Task
// dependency resolved through another definition's Deps (resolveOne) and
// a tagged task's TagEntry.Run callable (tagaccessor.go).
func (rt *Runtime) runErasedTask(ctx context.Context, task erasedTask, input any, opts TaskOptions) (any, error) {
	if task.InputSchema() != nil {
		v, err := task.InputSchema().Validate(input)
		if err != nil {
			wrapped := &ValidationError{ID: task.ID(), Stage: "input", Cause: err}
			rt.report(wrapped)
			return nil, wrapped
		}
		input = v
	}

	deps, err := rt.resolveDeps(task.Dependencies())
	if err != nil {
		wrapped := &RuntimeError{ID: task.ID(), Kind: "task", Cause: err}
		rt.report(wrapped)
		return nil, wrapped
	}
	returnDeps := true
	defer func() {
		if returnDeps {
			rt.pool.put(deps.values)
		}
	}()

	chain := composeTaskChain(rt.globalTaskMW, task, task.Middleware(), rt.resolveDeps, rt.middleware.InterceptorsFor(task.ID()), func(ctx context.Context, in any) (any, error) {
		return task.erasedRun(ctx, in, deps)
	})

	result, err := rt.runChainWithTimeout(ctx, chain, input, opts.Timeout)
	if err != nil {
		if opts.Timeout > 0 {
			// the chain may still be running on its own goroutine and using deps
			returnDeps = false
		}
		wrapped := &RuntimeError{ID: task.ID(), Kind: "task", Cause: err}
		rt.report(wrapped)
		return nil, wrapped
	}

	if task.ResultSchema() != nil {
		v, verr := task.ResultSchema().Validate(result)
		if verr != nil {
			wrapped := &ValidationError{ID: task.ID(), Stage: "result", Cause: verr}
			rt.report(wrapped)
			return nil, wrapped
		}
		result = v
	}
	return result, nil
}

// runChainWithTimeout invokes chain directly when timeout is non-positive.
// Otherwise it races chain's completion against timeout on a background
// goroutine, returning context.DeadlineExceeded the moment the timer fires
// even if chain itself is still blocked -- a task body that ignores ctx
// cancellation still gets bounded by the caller's options.
func (rt *Runtime) runChainWithTimeout(ctx context.Context, chain func(context.Context, any) (any, error), input any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return chain(ctx, input)
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := chain(ctx, input)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// taskCallable returns the callable a Task dependency resolves to: a
// func(ctx, input) (any, error) that replays runErasedTask each call, per
// spec.md §4.2 ("Task → a callable (input, options?) → Promise<result>").
func (rt *Runtime) taskCallable(task erasedTask) func(ctx context.Context, input any) (any, error) {
	return func(ctx context.Context, input any) (any, error) {
		return rt.runErasedTask(ctx, task, input, TaskOptions{})
	}
}
