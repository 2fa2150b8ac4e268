package corerun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunTaskRejectsInputFailingItsSchema(t *testing.T) {
	task := NewTask("greet", func(ctx context.Context, input string, deps Deps) (string, error) {
		return "hello, " + input, nil
	}, WithTaskInputSchema[string, string](FuncSchema(func(value any) (any, error) {
		s, _ := value.(string)
		if s == "" {
			return nil, &SchemaError{Message: "name must not be empty"}
		}
		return s, nil
	})))

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	_, err = RunTask(context.Background(), rt, task, "")
	require.Error(t, err)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, "input", valErr.Stage)
}

func TestRunTaskRejectsResultFailingItsSchema(t *testing.T) {
	task := NewTask("divide", func(ctx context.Context, input int, deps Deps) (int, error) {
		return input / 2, nil
	}, WithTaskResultSchema[int, int](FuncSchema(func(value any) (any, error) {
		n, _ := value.(int)
		if n < 0 {
			return nil, &SchemaError{Message: "result must not be negative"}
		}
		return n, nil
	})))

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	_, err = RunTask(context.Background(), rt, task, -10)
	require.Error(t, err)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, "result", valErr.Stage)
}

func TestRunTaskWrapsAUserErrorAsRuntimeErrorAndReportsIt(t *testing.T) {
	sentinel := require.New(t)
	var reported error

	task := NewTask("always-fails", func(ctx context.Context, input string, deps Deps) (string, error) {
		return "", &SchemaError{Message: "boom"}
	})

	rt, err := Run(context.Background(), []Definition{task}, WithUnhandledErrorReporter(func(e error) { reported = e }))
	sentinel.NoError(err)
	defer rt.Dispose(context.Background())

	_, err = RunTask(context.Background(), rt, task, "x")
	sentinel.Error(err)
	var rtErr *RuntimeError
	sentinel.ErrorAs(err, &rtErr)
	sentinel.Equal("task", rtErr.Kind)
	sentinel.Error(reported)
}

func TestRunTaskResolvesRequiredResourceDependency(t *testing.T) {
	counter := NewResource("counter", struct{}{}, func(ctx context.Context, _ struct{}, deps Deps, rc *ResourceContext) (int, error) {
		return 41, nil
	})
	task := NewTask("increment", func(ctx context.Context, input string, deps Deps) (int, error) {
		return Resolve[int](deps, "counter") + 1, nil
	}, WithTaskDeps[string, int](DependencyMap{"counter": DepOf(counter)}))

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	result, err := RunTask(context.Background(), rt, task, "")
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestRunTaskRejectsOnTimeoutEvenWhenTaskIgnoresContext(t *testing.T) {
	started := make(chan struct{})
	task := NewTask("slow", func(ctx context.Context, input string, deps Deps) (string, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return input, nil
	})

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	_, err = RunTask(context.Background(), rt, task, "x", WithTaskTimeout(time.Millisecond))
	<-started
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	require.ErrorIs(t, rtErr.Cause, context.DeadlineExceeded)
}

func TestRunTaskWithinTimeoutSucceeds(t *testing.T) {
	task := NewTask("fast", func(ctx context.Context, input string, deps Deps) (string, error) {
		return input + "!", nil
	})

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	result, err := RunTask(context.Background(), rt, task, "hi", WithTaskTimeout(time.Second))
	require.NoError(t, err)
	require.Equal(t, "hi!", result)
}
