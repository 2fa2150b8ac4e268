package corerun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsyncContextProvideThenUseRoundTrips(t *testing.T) {
	slot := NewAsyncContext[string]("request.id")
	ctx := slot.Provide(context.Background(), "req-1")

	v, ok := slot.Use(ctx)
	require.True(t, ok)
	require.Equal(t, "req-1", v)
}

func TestAsyncContextUseWithoutProvideReturnsZeroAndFalse(t *testing.T) {
	slot := NewAsyncContext[string]("request.id")
	v, ok := slot.Use(context.Background())
	require.False(t, ok)
	require.Equal(t, "", v)
}

func TestAsyncContextMustUseReturnsContextErrorWhenUnprovided(t *testing.T) {
	slot := NewAsyncContext[int]("tenant.id")
	_, err := slot.MustUse(context.Background())
	require.Error(t, err)
	var ctxErr *ContextError
	require.ErrorAs(t, err, &ctxErr)
	require.Equal(t, "tenant.id", ctxErr.ContextID)
}

func TestRequireMiddlewareBlocksTasksMissingTheContext(t *testing.T) {
	slot := NewAsyncContext[string]("tenant.id")
	task := NewTask("needs-tenant", func(ctx context.Context, input string, deps Deps) (string, error) {
		tenant, _ := slot.Use(ctx)
		return "tenant:" + tenant, nil
	}, WithTaskMiddleware[string, string](slot.RequireMiddleware()))

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	_, err = RunTask(context.Background(), rt, task, "x")
	require.Error(t, err)

	ctx := slot.Provide(context.Background(), "acme")
	result, err := RunTask(ctx, rt, task, "x")
	require.NoError(t, err)
	require.Equal(t, "tenant:acme", result)
}
