package extensions

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun"
)

func TestGraphDebugExtensionRendersForest(t *testing.T) {
	storage := corerun.NewResource("storage", struct{}{}, func(ctx context.Context, cfg struct{}, deps corerun.Deps, rc *corerun.ResourceContext) (string, error) {
		return "storage", nil
	})
	service := corerun.NewResource("service", struct{}{}, func(ctx context.Context, cfg struct{}, deps corerun.Deps, rc *corerun.ResourceContext) (string, error) {
		return "service-" + corerun.Resolve[string](deps, "storage"), nil
	}, corerun.WithResourceDeps[struct{}, string](corerun.DependencyMap{
		"storage": corerun.DepOf(storage),
	}))

	rt, err := corerun.Run(context.Background(), []corerun.Definition{service})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	ext := NewGraphDebugExtension(zerolog.Nop())
	rendered := ext.Render(rt.Registry().Describe())

	require.Contains(t, rendered, "storage (resource)")
	require.Contains(t, rendered, "service (resource)")
}

func TestGraphDebugExtensionEmptyGraph(t *testing.T) {
	ext := NewGraphDebugExtension(zerolog.Nop())
	require.Equal(t, "(empty graph)", ext.Render(nil))
}
