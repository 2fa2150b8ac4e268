package corerun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeReturnsSortedAnnotatedNodes(t *testing.T) {
	tag := NewTag[struct{}]("web.route")
	db := NewResource("db", struct{}{}, func(ctx context.Context, _ struct{}, deps Deps, rc *ResourceContext) (string, error) {
		return "db", nil
	})
	task := NewTask("list-widgets", func(ctx context.Context, input string, deps Deps) (string, error) {
		return input, nil
	}, WithTaskDeps[string, string](DependencyMap{"db": DepOf(db)}), WithTaskTags[string, string](tag))

	rt, err := Run(context.Background(), []Definition{task})
	require.NoError(t, err)
	defer rt.Dispose(context.Background())

	nodes := rt.Registry().Describe()
	require.Len(t, nodes, 2)
	// sorted by id: "db" before "list-widgets"
	require.Equal(t, "db", nodes[0].ID)
	require.Equal(t, "list-widgets", nodes[1].ID)
	require.Equal(t, []string{"db"}, nodes[1].Dependencies)
	require.Equal(t, []string{"web.route"}, nodes[1].Tags)
	require.Equal(t, KindResource.String(), nodes[0].Kind)
	require.Equal(t, KindTask.String(), nodes[1].Kind)
}
