package corerun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithMetaAttachesMetadataReadableFromTheDefinition(t *testing.T) {
	task := NewTask("annotated", func(ctx context.Context, input string, deps Deps) (string, error) {
		return input, nil
	}).WithMeta("owner", "billing-team").WithMeta("version", 2)

	meta := task.Metadata()
	require.Equal(t, "billing-team", meta["owner"])
	require.Equal(t, 2, meta["version"])
}

func TestMetadataReturnsACopyNotTheLiveBag(t *testing.T) {
	task := NewTask("copy-check", func(ctx context.Context, input string, deps Deps) (string, error) {
		return input, nil
	}).WithMeta("k", "v")

	snapshot := task.Metadata()
	snapshot["k"] = "mutated"

	require.Equal(t, "v", task.Metadata()["k"])
}
