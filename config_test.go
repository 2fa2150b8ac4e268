package corerun

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRunnerConfigPopulatesDurableDefaults(t *testing.T) {
	cfg := DefaultRunnerConfig()
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, time.Second, cfg.Durable.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Durable.ClaimTTL)
	require.Equal(t, 5, cfg.Durable.MaxAttempts)
}

func TestLoadRunnerConfigOverridesOnlyFieldsPresentInYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: debug\ndurable:\n  maxAttempts: 9\n"), 0o644))

	cfg, err := LoadRunnerConfig(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 9, cfg.Durable.MaxAttempts)
	// untouched by the YAML, so it keeps the default LoadRunnerConfig
	// started from rather than being zeroed out.
	require.Equal(t, time.Second, cfg.Durable.PollInterval)
}

func TestLoadRunnerConfigRejectsAMissingFile(t *testing.T) {
	_, err := LoadRunnerConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestNewLoggerFallsBackToInfoOnAnUnparsableLevel(t *testing.T) {
	cfg := &RunnerConfig{LogLevel: "not-a-level"}
	logger := NewLogger(cfg)
	require.Equal(t, "info", logger.GetLevel().String())
}
