package corerun

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// RunnerConfig is the YAML-loadable configuration for a Runtime and the
// durable engine layered on top of it. Grounded on bartekus-stagecraft's
// config-struct style (a plain struct with yaml tags, loaded once at
// startup and passed around by pointer) rather than the teacher's
// zero-config scope.go, since spec.md's ambient stack calls for one.
type RunnerConfig struct {
	LogLevel string `yaml:"logLevel"`

	Durable DurableConfig `yaml:"durable"`
}

// DurableConfig tunes the durable workflow engine: how often the Poller
// sweeps for due timers, how long a claimed item is leased before another
// worker may steal it, how many attempts an execution gets before it is
// marked failed, and how long Start's kickoff failsafe timer waits before
// it fires (the "kickoff failsafe delay").
type DurableConfig struct {
	PollInterval         time.Duration `yaml:"pollInterval"`
	ClaimTTL             time.Duration `yaml:"claimTTL"`
	MaxAttempts          int           `yaml:"maxAttempts"`
	KickoffFailsafeDelay time.Duration `yaml:"kickoffFailsafeDelay"`
	WorkerConcurrency    int           `yaml:"workerConcurrency"`
	Deterministic        bool          `yaml:"deterministic"`
}

// DefaultRunnerConfig returns the built-in defaults LoadRunnerConfig starts
// from. Run does not apply them: Runtime.Config() is nil unless a config is
// passed with WithRunnerConfig.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		LogLevel: "info",
		Durable: DurableConfig{
			PollInterval:         time.Second,
			ClaimTTL:             30 * time.Second,
			MaxAttempts:          5,
			KickoffFailsafeDelay: 2 * time.Second,
			WorkerConcurrency:    4,
		},
	}
}

// LoadRunnerConfig reads and parses a YAML config file, filling in
// defaults for anything left zero-valued.
func LoadRunnerConfig(path string) (*RunnerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load runner config: %w", err)
	}
	cfg := DefaultRunnerConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse runner config %s: %w", path, err)
	}
	return cfg, nil
}

// NewLogger builds the zerolog.Logger every extension and the durable
// engine log through, honoring RunnerConfig.LogLevel.
func NewLogger(cfg *RunnerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
