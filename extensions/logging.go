// Package extensions provides opt-in observability for a corerun.Runtime:
// structured logging of every reported error and every event dispatch,
// plus a dependency-graph dump for post-mortem debugging. The event
// dispatch logging (LoggingExtension.AttachTo) registers with the
// EventManager, which accepts it only until corerun.Run returns. Adapted from the teacher's extensions/logging.go
// (fmt.Printf-based) and extensions/graph_debug.go (slog-based), both
// rewired onto zerolog per the runtime's ambient logging stack.
package extensions

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumped-fn/corerun"
)

// LoggingExtension logs every reported runtime error and every event
// dispatch through a zerolog.Logger.
type LoggingExtension struct {
	logger zerolog.Logger
}

// NewLoggingExtension builds a logging extension writing through logger.
func NewLoggingExtension(logger zerolog.Logger) *LoggingExtension {
	return &LoggingExtension{logger: logger}
}

// Reporter returns the func(error) to pass to corerun.WithUnhandledErrorReporter.
func (e *LoggingExtension) Reporter() func(error) {
	return func(err error) {
		e.logger.Error().Err(err).Msg("unhandled runtime error")
	}
}

// AttachTo wires a global listener onto rt that logs every event
// dispatch at debug level, and a hook interceptor that logs each
// listener invocation (warn level on failure) before it returns to the
// caller. Returns a *corerun.LockError if rt's EventManager has already
// locked, which happens once the owning corerun.Run call returns.
func (e *LoggingExtension) AttachTo(rt *corerun.Runtime) error {
	if err := corerun.AddGlobalListener(rt, "extensions.logging", -1_000_000, func(ctx context.Context, emission *corerun.Emission[any]) error {
		e.logger.Debug().
			Str("event", emission.ID).
			Str("source", emission.Source).
			Time("ts", emission.Timestamp).
			Msg("event emitted")
		return nil
	}); err != nil {
		return err
	}

	return corerun.AddHookInterceptor(rt, func(ctx context.Context, listenerID string, emission *corerun.Emission[any], next func(context.Context) error) error {
		start := time.Now()
		err := next(ctx)
		entry := e.logger.Debug()
		if err != nil {
			entry = e.logger.Warn().Err(err)
		}
		entry.
			Str("listener", listenerID).
			Str("event", emission.ID).
			Dur("elapsed", time.Since(start)).
			Msg("listener invoked")
		return err
	})
}
