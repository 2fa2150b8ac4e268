package durable

import "context"

// Store is the persistence contract every durable adapter implements:
// executions, step results, timers, schedules, and optionally audit and
// idempotency tracking. Grounded on spec.md §6; concrete adapters live in
// the memstore, redisstore, and sqlitestore subpackages.
type Store interface {
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, patch func(*Execution)) error
	ListIncompleteExecutions(ctx context.Context) ([]*Execution, error)

	GetStepResult(ctx context.Context, executionID, stepID string) (*StepResult, bool, error)
	SaveStepResult(ctx context.Context, result *StepResult) error

	CreateTimer(ctx context.Context, timer *Timer) error
	GetReadyTimers(ctx context.Context, now int64) ([]*Timer, error)
	ClaimTimer(ctx context.Context, id, workerID string, ttlMillis int64) (bool, error)
	MarkTimerFired(ctx context.Context, id string) error
	DeleteTimer(ctx context.Context, id string) error

	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, patch func(*Schedule)) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]*Schedule, error)

	// ReserveIdempotencyKey returns the executionId already bound to key,
	// or ("", false, nil) if this call reserved key for the first time.
	ReserveIdempotencyKey(ctx context.Context, key, executionID string) (string, bool, error)

	// AppendAuditEntry and ListAuditEntries are optional: an adapter that
	// doesn't support auditing may implement them as no-ops returning nil.
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, executionID string) ([]*AuditEntry, error)
}
