// Package durable implements the persistent workflow engine layered on
// top of corerun: executions that survive process restarts by replaying
// recorded step results against a Store, arming Timers for sleeps and
// signal timeouts, and materializing Schedules into new executions.
// Grounded on the teacher's controller.go/flow.go suspension model
// (panics-as-signals caught by a runner loop), generalized from an
// in-memory reactive graph to a durable, at-least-once, crash-recoverable
// execution log.
package durable

import "time"

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusSleeping             Status = "sleeping"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCompensationFailed   Status = "compensation_failed"
	StatusCancelled            Status = "cancelled"
)

// Execution is one durable run of a task.
type Execution struct {
	ID             string
	TaskID         string
	Input          any
	Status         Status
	Attempt        int
	MaxAttempts    int
	IdempotencyKey string
	Result         any
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// StepResult is one memoized step outcome, or a state marker such as
// "waiting" for a signal that hasn't arrived yet.
type StepResult struct {
	ExecutionID string
	StepID      string
	Result      any
	Marker      string // "", "pending", "fired", "waiting", "delivered", "timed_out"
	CompletedAt time.Time
}

// TimerType discriminates what a Timer, once fired, should do.
type TimerType string

const (
	TimerSleep           TimerType = "sleep"
	TimerSignalTimeout   TimerType = "signal_timeout"
	TimerScheduled       TimerType = "scheduled"
	TimerKickoffFailsafe TimerType = "kickoff_failsafe"
)

// TimerStatus tracks whether a Timer has fired yet.
type TimerStatus string

const (
	TimerPending TimerStatus = "pending"
	TimerFired   TimerStatus = "fired"
)

// Timer is a persisted future wakeup.
type Timer struct {
	ID              string
	Type            TimerType
	ExecutionID     string
	ScheduleID      string
	TaskID          string
	Input           any
	FireAt          time.Time
	Status          TimerStatus
	ClaimedBy       string
	ClaimExpiresAt  time.Time
}

// ScheduleType discriminates a recurring cron schedule from a fixed
// interval one.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// ScheduleStatus tracks whether a Schedule is currently materializing
// Timers.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// Schedule is a recurring or future plan that materializes Timers, which
// in turn start Executions.
type Schedule struct {
	ID        string
	TaskID    string
	Type      ScheduleType
	Pattern   string // cron expression, or a duration string for interval
	Input     any
	Status    ScheduleStatus
	NextRun   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditKind discriminates the observation an AuditEntry records.
type AuditKind string

const (
	AuditExecutionStatusChanged AuditKind = "execution_status_changed"
	AuditStepCompleted         AuditKind = "step_completed"
	AuditSleepScheduled        AuditKind = "sleep_scheduled"
	AuditSleepCompleted        AuditKind = "sleep_completed"
	AuditSignalWaiting         AuditKind = "signal_waiting"
	AuditSignalDelivered       AuditKind = "signal_delivered"
	AuditSignalTimedOut        AuditKind = "signal_timed_out"
	AuditEmitPublished         AuditKind = "emit_published"
	AuditNote                  AuditKind = "note"
)

// AuditEntry is a durable, append-only observation of what happened
// inside an execution.
type AuditEntry struct {
	ExecutionID string
	Kind        AuditKind
	Message     string
	Meta        map[string]any
	At          time.Time
}

// SuspensionSignal is thrown (returned as an error) by Sleep and
// WaitForSignal when the execution must yield control until external
// progress occurs. processExecution catches it and transitions the
// execution to sleeping rather than treating it as a failure.
type SuspensionSignal struct {
	Reason string
}

func (s *SuspensionSignal) Error() string { return "suspended: " + s.Reason }

// DurableErrorKind enumerates the durable-specific error taxonomy named
// in spec.md §7: timeout, failure, cancellation, compensation failure, and
// idempotency conflict. Failed and cancelled are kept distinct per §4.6's
// state machine: a failed execution exhausted its retries on a task error,
// while a cancelled one was stopped by an explicit CancelExecution call.
type DurableErrorKind string

const (
	DurableErrTimeout             DurableErrorKind = "timeout"
	DurableErrFailed              DurableErrorKind = "failed"
	DurableErrCancelled           DurableErrorKind = "cancelled"
	DurableErrCompensationFailed  DurableErrorKind = "compensation_failed"
	DurableErrIdempotencyConflict DurableErrorKind = "idempotency_conflict"
)

// DurableError reports a durable-engine-specific failure.
type DurableError struct {
	Kind        DurableErrorKind
	ExecutionID string
	Reason      string
}

func (e *DurableError) Error() string {
	return string(e.Kind) + " for execution " + e.ExecutionID + ": " + e.Reason
}
