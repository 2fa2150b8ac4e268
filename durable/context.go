package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pumped-fn/corerun"
)

// DeterminismMode tunes how an implicit (caller-omitted) step id for
// sleep/emit/waitForSignal is handled.
type DeterminismMode string

const (
	DeterminismAllow DeterminismMode = "allow"
	DeterminismWarn  DeterminismMode = "warn"
	DeterminismError DeterminismMode = "error"
)

// compensation is one recorded step().up().down() pair, run in reverse
// completion order by Rollback.
type compensation struct {
	stepID string
	result any
	down   func(ctx context.Context, result any) error
}

// DurableContext is what a task's run function reads via Use(ctx) to
// drive durable semantics: memoized steps, sleeps, signal waits,
// idempotent emissions, and compensations. One DurableContext is created
// per processExecution attempt and bound onto the task's context via the
// durableCtxSlot AsyncContext slot.
type DurableContext struct {
	ExecutionID string
	Attempt     int

	store          Store
	bus            EventBus
	determinism    DeterminismMode
	implicitCount  int
	compensations  []compensation
	reporter       func(error)
}

var durableCtxSlot = corerun.NewAsyncContext[*DurableContext]("durable.context")

// Provide binds dc onto ctx for the duration of a task invocation.
func (dc *DurableContext) Provide(ctx context.Context) context.Context {
	return durableCtxSlot.Provide(ctx, dc)
}

// Use retrieves the DurableContext bound by the engine around the
// currently-executing durable task. It returns a ContextError if called
// outside of one, matching spec.md §4.5's use()-without-provider rule.
func Use(ctx context.Context) (*DurableContext, error) {
	return durableCtxSlot.MustUse(ctx)
}

// checkCancelled re-reads the execution's current status from the store
// and fails with a DurableError if it's been cancelled since this attempt
// started running. Cancellation is cooperative per spec.md §5: a
// CancelExecution call landing mid-task-body is only observed at the
// task's next suspension point, so every suspension point (Step, Sleep,
// WaitForSignal) calls this before doing its own work.
func (dc *DurableContext) checkCancelled(ctx context.Context) error {
	exec, err := dc.store.GetExecution(ctx, dc.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status == StatusCancelled {
		return &DurableError{Kind: DurableErrCancelled, ExecutionID: dc.ExecutionID, Reason: "execution was cancelled"}
	}
	return nil
}

func (dc *DurableContext) nextImplicitStepID(kind string) (string, error) {
	dc.implicitCount++
	id := fmt.Sprintf("%s#%d", kind, dc.implicitCount)
	switch dc.determinism {
	case DeterminismError:
		return "", &corerun.DefinitionError{ID: id, Reason: "implicit step ids are disabled by determinism config; pass an explicit stepId"}
	case DeterminismWarn:
		if dc.reporter != nil {
			dc.reporter(fmt.Errorf("durable: using implicit step id %q; pass an explicit stepId for stability across code changes", id))
		}
	}
	return id, nil
}

// Step runs fn at most once per (execution, id) across any number of
// resumes: if a result was already persisted for id, it's returned
// without calling fn again. Grounded on spec.md §4.6's step(id, fn).
func Step[T any](ctx context.Context, dc *DurableContext, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := dc.checkCancelled(ctx); err != nil {
		return zero, err
	}
	if existing, ok, err := dc.store.GetStepResult(ctx, dc.ExecutionID, id); err != nil {
		return zero, err
	} else if ok {
		typed, _ := existing.Result.(T)
		return typed, nil
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	if err := dc.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: dc.ExecutionID,
		StepID:      id,
		Result:      result,
		CompletedAt: timeNow(),
	}); err != nil {
		return zero, err
	}
	_ = dc.store.AppendAuditEntry(ctx, &AuditEntry{ExecutionID: dc.ExecutionID, Kind: AuditStepCompleted, Message: id, At: timeNow()})
	return result, nil
}

// StepWithCompensation is step(id).up(fn).down(fn): fn's result is
// memoized exactly like Step, and down is recorded to run (in reverse
// completion order) if Rollback is later called.
func StepWithCompensation[T any](ctx context.Context, dc *DurableContext, id string, up func(ctx context.Context) (T, error), down func(ctx context.Context, result T) error) (T, error) {
	result, err := Step(ctx, dc, id, up)
	if err != nil {
		var zero T
		return zero, err
	}
	dc.compensations = append(dc.compensations, compensation{
		stepID: id,
		result: result,
		down: func(ctx context.Context, result any) error {
			typed, _ := result.(T)
			return down(ctx, typed)
		},
	})
	return result, nil
}

// Sleep suspends the execution for d. On first call it persists a sleep
// marker and a Timer and returns a SuspensionSignal; on replay after the
// Timer has fired, it returns nil immediately.
func Sleep(ctx context.Context, dc *DurableContext, d time.Duration, stepID string) error {
	if err := dc.checkCancelled(ctx); err != nil {
		return err
	}
	if stepID == "" {
		id, err := dc.nextImplicitStepID("sleep")
		if err != nil {
			return err
		}
		stepID = id
	}

	existing, ok, err := dc.store.GetStepResult(ctx, dc.ExecutionID, stepID)
	if err != nil {
		return err
	}
	if ok && existing.Marker == "fired" {
		return nil
	}
	if ok && existing.Marker == "pending" {
		return &SuspensionSignal{Reason: "sleep:" + stepID}
	}

	if err := dc.store.SaveStepResult(ctx, &StepResult{ExecutionID: dc.ExecutionID, StepID: stepID, Marker: "pending", CompletedAt: timeNow()}); err != nil {
		return err
	}
	if err := dc.store.CreateTimer(ctx, &Timer{
		ID:          dc.ExecutionID + ":" + stepID,
		Type:        TimerSleep,
		ExecutionID: dc.ExecutionID,
		FireAt:      timeNow().Add(d),
		Status:      TimerPending,
	}); err != nil {
		return err
	}
	_ = dc.store.AppendAuditEntry(ctx, &AuditEntry{ExecutionID: dc.ExecutionID, Kind: AuditSleepScheduled, Message: stepID, At: timeNow()})
	return &SuspensionSignal{Reason: "sleep:" + stepID}
}

// SignalResult is what WaitForSignal returns: either a delivered payload
// or a timeout.
type SignalResult struct {
	Kind    string // "signal" or "timeout"
	Payload any
}

// WaitForSignal suspends until eventID is delivered via Signal, or until
// timeout elapses if non-nil. The waiting marker is keyed by (execution,
// event id, attempt) per spec.md §4.6, so Signal can locate it without
// needing to know the step id the task used internally.
func WaitForSignal(ctx context.Context, dc *DurableContext, eventID string, timeout *time.Duration) (SignalResult, error) {
	if err := dc.checkCancelled(ctx); err != nil {
		return SignalResult{}, err
	}
	stepID := SignalStepID(eventID, dc.Attempt)

	existing, ok, err := dc.store.GetStepResult(ctx, dc.ExecutionID, stepID)
	if err != nil {
		return SignalResult{}, err
	}
	if ok {
		switch existing.Marker {
		case "delivered":
			return SignalResult{Kind: "signal", Payload: existing.Result}, nil
		case "timed_out":
			return SignalResult{Kind: "timeout"}, nil
		case "waiting":
			return SignalResult{}, &SuspensionSignal{Reason: "wait:" + stepID}
		}
	}

	if err := dc.store.SaveStepResult(ctx, &StepResult{ExecutionID: dc.ExecutionID, StepID: stepID, Marker: "waiting", CompletedAt: timeNow()}); err != nil {
		return SignalResult{}, err
	}
	_ = dc.store.AppendAuditEntry(ctx, &AuditEntry{ExecutionID: dc.ExecutionID, Kind: AuditSignalWaiting, Message: eventID, At: timeNow()})

	if timeout != nil {
		if err := dc.store.CreateTimer(ctx, &Timer{
			ID:          dc.ExecutionID + ":" + stepID + ":timeout",
			Type:        TimerSignalTimeout,
			ExecutionID: dc.ExecutionID,
			FireAt:      timeNow().Add(*timeout),
			Status:      TimerPending,
		}); err != nil {
			return SignalResult{}, err
		}
	}
	return SignalResult{}, &SuspensionSignal{Reason: "wait:" + stepID}
}

// SignalStepID computes the deterministic step id a waiting marker for
// eventID is stored under during a given attempt.
func SignalStepID(eventID string, attempt int) string {
	return fmt.Sprintf("signal:%s:%d", eventID, attempt)
}

// Emit publishes payload on the durable event bus exactly once per
// (execution, internal step), even across retries of the same execution.
func Emit(ctx context.Context, dc *DurableContext, eventType string, payload any) error {
	id, err := dc.nextImplicitStepID("emit:" + eventType)
	if err != nil {
		return err
	}
	_, err = Step(ctx, dc, id, func(ctx context.Context) (bool, error) {
		if dc.bus == nil {
			return true, nil
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return false, err
		}
		if err := dc.bus.Publish(ctx, DurableEventsChannel, BusMessage{Type: eventType, Payload: raw, Timestamp: timeNow()}); err != nil {
			return false, err
		}
		_ = dc.store.AppendAuditEntry(ctx, &AuditEntry{ExecutionID: dc.ExecutionID, Kind: AuditEmitPublished, Message: eventType, At: timeNow()})
		return true, nil
	})
	return err
}

// Note writes an audit entry of kind "note"; a no-op if the store
// doesn't retain audit entries.
func (dc *DurableContext) Note(ctx context.Context, msg string, meta map[string]any) {
	_ = dc.store.AppendAuditEntry(ctx, &AuditEntry{ExecutionID: dc.ExecutionID, Kind: AuditNote, Message: msg, Meta: meta, At: timeNow()})
}

// Rollback walks recorded compensations in reverse completion order.
func (dc *DurableContext) Rollback(ctx context.Context) error {
	for i := len(dc.compensations) - 1; i >= 0; i-- {
		c := dc.compensations[i]
		if err := c.down(ctx, c.result); err != nil {
			return &DurableError{Kind: DurableErrCompensationFailed, ExecutionID: dc.ExecutionID, Reason: fmt.Sprintf("compensation %q: %v", c.stepID, err)}
		}
	}
	return nil
}

// timeNow is the single clock read every durable operation goes through,
// kept as a var so tests can freeze it.
var timeNow = time.Now
