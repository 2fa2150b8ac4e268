package durable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pumped-fn/corerun"
)

// taskEntry is the type-erased invocation bound to a registered durable
// task id.
type taskEntry struct {
	run func(ctx context.Context, input any) (any, error)
}

// Service wraps a corerun.Runtime's tasks with durable execution
// semantics: persisted Executions, replay-safe steps, sleeps, signals,
// schedules, and crash recovery. Grounded on spec.md §4.6; the suspension
// model is adapted from the teacher's flow.go panic-as-signal pattern,
// generalized into the typed SuspensionSignal error this package returns
// instead of panicking.
type Service struct {
	rt       *corerun.Runtime
	store    Store
	bus      EventBus
	queue    Queue
	cfg      corerun.DurableConfig
	reporter func(error)
	nextRun  NextRunFunc

	mu    sync.Mutex
	tasks map[string]taskEntry
}

// NewService builds a durable Service bound to rt's task registry and
// the given Store (required) plus optional bus/queue collaborators.
func NewService(rt *corerun.Runtime, store Store, bus EventBus, queue Queue, cfg corerun.DurableConfig, reporter func(error)) *Service {
	return &Service{
		rt:       rt,
		store:    store,
		bus:      bus,
		queue:    queue,
		cfg:      cfg,
		reporter: reporter,
		tasks:    make(map[string]taskEntry),
	}
}

// RegisterTask binds a corerun.Task[I, O] for durable execution: Start
// and the recovery/poller/worker loops can now target task.ID(). A free
// function, since a generic method on Service isn't expressible in Go.
func RegisterTask[I, O any](ds *Service, task *corerun.Task[I, O]) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.tasks[task.ID()] = taskEntry{
		run: func(ctx context.Context, input any) (any, error) {
			typed, _ := input.(I)
			return corerun.RunTask(ctx, ds.rt, task, typed)
		},
	}
}

func (ds *Service) report(err error) {
	if err != nil && ds.reporter != nil {
		ds.reporter(err)
	}
}

// StartOptions configures Start.
type StartOptions struct {
	IdempotencyKey string
	MaxAttempts    int
}

// Start persists a pending Execution, optionally enqueues a work message,
// and arms a kickoff failsafe timer in case the message is lost.
func (ds *Service) Start(ctx context.Context, taskID string, input any, opts StartOptions) (string, error) {
	candidate := uuid.NewString()

	if opts.IdempotencyKey != "" {
		existing, existed, err := ds.store.ReserveIdempotencyKey(ctx, opts.IdempotencyKey, candidate)
		if err != nil {
			return "", err
		}
		if existed {
			return existing, nil
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = ds.cfg.MaxAttempts
	}

	now := timeNow()
	exec := &Execution{
		ID:             candidate,
		TaskID:         taskID,
		Input:          input,
		Status:         StatusPending,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := ds.store.SaveExecution(ctx, exec); err != nil {
		return "", err
	}
	ds.audit(ctx, candidate, AuditExecutionStatusChanged, "pending")

	if ds.queue != nil {
		if err := ds.queue.Enqueue(ctx, QueueMessage{ID: uuid.NewString(), Type: "execute", ExecutionID: candidate, MaxAttempts: maxAttempts}); err != nil {
			ds.report(err)
		}
	}

	delay := ds.cfg.KickoffFailsafeDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	if err := ds.store.CreateTimer(ctx, &Timer{
		ID:          candidate + ":kickoff",
		Type:        TimerKickoffFailsafe,
		ExecutionID: candidate,
		FireAt:      now.Add(delay),
		Status:      TimerPending,
	}); err != nil {
		ds.report(err)
	}

	return candidate, nil
}

// WaitOptions configures Wait.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Wait polls the store until executionID reaches a terminal status or
// opts.Timeout elapses.
func (ds *Service) Wait(ctx context.Context, executionID string, opts WaitOptions) (any, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = ds.cfg.PollInterval
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	deadline := time.Time{}
	if opts.Timeout > 0 {
		deadline = timeNow().Add(opts.Timeout)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := ds.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		switch exec.Status {
		case StatusCompleted:
			return exec.Result, nil
		case StatusFailed:
			return nil, &DurableError{Kind: DurableErrFailed, ExecutionID: executionID, Reason: exec.Error}
		case StatusCancelled:
			return nil, &DurableError{Kind: DurableErrCancelled, ExecutionID: executionID, Reason: exec.Error}
		case StatusCompensationFailed:
			return nil, &DurableError{Kind: DurableErrCompensationFailed, ExecutionID: executionID, Reason: exec.Error}
		}

		if !deadline.IsZero() && timeNow().After(deadline) {
			return nil, &DurableError{Kind: DurableErrTimeout, ExecutionID: executionID, Reason: "wait timed out"}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartAndWait starts an execution and blocks until it settles.
func (ds *Service) StartAndWait(ctx context.Context, taskID string, input any, start StartOptions, wait WaitOptions) (any, error) {
	id, err := ds.Start(ctx, taskID, input, start)
	if err != nil {
		return nil, err
	}
	return ds.Wait(ctx, id, wait)
}

// Execute is an alias for StartAndWait with zero-value wait options.
func (ds *Service) Execute(ctx context.Context, taskID string, input any) (any, error) {
	return ds.StartAndWait(ctx, taskID, input, StartOptions{}, WaitOptions{})
}

// CancelExecution atomically moves executionID to cancelled unless it's
// already terminal.
func (ds *Service) CancelExecution(ctx context.Context, executionID, reason string) error {
	return ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
		if isTerminal(e.Status) {
			return
		}
		e.Status = StatusCancelled
		e.Error = reason
		e.UpdatedAt = timeNow()
	})
}

// Signal delivers payload to an execution waiting on eventID.
func (ds *Service) Signal(ctx context.Context, executionID, eventID string, payload any) error {
	exec, err := ds.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	stepID := SignalStepID(eventID, exec.Attempt)
	if err := ds.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result:      payload,
		Marker:      "delivered",
		CompletedAt: timeNow(),
	}); err != nil {
		return err
	}
	ds.audit(ctx, executionID, AuditSignalDelivered, eventID)
	return ds.ProcessExecution(ctx, executionID)
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCompensationFailed:
		return true
	default:
		return false
	}
}

func (ds *Service) audit(ctx context.Context, executionID string, kind AuditKind, msg string) {
	_ = ds.store.AppendAuditEntry(ctx, &AuditEntry{ExecutionID: executionID, Kind: kind, Message: msg, At: timeNow()})
}

// ProcessExecution is the durable state machine's single step: load,
// transition to running, run the task with a bound DurableContext, and
// react to its outcome. Safe to call concurrently for the same id from
// multiple workers -- only the worker that wins the pending/sleeping →
// running transition proceeds.
func (ds *Service) ProcessExecution(ctx context.Context, executionID string) error {
	exec, err := ds.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if isTerminal(exec.Status) {
		return nil
	}

	claimed := false
	if err := ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
		if e.Status == StatusPending || e.Status == StatusSleeping {
			e.Status = StatusRunning
			e.UpdatedAt = timeNow()
			claimed = true
		}
	}); err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	ds.audit(ctx, executionID, AuditExecutionStatusChanged, "running")

	ds.mu.Lock()
	entry, ok := ds.tasks[exec.TaskID]
	ds.mu.Unlock()
	if !ok {
		return ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
			e.Status = StatusFailed
			e.Error = fmt.Sprintf("no durable task registered for id %q", exec.TaskID)
			e.UpdatedAt = timeNow()
		})
	}

	determinism := DeterminismAllow
	if ds.cfg.Deterministic {
		determinism = DeterminismError
	}
	dc := &DurableContext{
		ExecutionID: executionID,
		Attempt:     exec.Attempt,
		store:       ds.store,
		bus:         ds.bus,
		determinism: determinism,
		reporter:    ds.reporter,
	}
	taskCtx := dc.Provide(ctx)

	result, runErr := entry.run(taskCtx, exec.Input)

	if runErr == nil {
		return ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
			if isTerminal(e.Status) {
				return
			}
			e.Status = StatusCompleted
			e.Result = result
			completedAt := timeNow()
			e.CompletedAt = &completedAt
			e.UpdatedAt = completedAt
		})
	}

	if _, suspended := runErr.(*SuspensionSignal); suspended {
		return ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
			if isTerminal(e.Status) {
				return
			}
			e.Status = StatusSleeping
			e.UpdatedAt = timeNow()
		})
	}

	if rollbackErr := dc.Rollback(ctx); rollbackErr != nil {
		ds.report(rollbackErr)
		return ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
			if isTerminal(e.Status) {
				return
			}
			e.Status = StatusCompensationFailed
			e.Error = rollbackErr.Error()
			e.UpdatedAt = timeNow()
		})
	}

	return ds.store.UpdateExecution(ctx, executionID, func(e *Execution) {
		if isTerminal(e.Status) {
			return
		}
		if e.Attempt+1 < e.MaxAttempts {
			e.Attempt++
			e.Status = StatusPending
		} else {
			e.Status = StatusFailed
			e.Error = runErr.Error()
		}
		e.UpdatedAt = timeNow()
	})
}

// Recover scans incomplete executions and re-processes them; used after a
// crash to resume whatever was in flight.
func (ds *Service) Recover(ctx context.Context) error {
	incomplete, err := ds.store.ListIncompleteExecutions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, exec := range incomplete {
		if err := ds.ProcessExecution(ctx, exec.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &corerun.AggregateError{Errors: errs}
}
