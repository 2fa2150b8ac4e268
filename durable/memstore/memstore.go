// Package memstore is an in-memory durable.Store, durable.EventBus, and
// durable.Queue, useful for tests and single-process demos. Grounded on
// the teacher's cli-tasks storage.MemoryStorage: a mutex-guarded map
// copied defensively on read so callers can't mutate internal state
// through a returned pointer.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pumped-fn/corerun/durable"
)

type stepKey struct {
	executionID string
	stepID      string
}

// Store is a sync.RWMutex-guarded in-memory implementation of
// durable.Store.
type Store struct {
	mu sync.RWMutex

	executions map[string]*durable.Execution
	steps      map[stepKey]*durable.StepResult
	timers     map[string]*durable.Timer
	schedules  map[string]*durable.Schedule
	idempotent map[string]string
	audit      map[string][]*durable.AuditEntry
}

// New builds an empty in-memory Store.
func New() *Store {
	return &Store{
		executions: make(map[string]*durable.Execution),
		steps:      make(map[stepKey]*durable.StepResult),
		timers:     make(map[string]*durable.Timer),
		schedules:  make(map[string]*durable.Schedule),
		idempotent: make(map[string]string),
		audit:      make(map[string][]*durable.AuditEntry),
	}
}

func cloneExecution(e *durable.Execution) *durable.Execution {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

func (s *Store) SaveExecution(ctx context.Context, exec *durable.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*durable.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, &durable.DurableError{Kind: durable.DurableErrCancelled, ExecutionID: id, Reason: "execution not found"}
	}
	return cloneExecution(exec), nil
}

func (s *Store) UpdateExecution(ctx context.Context, id string, patch func(*durable.Execution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return &durable.DurableError{Kind: durable.DurableErrCancelled, ExecutionID: id, Reason: "execution not found"}
	}
	patch(exec)
	return nil
}

func (s *Store) ListIncompleteExecutions(ctx context.Context) ([]*durable.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*durable.Execution
	for _, e := range s.executions {
		switch e.Status {
		case durable.StatusCompleted, durable.StatusFailed, durable.StatusCancelled, durable.StatusCompensationFailed:
			continue
		}
		out = append(out, cloneExecution(e))
	}
	return out, nil
}

func (s *Store) GetStepResult(ctx context.Context, executionID, stepID string) (*durable.StepResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.steps[stepKey{executionID, stepID}]
	if !ok {
		return nil, false, nil
	}
	clone := *res
	return &clone, true, nil
}

func (s *Store) SaveStepResult(ctx context.Context, result *durable.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *result
	s.steps[stepKey{result.ExecutionID, result.StepID}] = &clone
	return nil
}

func (s *Store) CreateTimer(ctx context.Context, timer *durable.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *timer
	s.timers[timer.ID] = &clone
	return nil
}

func (s *Store) GetReadyTimers(ctx context.Context, now int64) ([]*durable.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.UnixMilli(now)
	var out []*durable.Timer
	for _, t := range s.timers {
		if t.Status == durable.TimerPending && !t.FireAt.After(cutoff) {
			clone := *t
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttlMillis int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok || t.Status != durable.TimerPending {
		return false, nil
	}
	now := time.Now()
	if t.ClaimedBy != "" && t.ClaimExpiresAt.After(now) {
		return false, nil
	}
	t.ClaimedBy = workerID
	t.ClaimExpiresAt = now.Add(time.Duration(ttlMillis) * time.Millisecond)
	return true, nil
}

func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Status = durable.TimerFired
	}
	return nil
}

func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
	return nil
}

func (s *Store) CreateSchedule(ctx context.Context, sched *durable.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sched
	s.schedules[sched.ID] = &clone
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*durable.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	clone := *sched
	return &clone, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, id string, patch func(*durable.Schedule)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return &durable.DurableError{Kind: durable.DurableErrCancelled, ExecutionID: id, Reason: "schedule not found"}
	}
	patch(sched)
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*durable.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*durable.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		clone := *sc
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*durable.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*durable.Schedule
	for _, sc := range s.schedules {
		if sc.Status == durable.ScheduleActive {
			clone := *sc
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, executionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idempotent[key]; ok {
		return existing, true, nil
	}
	s.idempotent[key] = executionID
	return "", false, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry *durable.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.audit[entry.ExecutionID] = append(s.audit[entry.ExecutionID], &clone)
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, executionID string) ([]*durable.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[executionID]
	out := make([]*durable.AuditEntry, len(entries))
	for i, e := range entries {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

// Bus is an in-process durable.EventBus: Publish fans payload out to every
// Subscribe'd handler on the same channel synchronously.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]func(durable.BusMessage)
	onError  func(channel string, err error)
}

// NewBus builds an empty in-process Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[string]func(durable.BusMessage))}
}

func (b *Bus) Publish(ctx context.Context, channel string, msg durable.BusMessage) error {
	b.mu.RLock()
	handlers := make([]func(durable.BusMessage), 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && b.onError != nil {
					b.onError(channel, panicToError(r))
				}
			}()
			h(msg)
		}()
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(durable.BusMessage)) (func(), error) {
	id := uuid.NewString()
	b.mu.Lock()
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[string]func(durable.BusMessage))
	}
	b.handlers[channel][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers[channel], id)
		b.mu.Unlock()
	}, nil
}

func (b *Bus) OnHandlerError(fn func(channel string, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &durable.DurableError{Reason: "bus handler panicked"}
}

// Queue is an in-process durable.Queue backed by a buffered channel, with
// at-least-once redelivery up to MaxAttempts on handler error.
type Queue struct {
	ch chan durable.QueueMessage
}

// NewQueue builds a Queue with the given channel buffer size.
func NewQueue(buffer int) *Queue {
	return &Queue{ch: make(chan durable.QueueMessage, buffer)}
}

func (q *Queue) Enqueue(ctx context.Context, msg durable.QueueMessage) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Consume(ctx context.Context, handler func(ctx context.Context, msg durable.QueueMessage) error) (func(), error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q.ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg); err != nil {
					msg.Attempts++
					if msg.MaxAttempts == 0 || msg.Attempts < msg.MaxAttempts {
						select {
						case q.ch <- msg:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return func() { <-done }, nil
}
