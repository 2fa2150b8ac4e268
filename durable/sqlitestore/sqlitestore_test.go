package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun/durable"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "durable.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreExecutionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	exec := &durable.Execution{
		ID: "exec-1", TaskID: "task-a", Input: map[string]any{"n": float64(3)},
		Status: durable.StatusPending, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "task-a", got.TaskID)
	require.Equal(t, map[string]any{"n": float64(3)}, got.Input)

	incomplete, err := store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)

	require.NoError(t, store.UpdateExecution(ctx, "exec-1", func(e *durable.Execution) {
		e.Status = durable.StatusCompleted
		e.Result = "done"
	}))

	incomplete, err = store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, incomplete)

	got, err = store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "done", got.Result)
}

func TestStoreStepResultMemoization(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetStepResult(ctx, "exec-1", "step-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SaveStepResult(ctx, &durable.StepResult{
		ExecutionID: "exec-1", StepID: "step-a", Result: "value", CompletedAt: time.Now(),
	}))

	res, ok, err := store.GetStepResult(ctx, "exec-1", "step-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", res.Result)
}

func TestStoreTimerClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateTimer(ctx, &durable.Timer{
		ID: "timer-1", Type: durable.TimerSleep, ExecutionID: "exec-1", FireAt: past, Status: durable.TimerPending,
	}))

	ready, err := store.GetReadyTimers(ctx, time.Now().UnixMilli())
	require.NoError(t, err)
	require.Len(t, ready, 1)

	claimed, err := store.ClaimTimer(ctx, "timer-1", "worker-a", 10_000)
	require.NoError(t, err)
	require.True(t, claimed)

	claimedAgain, err := store.ClaimTimer(ctx, "timer-1", "worker-b", 10_000)
	require.NoError(t, err)
	require.False(t, claimedAgain)
}

func TestStoreIdempotencyReservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	existing, existed, err := store.ReserveIdempotencyKey(ctx, "key-1", "exec-1")
	require.NoError(t, err)
	require.False(t, existed)
	require.Empty(t, existing)

	existing, existed, err = store.ReserveIdempotencyKey(ctx, "key-1", "exec-2")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, "exec-1", existing)
}

func TestScheduleLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	sched := &durable.Schedule{
		ID: "sched-1", TaskID: "task-a", Type: durable.ScheduleInterval, Pattern: "1h",
		Status: durable.ScheduleActive, NextRun: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateSchedule(ctx, sched))

	got, err := store.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.Equal(t, "task-a", got.TaskID)

	require.NoError(t, store.UpdateSchedule(ctx, "sched-1", func(s *durable.Schedule) {
		s.Status = durable.SchedulePaused
	}))

	active, err := store.ListActiveSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}
