package durable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun/durable/memstore"
)

func TestStepMemoizesAcrossCalls(t *testing.T) {
	store := memstore.New()
	dc := &DurableContext{ExecutionID: "exec-1", store: store}
	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, &Execution{ID: "exec-1", Status: StatusRunning}))

	calls := 0
	run := func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v1, err := Step(ctx, dc, "double", run)
	require.NoError(t, err)
	require.Equal(t, 42, v1)

	v2, err := Step(ctx, dc, "double", run)
	require.NoError(t, err)
	require.Equal(t, 42, v2)
	require.Equal(t, 1, calls, "fn must not be called again once a result is memoized")
}

func TestStepWithCompensationRollsBackInReverseOrder(t *testing.T) {
	store := memstore.New()
	dc := &DurableContext{ExecutionID: "exec-1", store: store}
	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, &Execution{ID: "exec-1", Status: StatusRunning}))

	var order []string

	_, err := StepWithCompensation(ctx, dc, "reserve", func(ctx context.Context) (string, error) {
		return "reserved", nil
	}, func(ctx context.Context, result string) error {
		order = append(order, "undo:"+result)
		return nil
	})
	require.NoError(t, err)

	_, err = StepWithCompensation(ctx, dc, "charge", func(ctx context.Context) (string, error) {
		return "charged", nil
	}, func(ctx context.Context, result string) error {
		order = append(order, "undo:"+result)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, dc.Rollback(ctx))
	require.Equal(t, []string{"undo:charged", "undo:reserved"}, order)
}

func TestSleepSuspendsThenReplaysAfterTimerFires(t *testing.T) {
	store := memstore.New()
	dc := &DurableContext{ExecutionID: "exec-1", store: store}
	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, &Execution{ID: "exec-1", Status: StatusRunning}))

	err := Sleep(ctx, dc, time.Hour, "nap")
	require.Error(t, err)
	_, suspended := err.(*SuspensionSignal)
	require.True(t, suspended)

	err = Sleep(ctx, dc, time.Hour, "nap")
	require.Error(t, err, "sleep re-entered before its timer fires must suspend again, not proceed")
	_, suspended = err.(*SuspensionSignal)
	require.True(t, suspended)

	require.NoError(t, store.SaveStepResult(ctx, &StepResult{ExecutionID: "exec-1", StepID: "nap", Marker: "fired", CompletedAt: timeNow()}))

	err = Sleep(ctx, dc, time.Hour, "nap")
	require.NoError(t, err, "sleep must return nil once its timer has fired")
}

func TestWaitForSignalDeliveredUnblocksOnReplay(t *testing.T) {
	store := memstore.New()
	dc := &DurableContext{ExecutionID: "exec-1", store: store, Attempt: 0}
	ctx := context.Background()
	require.NoError(t, store.SaveExecution(ctx, &Execution{ID: "exec-1", Status: StatusRunning}))

	_, err := WaitForSignal(ctx, dc, "approval", nil)
	require.Error(t, err)
	_, suspended := err.(*SuspensionSignal)
	require.True(t, suspended)

	stepID := SignalStepID("approval", 0)
	require.NoError(t, store.SaveStepResult(ctx, &StepResult{
		ExecutionID: "exec-1", StepID: stepID, Marker: "delivered", Result: "approved", CompletedAt: timeNow(),
	}))

	result, err := WaitForSignal(ctx, dc, "approval", nil)
	require.NoError(t, err)
	require.Equal(t, "signal", result.Kind)
	require.Equal(t, "approved", result.Payload)
}

func TestNextImplicitStepIDHonorsDeterminismMode(t *testing.T) {
	dc := &DurableContext{ExecutionID: "exec-1", determinism: DeterminismError}
	_, err := dc.nextImplicitStepID("sleep")
	require.Error(t, err)

	dc = &DurableContext{ExecutionID: "exec-1", determinism: DeterminismAllow}
	id, err := dc.nextImplicitStepID("sleep")
	require.NoError(t, err)
	require.Equal(t, "sleep#1", id)
}
