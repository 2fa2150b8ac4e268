package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun/durable"
)

func TestStoreExecutionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	exec := &durable.Execution{ID: "exec-1", TaskID: "task-a", Status: durable.StatusPending, MaxAttempts: 3}
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "task-a", got.TaskID)

	got.TaskID = "mutated"
	reread, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "task-a", reread.TaskID, "GetExecution must return a defensive copy")

	require.NoError(t, store.UpdateExecution(ctx, "exec-1", func(e *durable.Execution) {
		e.Status = durable.StatusCompleted
	}))
	incomplete, err := store.ListIncompleteExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestStoreTimerClaimIsExclusive(t *testing.T) {
	store := New()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateTimer(ctx, &durable.Timer{
		ID: "timer-1", Type: durable.TimerSleep, ExecutionID: "exec-1", FireAt: past, Status: durable.TimerPending,
	}))

	claimed, err := store.ClaimTimer(ctx, "timer-1", "worker-a", 10_000)
	require.NoError(t, err)
	require.True(t, claimed)

	claimedAgain, err := store.ClaimTimer(ctx, "timer-1", "worker-b", 10_000)
	require.NoError(t, err)
	require.False(t, claimedAgain)
}

func TestBusPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var received []string

	unsubA, err := bus.Subscribe(context.Background(), "ch", func(msg durable.BusMessage) {
		mu.Lock()
		received = append(received, "a:"+msg.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubA()

	unsubB, err := bus.Subscribe(context.Background(), "ch", func(msg durable.BusMessage) {
		mu.Lock()
		received = append(received, "b:"+msg.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubB()

	require.NoError(t, bus.Publish(context.Background(), "ch", durable.BusMessage{Type: "ping"}))

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"a:ping", "b:ping"}, received)
}

func TestQueueRedeliversUntilMaxAttempts(t *testing.T) {
	queue := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	stop, err := queue.Consume(ctx, func(ctx context.Context, msg durable.QueueMessage) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return context.DeadlineExceeded
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, queue.Enqueue(ctx, durable.QueueMessage{ID: "1", ExecutionID: "exec-1", MaxAttempts: 5}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never successfully processed")
	}

	cancel()
	stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, attempts)
}
