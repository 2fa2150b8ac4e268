package durable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pumped-fn/corerun"
	"github.com/pumped-fn/corerun/durable/memstore"
)

func newScheduleTestService(t *testing.T) *Service {
	t.Helper()
	rt, err := corerun.Run(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Dispose(context.Background()) })
	return NewService(rt, memstore.New(), nil, nil, corerun.DurableConfig{MaxAttempts: 3}, nil)
}

func TestEnsureScheduleIsIdempotentByID(t *testing.T) {
	svc := newScheduleTestService(t)

	id1, err := svc.EnsureSchedule(context.Background(), "daily-report", "report", nil, ScheduleSpec{Interval: time.Hour})
	require.NoError(t, err)

	id2, err := svc.EnsureSchedule(context.Background(), "daily-report", "report", nil, ScheduleSpec{Interval: 2 * time.Hour})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	sched, err := svc.store.GetSchedule(context.Background(), "daily-report")
	require.NoError(t, err)
	require.Equal(t, "2h0m0s", sched.Pattern)
}

func TestPauseAndResumeSchedule(t *testing.T) {
	svc := newScheduleTestService(t)

	id, err := svc.Schedule(context.Background(), "report", nil, ScheduleSpec{Interval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, svc.PauseSchedule(context.Background(), id))
	active, err := svc.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, SchedulePaused, active[0].Status)

	require.NoError(t, svc.ResumeSchedule(context.Background(), id))
	sched, err := svc.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ScheduleActive, sched.Status)
}

func TestRemoveScheduleDeletesIt(t *testing.T) {
	svc := newScheduleTestService(t)

	id, err := svc.Schedule(context.Background(), "report", nil, ScheduleSpec{Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.RemoveSchedule(context.Background(), id))

	sched, err := svc.store.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, sched)
}

func TestScheduleSpecRequiresCronOrInterval(t *testing.T) {
	svc := newScheduleTestService(t)
	_, err := svc.Schedule(context.Background(), "report", nil, ScheduleSpec{})
	require.Error(t, err)
}
