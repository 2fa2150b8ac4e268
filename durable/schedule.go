package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NextRunFunc computes a Schedule's next fire time from its pattern, the
// time it's being computed relative to, and its type. The cronsched
// adapter supplies the robfig/cron-backed implementation for
// ScheduleCron; ScheduleInterval is resolved in-package since it's just a
// parsed time.Duration.
type NextRunFunc func(scheduleType ScheduleType, pattern string, after time.Time) (time.Time, error)

// DefaultNextRun resolves ScheduleInterval patterns directly and defers
// ScheduleCron patterns to cron, which a caller must supply via
// WithNextRunFunc -- otherwise cron schedules fail fast rather than
// silently never firing.
func DefaultNextRun(scheduleType ScheduleType, pattern string, after time.Time) (time.Time, error) {
	switch scheduleType {
	case ScheduleInterval:
		d, err := time.ParseDuration(pattern)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse interval pattern %q: %w", pattern, err)
		}
		return after.Add(d), nil
	default:
		return time.Time{}, fmt.Errorf("cron schedules require durable.WithNextRunFunc(cronsched.NextRun)")
	}
}

// WithNextRunFunc overrides the schedule-advancement function, typically
// with cronsched.NextRun to support cron patterns.
func (ds *Service) WithNextRunFunc(fn NextRunFunc) *Service {
	ds.nextRun = fn
	return ds
}

// ScheduleSpec describes when a scheduled task should next (and
// subsequently) fire.
type ScheduleSpec struct {
	Cron     string
	Interval time.Duration
}

func (s ScheduleSpec) toScheduleFields() (ScheduleType, string, error) {
	switch {
	case s.Cron != "":
		return ScheduleCron, s.Cron, nil
	case s.Interval > 0:
		return ScheduleInterval, s.Interval.String(), nil
	default:
		return "", "", fmt.Errorf("schedule spec needs either Cron or Interval")
	}
}

// Schedule creates a new recurring Schedule for taskID, returning its id.
func (ds *Service) Schedule(ctx context.Context, taskID string, input any, spec ScheduleSpec) (string, error) {
	return ds.EnsureSchedule(ctx, uuid.NewString(), taskID, input, spec)
}

// EnsureSchedule creates or updates the Schedule identified by id,
// letting callers idempotently declare "this schedule should exist" at
// startup without creating duplicates on every boot.
func (ds *Service) EnsureSchedule(ctx context.Context, id, taskID string, input any, spec ScheduleSpec) (string, error) {
	scheduleType, pattern, err := spec.toScheduleFields()
	if err != nil {
		return "", err
	}
	nextRun, err := ds.computeNextRun(scheduleType, pattern, timeNow())
	if err != nil {
		return "", err
	}

	existing, err := ds.store.GetSchedule(ctx, id)
	if err == nil && existing != nil {
		if err := ds.store.UpdateSchedule(ctx, id, func(s *Schedule) {
			s.TaskID = taskID
			s.Type = scheduleType
			s.Pattern = pattern
			s.Input = input
			s.NextRun = nextRun
			s.UpdatedAt = timeNow()
		}); err != nil {
			return "", err
		}
		return id, nil
	}

	now := timeNow()
	sched := &Schedule{
		ID:        id,
		TaskID:    taskID,
		Type:      scheduleType,
		Pattern:   pattern,
		Input:     input,
		Status:    ScheduleActive,
		NextRun:   nextRun,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ds.store.CreateSchedule(ctx, sched); err != nil {
		return "", err
	}
	return id, nil
}

func (ds *Service) computeNextRun(scheduleType ScheduleType, pattern string, after time.Time) (time.Time, error) {
	if ds.nextRun != nil {
		return ds.nextRun(scheduleType, pattern, after)
	}
	return DefaultNextRun(scheduleType, pattern, after)
}

// PauseSchedule stops a Schedule from materializing further Timers.
func (ds *Service) PauseSchedule(ctx context.Context, id string) error {
	return ds.store.UpdateSchedule(ctx, id, func(s *Schedule) { s.Status = SchedulePaused; s.UpdatedAt = timeNow() })
}

// ResumeSchedule re-activates a paused Schedule, recomputing its next run
// from now so a long pause doesn't cause a burst of missed fires.
func (ds *Service) ResumeSchedule(ctx context.Context, id string) error {
	sched, err := ds.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	nextRun, err := ds.computeNextRun(sched.Type, sched.Pattern, timeNow())
	if err != nil {
		return err
	}
	return ds.store.UpdateSchedule(ctx, id, func(s *Schedule) {
		s.Status = ScheduleActive
		s.NextRun = nextRun
		s.UpdatedAt = timeNow()
	})
}

// ListSchedules returns every registered schedule.
func (ds *Service) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return ds.store.ListSchedules(ctx)
}

// UpdateSchedule replaces id's task/input/spec, recomputing its next run.
func (ds *Service) UpdateSchedule(ctx context.Context, id, taskID string, input any, spec ScheduleSpec) error {
	scheduleType, pattern, err := spec.toScheduleFields()
	if err != nil {
		return err
	}
	nextRun, err := ds.computeNextRun(scheduleType, pattern, timeNow())
	if err != nil {
		return err
	}
	return ds.store.UpdateSchedule(ctx, id, func(s *Schedule) {
		s.TaskID = taskID
		s.Type = scheduleType
		s.Pattern = pattern
		s.Input = input
		s.NextRun = nextRun
		s.UpdatedAt = timeNow()
	})
}

// RemoveSchedule deletes a Schedule; already-materialized Timers are
// unaffected.
func (ds *Service) RemoveSchedule(ctx context.Context, id string) error {
	return ds.store.DeleteSchedule(ctx, id)
}
