// Package cronsched supplies durable.NextRunFunc for cron-pattern
// Schedules via github.com/robfig/cron/v3's standard five-field parser.
// Interval schedules never reach this package; durable.DefaultNextRun
// resolves those directly from a parsed time.Duration.
package cronsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pumped-fn/corerun/durable"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun implements durable.NextRunFunc for durable.ScheduleCron patterns,
// delegating ScheduleInterval ones to durable.DefaultNextRun so a Service
// wired with WithNextRunFunc(cronsched.NextRun) supports both kinds.
func NextRun(scheduleType durable.ScheduleType, pattern string, after time.Time) (time.Time, error) {
	if scheduleType != durable.ScheduleCron {
		return durable.DefaultNextRun(scheduleType, pattern, after)
	}
	sched, err := parser.Parse(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron pattern %q: %w", pattern, err)
	}
	return sched.Next(after), nil
}
