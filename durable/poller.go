package durable

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pumped-fn/corerun"
)

// Poller periodically scans the Store for Timers whose FireAt has passed,
// claims them so only one worker acts on each, and either resumes the
// execution they belong to or materializes a fresh one from a Schedule.
// Grounded on the teacher's health-monitor poll loop (monitor.go's
// ticker-driven scan-and-act cycle), generalized from health checks to
// durable timer dispatch.
type Poller struct {
	store    Store
	service  *Service
	workerID string
	interval time.Duration
	claimTTL time.Duration
	log      zerolog.Logger
}

// NewPoller builds a Poller bound to service's Store and task registry.
func NewPoller(service *Service, workerID string, cfg corerun.DurableConfig, log zerolog.Logger) *Poller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 30 * time.Second
	}
	return &Poller{
		store:    service.store,
		service:  service,
		workerID: workerID,
		interval: interval,
		claimTTL: claimTTL,
		log:      log.With().Str("component", "durable.poller").Logger(),
	}
}

// Run blocks, scanning for ready timers every interval until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.log.Error().Err(err).Msg("poller tick failed")
			}
		}
	}
}

// Tick runs a single scan-claim-dispatch pass; exported so tests and a
// one-shot CLI invocation can drive the poller without waiting on a
// ticker.
func (p *Poller) Tick(ctx context.Context) error {
	now := timeNow()
	ready, err := p.store.GetReadyTimers(ctx, now.UnixMilli())
	if err != nil {
		return err
	}

	for _, timer := range ready {
		claimed, err := p.store.ClaimTimer(ctx, timer.ID, p.workerID, p.claimTTL.Milliseconds())
		if err != nil {
			p.log.Error().Err(err).Str("timer", timer.ID).Msg("claim failed")
			continue
		}
		if !claimed {
			continue
		}
		if err := p.dispatch(ctx, timer); err != nil {
			p.log.Error().Err(err).Str("timer", timer.ID).Str("type", string(timer.Type)).Msg("dispatch failed")
		}
	}
	return nil
}

func (p *Poller) dispatch(ctx context.Context, timer *Timer) error {
	switch timer.Type {
	case TimerSleep:
		return p.dispatchSleep(ctx, timer)
	case TimerSignalTimeout:
		return p.dispatchSignalTimeout(ctx, timer)
	case TimerScheduled:
		return p.dispatchScheduled(ctx, timer)
	case TimerKickoffFailsafe:
		return p.dispatchKickoff(ctx, timer)
	default:
		return nil
	}
}

func (p *Poller) dispatchSleep(ctx context.Context, timer *Timer) error {
	if err := p.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}
	sleepStepID := sleepStepIDFromTimerID(timer.ID, timer.ExecutionID)
	if err := p.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: timer.ExecutionID,
		StepID:      sleepStepID,
		Marker:      "fired",
		CompletedAt: timeNow(),
	}); err != nil {
		return err
	}
	p.service.audit(ctx, timer.ExecutionID, AuditSleepCompleted, sleepStepID)
	return p.service.ProcessExecution(ctx, timer.ExecutionID)
}

func (p *Poller) dispatchSignalTimeout(ctx context.Context, timer *Timer) error {
	if err := p.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}
	stepID := signalStepIDFromTimerID(timer.ID, timer.ExecutionID)
	existing, ok, err := p.store.GetStepResult(ctx, timer.ExecutionID, stepID)
	if err != nil {
		return err
	}
	if ok && existing.Marker == "delivered" {
		// signal already arrived before the timeout fired; nothing to do.
		return nil
	}
	if err := p.store.SaveStepResult(ctx, &StepResult{
		ExecutionID: timer.ExecutionID,
		StepID:      stepID,
		Marker:      "timed_out",
		CompletedAt: timeNow(),
	}); err != nil {
		return err
	}
	p.service.audit(ctx, timer.ExecutionID, AuditSignalTimedOut, stepID)
	return p.service.ProcessExecution(ctx, timer.ExecutionID)
}

func (p *Poller) dispatchScheduled(ctx context.Context, timer *Timer) error {
	if err := p.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}
	sched, err := p.store.GetSchedule(ctx, timer.ScheduleID)
	if err != nil {
		return err
	}
	if sched == nil || sched.Status != ScheduleActive {
		return nil
	}
	if !sched.NextRun.Equal(timer.FireAt) {
		// a pause/resume or update raced ahead of this timer; skip it,
		// the current NextRun already has its own timer armed.
		return nil
	}

	if _, err := p.service.Start(ctx, sched.TaskID, sched.Input, StartOptions{}); err != nil {
		return err
	}

	next, err := p.service.computeNextRun(sched.Type, sched.Pattern, timeNow())
	if err != nil {
		return err
	}
	return p.store.UpdateSchedule(ctx, sched.ID, func(s *Schedule) {
		s.NextRun = next
		s.UpdatedAt = timeNow()
	})
}

func (p *Poller) dispatchKickoff(ctx context.Context, timer *Timer) error {
	if err := p.store.MarkTimerFired(ctx, timer.ID); err != nil {
		return err
	}
	return p.service.ProcessExecution(ctx, timer.ExecutionID)
}

func sleepStepIDFromTimerID(timerID, executionID string) string {
	return trimPrefix(timerID, executionID+":")
}

func signalStepIDFromTimerID(timerID, executionID string) string {
	return trimSuffix(trimPrefix(timerID, executionID+":"), ":timeout")
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func trimSuffix(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}
