// Package redisstore implements durable.Store and durable.EventBus on top
// of github.com/redis/go-redis/v9, so a durable engine's state survives
// process restarts and can be shared across workers. Grounded on the
// evalgo-org-eve redis queue package's client-wrapping and key-prefix
// conventions; ZSET-scored timers are this package's adaptation of that
// package's ZAdd/ZRem processing-deadline pattern to timer scheduling.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pumped-fn/corerun/durable"
)

// Store is a Redis-backed durable.Store. Executions, step results, and
// schedules are stored as JSON-encoded string keys; timers are tracked in
// a sorted set keyed by FireAt so GetReadyTimers is a single ZRANGEBYSCORE.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing redis.Client. prefix namespaces every key this
// Store touches, so multiple durable engines can share one Redis instance.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "corerun:durable:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p + ":"
	}
	return k[:len(k)-1]
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func (s *Store) SaveExecution(ctx context.Context, exec *durable.Execution) error {
	if err := s.setJSON(ctx, s.key("exec", exec.ID), exec); err != nil {
		return err
	}
	if !isTerminalStatus(exec.Status) {
		return s.client.SAdd(ctx, s.key("exec", "incomplete"), exec.ID).Err()
	}
	return s.client.SRem(ctx, s.key("exec", "incomplete"), exec.ID).Err()
}

func (s *Store) GetExecution(ctx context.Context, id string) (*durable.Execution, error) {
	var exec durable.Execution
	ok, err := s.getJSON(ctx, s.key("exec", id), &exec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &durable.DurableError{Kind: durable.DurableErrCancelled, ExecutionID: id, Reason: "execution not found"}
	}
	return &exec, nil
}

func (s *Store) UpdateExecution(ctx context.Context, id string, patch func(*durable.Execution)) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	patch(exec)
	return s.SaveExecution(ctx, exec)
}

func (s *Store) ListIncompleteExecutions(ctx context.Context) ([]*durable.Execution, error) {
	ids, err := s.client.SMembers(ctx, s.key("exec", "incomplete")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*durable.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func isTerminalStatus(st durable.Status) bool {
	switch st {
	case durable.StatusCompleted, durable.StatusFailed, durable.StatusCancelled, durable.StatusCompensationFailed:
		return true
	default:
		return false
	}
}

func (s *Store) GetStepResult(ctx context.Context, executionID, stepID string) (*durable.StepResult, bool, error) {
	var res durable.StepResult
	ok, err := s.getJSON(ctx, s.key("step", executionID, stepID), &res)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &res, true, nil
}

func (s *Store) SaveStepResult(ctx context.Context, result *durable.StepResult) error {
	return s.setJSON(ctx, s.key("step", result.ExecutionID, result.StepID), result)
}

func (s *Store) CreateTimer(ctx context.Context, timer *durable.Timer) error {
	if err := s.setJSON(ctx, s.key("timer", timer.ID), timer); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.key("timers", "pending"), redis.Z{
		Score:  float64(timer.FireAt.UnixMilli()),
		Member: timer.ID,
	}).Err()
}

func (s *Store) GetReadyTimers(ctx context.Context, now int64) ([]*durable.Timer, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.key("timers", "pending"), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*durable.Timer, 0, len(ids))
	for _, id := range ids {
		var t durable.Timer
		ok, err := s.getJSON(ctx, s.key("timer", id), &t)
		if err != nil || !ok || t.Status != durable.TimerPending {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttlMillis int64) (bool, error) {
	lockKey := s.key("timer", id, "lock")
	ok, err := s.client.SetNX(ctx, lockKey, workerID, time.Duration(ttlMillis)*time.Millisecond).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	var t durable.Timer
	ok, err := s.getJSON(ctx, s.key("timer", id), &t)
	if err != nil || !ok {
		return err
	}
	t.Status = durable.TimerFired
	if err := s.setJSON(ctx, s.key("timer", id), &t); err != nil {
		return err
	}
	return s.client.ZRem(ctx, s.key("timers", "pending"), id).Err()
}

func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key("timer", id)).Err(); err != nil {
		return err
	}
	return s.client.ZRem(ctx, s.key("timers", "pending"), id).Err()
}

func (s *Store) CreateSchedule(ctx context.Context, sched *durable.Schedule) error {
	if err := s.setJSON(ctx, s.key("schedule", sched.ID), sched); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("schedules"), sched.ID).Err()
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*durable.Schedule, error) {
	var sched durable.Schedule
	ok, err := s.getJSON(ctx, s.key("schedule", id), &sched)
	if err != nil || !ok {
		return nil, err
	}
	return &sched, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, id string, patch func(*durable.Schedule)) error {
	sched, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched == nil {
		return &durable.DurableError{Kind: durable.DurableErrCancelled, ExecutionID: id, Reason: "schedule not found"}
	}
	patch(sched)
	return s.setJSON(ctx, s.key("schedule", id), sched)
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key("schedule", id)).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.key("schedules"), id).Err()
}

func (s *Store) ListSchedules(ctx context.Context) ([]*durable.Schedule, error) {
	ids, err := s.client.SMembers(ctx, s.key("schedules")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*durable.Schedule, 0, len(ids))
	for _, id := range ids {
		sched, err := s.GetSchedule(ctx, id)
		if err != nil || sched == nil {
			continue
		}
		out = append(out, sched)
	}
	return out, nil
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*durable.Schedule, error) {
	all, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sc := range all {
		if sc.Status == durable.ScheduleActive {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, executionID string) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, s.key("idempotency", key), executionID, 0).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", false, nil
	}
	existing, err := s.client.Get(ctx, s.key("idempotency", key)).Result()
	if err != nil {
		return "", false, err
	}
	return existing, true, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry *durable.AuditEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key("audit", entry.ExecutionID), raw).Err()
}

func (s *Store) ListAuditEntries(ctx context.Context, executionID string) ([]*durable.AuditEntry, error) {
	raws, err := s.client.LRange(ctx, s.key("audit", executionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*durable.AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var entry durable.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, &entry)
	}
	return out, nil
}

// Bus is a durable.EventBus backed by Redis pub/sub.
type Bus struct {
	client  *redis.Client
	onError func(channel string, err error)
}

// NewBus wraps client as a durable.EventBus.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, channel string, msg durable.BusMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, raw).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(durable.BusMessage)) (func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg durable.BusMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					if b.onError != nil {
						b.onError(channel, err)
					}
					continue
				}
				handler(msg)
			}
		}
	}()
	return func() {
		_ = sub.Close()
		<-done
	}, nil
}

func (b *Bus) OnHandlerError(fn func(channel string, err error)) {
	b.onError = fn
}
