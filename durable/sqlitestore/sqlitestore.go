// Package sqlitestore implements durable.Store on top of
// database/sql with the github.com/mattn/go-sqlite3 driver, giving a
// single-process durable engine a persistence layer that survives
// restarts without an external database. Grounded on the teacher's
// health-monitor database.go/repositories.go: a NewDB that opens, pings,
// and migrates the schema, plus one repository-shaped method set per
// table, JSON-encoding the payload columns that Store's generic any
// fields (Execution.Input/Result, AuditEntry.Meta) don't map to scalar
// SQL columns.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pumped-fn/corerun/durable"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	input TEXT,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	idempotency_key TEXT,
	result TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_incomplete ON executions(status) WHERE status NOT IN ('completed', 'failed', 'cancelled', 'compensation_failed');
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idempotency ON executions(idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != '';

CREATE TABLE IF NOT EXISTS step_results (
	execution_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	result TEXT,
	marker TEXT,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (execution_id, step_id)
);

CREATE TABLE IF NOT EXISTS timers (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	schedule_id TEXT,
	task_id TEXT,
	input TEXT,
	fire_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	claimed_by TEXT,
	claim_expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_timers_ready ON timers(status, fire_at);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	type TEXT NOT NULL,
	pattern TEXT NOT NULL,
	input TEXT,
	status TEXT NOT NULL,
	next_run INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	execution_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT,
	meta TEXT,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_execution ON audit_entries(execution_id, at);
`

// Store is a database/sql-backed durable.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply durable schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func marshalAny(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func unmarshalAny(ns sql.NullString) (any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) SaveExecution(ctx context.Context, exec *durable.Execution) error {
	input, err := marshalAny(exec.Input)
	if err != nil {
		return err
	}
	result, err := marshalAny(exec.Result)
	if err != nil {
		return err
	}
	var completedAt sql.NullInt64
	if exec.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: exec.CompletedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, input, status, attempt, max_attempts, idempotency_key, result, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id, input = excluded.input, status = excluded.status,
			attempt = excluded.attempt, max_attempts = excluded.max_attempts,
			idempotency_key = excluded.idempotency_key, result = excluded.result,
			error = excluded.error, updated_at = excluded.updated_at, completed_at = excluded.completed_at
	`, exec.ID, exec.TaskID, input, string(exec.Status), exec.Attempt, exec.MaxAttempts,
		exec.IdempotencyKey, result, exec.Error, exec.CreatedAt.UnixMilli(), exec.UpdatedAt.UnixMilli(), completedAt)
	return err
}

func (s *Store) scanExecution(row interface {
	Scan(dest ...any) error
}) (*durable.Execution, error) {
	var (
		exec                               durable.Execution
		status, idempotencyKey, errMsg      string
		input, result                       sql.NullString
		createdAt, updatedAt               int64
		completedAt                        sql.NullInt64
	)
	if err := row.Scan(&exec.ID, &exec.TaskID, &input, &status, &exec.Attempt, &exec.MaxAttempts,
		&idempotencyKey, &result, &errMsg, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	exec.Status = durable.Status(status)
	exec.IdempotencyKey = idempotencyKey
	exec.Error = errMsg
	exec.CreatedAt = time.UnixMilli(createdAt)
	exec.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		exec.CompletedAt = &t
	}
	var err error
	if exec.Input, err = unmarshalAny(input); err != nil {
		return nil, err
	}
	if exec.Result, err = unmarshalAny(result); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*durable.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, input, status, attempt, max_attempts, idempotency_key, result, error, created_at, updated_at, completed_at
		FROM executions WHERE id = ?`, id)
	exec, err := s.scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, &durable.DurableError{Kind: durable.DurableErrCancelled, ExecutionID: id, Reason: "execution not found"}
	}
	return exec, err
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, input, status, attempt, max_attempts, idempotency_key, result, error, created_at, updated_at, completed_at
		FROM executions WHERE status NOT IN ('completed', 'failed', 'cancelled', 'compensation_failed')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*durable.Execution
	for rows.Next() {
		exec, err := s.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *Store) GetStepResult(ctx context.Context, executionID, stepID string) (*durable.StepResult, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT result, marker, completed_at FROM step_results WHERE execution_id = ? AND step_id = ?`, executionID, stepID)
	var result sql.NullString
	var marker sql.NullString
	var completedAt int64
	if err := row.Scan(&result, &marker, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	value, err := unmarshalAny(result)
	if err != nil {
		return nil, false, err
	}
	return &durable.StepResult{
		ExecutionID: executionID,
		StepID:      stepID,
		Result:      value,
		Marker:      marker.String,
		CompletedAt: time.UnixMilli(completedAt),
	}, true, nil
}

func (s *Store) SaveStepResult(ctx context.Context, result *durable.StepResult) error {
	value, err := marshalAny(result.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_results (execution_id, step_id, result, marker, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_id) DO UPDATE SET result = excluded.result, marker = excluded.marker, completed_at = excluded.completed_at
	`, result.ExecutionID, result.StepID, value, result.Marker, result.CompletedAt.UnixMilli())
	return err
}

func (s *Store) CreateTimer(ctx context.Context, timer *durable.Timer) error {
	input, err := marshalAny(timer.Input)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timers (id, type, execution_id, schedule_id, task_id, input, fire_at, status, claimed_by, claim_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fire_at = excluded.fire_at, status = excluded.status
	`, timer.ID, string(timer.Type), timer.ExecutionID, timer.ScheduleID, timer.TaskID, input,
		timer.FireAt.UnixMilli(), string(timer.Status), timer.ClaimedBy, timer.ClaimExpiresAt.UnixMilli())
	return err
}

func (s *Store) GetReadyTimers(ctx context.Context, now int64) ([]*durable.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, execution_id, schedule_id, task_id, input, fire_at, status, claimed_by, claim_expires_at
		FROM timers WHERE status = ? AND fire_at <= ?`, string(durable.TimerPending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*durable.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTimer(row interface{ Scan(dest ...any) error }) (*durable.Timer, error) {
	var (
		t                                     durable.Timer
		timerType, status, scheduleID, taskID string
		claimedBy                             string
		input                                 sql.NullString
		fireAt, claimExpiresAt                int64
	)
	if err := row.Scan(&t.ID, &timerType, &t.ExecutionID, &scheduleID, &taskID, &input, &fireAt, &status, &claimedBy, &claimExpiresAt); err != nil {
		return nil, err
	}
	t.Type = durable.TimerType(timerType)
	t.Status = durable.TimerStatus(status)
	t.ScheduleID = scheduleID
	t.TaskID = taskID
	t.FireAt = time.UnixMilli(fireAt)
	t.ClaimedBy = claimedBy
	t.ClaimExpiresAt = time.UnixMilli(claimExpiresAt)
	var err error
	if t.Input, err = unmarshalAny(input); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ClaimTimer(ctx context.Context, id, workerID string, ttlMillis int64) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE timers SET claimed_by = ?, claim_expires_at = ?
		WHERE id = ? AND status = ? AND (claimed_by = '' OR claim_expires_at <= ?)
	`, workerID, now.Add(time.Duration(ttlMillis)*time.Millisecond).UnixMilli(), id, string(durable.TimerPending), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE timers SET status = ? WHERE id = ?`, string(durable.TimerFired), id)
	return err
}

func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	return err
}

func (s *Store) CreateSchedule(ctx context.Context, sched *durable.Schedule) error {
	input, err := marshalAny(sched.Input)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, task_id, type, pattern, input, status, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.TaskID, string(sched.Type), sched.Pattern, input, string(sched.Status), sched.NextRun.UnixMilli(), sched.CreatedAt.UnixMilli(), sched.UpdatedAt.UnixMilli())
	return err
}

func (s *Store) scanSchedule(row interface{ Scan(dest ...any) error }) (*durable.Schedule, error) {
	var (
		sched                     durable.Schedule
		scheduleType, status      string
		input                     sql.NullString
		nextRun, createdAt, updatedAt int64
	)
	if err := row.Scan(&sched.ID, &sched.TaskID, &scheduleType, &sched.Pattern, &input, &status, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sched.Type = durable.ScheduleType(scheduleType)
	sched.Status = durable.ScheduleStatus(status)
	sched.NextRun = time.UnixMilli(nextRun)
	sched.CreatedAt = time.UnixMilli(createdAt)
	sched.UpdatedAt = time.UnixMilli(updatedAt)
	var err error
	if sched.Input, err = unmarshalAny(input); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*durable.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, task_id, type, pattern, input, status, next_run, created_at, updated_at FROM schedules WHERE id = ?`, id)
	sched, err := s.scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sched, err
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
	input, err := marshalAny(sched.Input)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE schedules SET task_id = ?, type = ?, pattern = ?, input = ?, status = ?, next_run = ?, updated_at = ?
		WHERE id = ?
	`, sched.TaskID, string(sched.Type), sched.Pattern, input, string(sched.Status), sched.NextRun.UnixMilli(), sched.UpdatedAt.UnixMilli(), id)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *Store) ListSchedules(ctx context.Context) ([]*durable.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, type, pattern, input, status, next_run, created_at, updated_at FROM schedules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*durable.Schedule
	for rows.Next() {
		sched, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveSchedules(ctx context.Context) ([]*durable.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, type, pattern, input, status, next_run, created_at, updated_at FROM schedules WHERE status = ?`, string(durable.ScheduleActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*durable.Schedule
	for rows.Next() {
		sched, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) ReserveIdempotencyKey(ctx context.Context, key, executionID string) (string, bool, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_keys (key, execution_id) VALUES (?, ?)`, key, executionID)
	if err == nil {
		return "", false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT execution_id FROM idempotency_keys WHERE key = ?`, key)
	var existing string
	if scanErr := row.Scan(&existing); scanErr != nil {
		return "", false, fmt.Errorf("reserve idempotency key %q: insert failed (%v) and lookup failed: %w", key, err, scanErr)
	}
	return existing, true, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, entry *durable.AuditEntry) error {
	meta, err := marshalAny(entry.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (execution_id, kind, message, meta, at) VALUES (?, ?, ?, ?, ?)
	`, entry.ExecutionID, string(entry.Kind), entry.Message, meta, entry.At.UnixMilli())
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, executionID string) ([]*durable.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, message, meta, at FROM audit_entries WHERE execution_id = ? ORDER BY at`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*durable.AuditEntry
	for rows.Next() {
		var kind, message string
		var meta sql.NullString
		var at int64
		if err := rows.Scan(&kind, &message, &meta, &at); err != nil {
			return nil, err
		}
		metaValue, err := unmarshalAny(meta)
		if err != nil {
			return nil, err
		}
		metaMap, _ := metaValue.(map[string]any)
		out = append(out, &durable.AuditEntry{
			ExecutionID: executionID,
			Kind:        durable.AuditKind(kind),
			Message:     message,
			Meta:        metaMap,
			At:          time.UnixMilli(at),
		})
	}
	return out, rows.Err()
}
