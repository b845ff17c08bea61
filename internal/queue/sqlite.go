package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eventrunner/internal/domain"
)

var (
	ErrEmpty    = errors.New("no tasks ready")
	ErrNotFound = errors.New("not found")
)

const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateDone    = "done"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  object_id TEXT NOT NULL,
  envelope BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','done')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  lease_until INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, created_at);
CREATE TABLE IF NOT EXISTS results (
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  result TEXT NOT NULL,
  message TEXT,
  countdown INTEGER,
  runtime REAL,
  payload BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  delivered_at INTEGER,
  PRIMARY KEY (task_id, attempt)
);
CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time, lease time.Duration) (domain.TaskRecord, error)
	Complete(ctx context.Context, r domain.Result) error
	MarkDelivered(ctx context.Context, taskID string, attempt int, at time.Time) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.TaskRecord, error)
	GetResult(ctx context.Context, id string) (domain.Result, error)
	ListResults(ctx context.Context, id string) ([]domain.Result, error)
	ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error)
	CountResults(ctx context.Context) (map[domain.ResultType]int, error)
	CountUndelivered(ctx context.Context) (int, error)
	PruneResults(ctx context.Context, before time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// Enqueue stores a task. A task id that is already queued or running is not
// queued twice; a finished one is queued again for its next attempt.
func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	if t.Options.TaskID == "" {
		return "", fmt.Errorf("task id is required")
	}
	envelope, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (id,event_type,object_id,envelope,state,attempts,lease_until,created_at,updated_at)
VALUES (?,?,?,?,'queued',0,0,?,?)
ON CONFLICT(id) DO UPDATE SET
  event_type=excluded.event_type,
  object_id=excluded.object_id,
  envelope=excluded.envelope,
  state='queued',
  lease_until=0,
  created_at=excluded.created_at,
  updated_at=excluded.updated_at
WHERE tasks.state='done'
`, t.Options.TaskID, t.Input.EventType, t.Input.ObjectID, envelope, now, now)
	return t.Options.TaskID, err
}

// LeaseNext claims the oldest queued task for the given lease duration. The
// returned record carries the attempt number the lease starts.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time, lease time.Duration) (rec domain.TaskRecord, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT envelope,state,attempts,created_at,updated_at FROM tasks
WHERE state='queued'
ORDER BY created_at ASC, rowid ASC
LIMIT 1
`)
	rec, err = scanRecord(row)
	if err == sql.ErrNoRows {
		return domain.TaskRecord{}, ErrEmpty
	}
	if err != nil {
		return domain.TaskRecord{}, err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET state='running', attempts=attempts+1, lease_until=?, updated_at=? WHERE id=?`,
		now.Add(lease).UnixMilli(), now.UnixMilli(), rec.Task.Options.TaskID)
	if err != nil {
		return domain.TaskRecord{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.TaskRecord{}, err
	}
	rec.State = StateRunning
	rec.Attempts++
	rec.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return rec, nil
}

// Complete journals the result of one attempt and closes its task in one
// transaction. Earlier attempts of the same task stay in the journal.
func (r *sqliteRepo) Complete(ctx context.Context, res domain.Result) (err error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UnixMilli()
	var countdown sql.NullInt64
	if res.Output.Countdown != nil {
		countdown = sql.NullInt64{Int64: int64(*res.Output.Countdown), Valid: true}
	}
	var runtime sql.NullFloat64
	if res.Output.Runtime != nil {
		runtime = sql.NullFloat64{Float64: *res.Output.Runtime, Valid: true}
	}

	if _, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO results(task_id,attempt,result,message,countdown,runtime,payload,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		res.Options.TaskID, res.Attempt, string(res.Output.Result), res.Output.Message, countdown, runtime, payload, now); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE tasks SET state='done', updated_at=? WHERE id=?`, now, res.Options.TaskID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDelivered records that the result of an attempt reached its sink.
func (r *sqliteRepo) MarkDelivered(ctx context.Context, taskID string, attempt int, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE results SET delivered_at=? WHERE task_id=? AND attempt=?`, at.UnixMilli(), taskID, attempt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStale requeues running tasks whose lease has expired.
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', lease_until=0, updated_at=?
WHERE state='running' AND lease_until < ?`, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.TaskRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT envelope,state,attempts,created_at,updated_at FROM tasks WHERE id=?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return domain.TaskRecord{}, ErrNotFound
	}
	return rec, err
}

// GetResult returns the result of the latest attempt of a task.
func (r *sqliteRepo) GetResult(ctx context.Context, id string) (domain.Result, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
SELECT payload FROM results WHERE task_id=? ORDER BY attempt DESC, created_at DESC LIMIT 1`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Result{}, ErrNotFound
	}
	if err != nil {
		return domain.Result{}, err
	}
	return decodeResult(id, payload)
}

// ListResults returns every journaled attempt of a task, oldest first.
func (r *sqliteRepo) ListResults(ctx context.Context, id string) ([]domain.Result, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT payload FROM results WHERE task_id=? ORDER BY attempt ASC, created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Result
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		res, err := decodeResult(id, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func decodeResult(id string, payload []byte) (domain.Result, error) {
	var res domain.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return domain.Result{}, fmt.Errorf("decoding result %s: %w", id, err)
	}
	return res, nil
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT envelope,state,attempts,created_at,updated_at
FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountResults returns the number of journaled results per result type.
func (r *sqliteRepo) CountResults(ctx context.Context) (map[domain.ResultType]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT result, COUNT(*) FROM results GROUP BY result`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ResultType]int, len(domain.ResultTypes))
	for _, rt := range domain.ResultTypes {
		counts[rt] = 0
	}
	for rows.Next() {
		var (
			result string
			n      int
		)
		if err := rows.Scan(&result, &n); err != nil {
			return nil, err
		}
		counts[domain.ResultType(result)] = n
	}
	return counts, rows.Err()
}

// CountUndelivered returns the number of journaled results not yet marked
// delivered.
func (r *sqliteRepo) CountUndelivered(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE delivered_at IS NULL`).Scan(&n)
	return n, err
}

// PruneResults deletes delivered results journaled before the cutoff, then
// finished tasks left without any result. Undelivered results are kept.
func (r *sqliteRepo) PruneResults(ctx context.Context, before time.Time) (n int, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := before.UnixMilli()
	res, err := tx.ExecContext(ctx, `
DELETE FROM results WHERE created_at < ? AND delivered_at IS NOT NULL`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	if _, err = tx.ExecContext(ctx, `
DELETE FROM tasks WHERE state='done' AND updated_at < ?
AND NOT EXISTS (SELECT 1 FROM results WHERE results.task_id=tasks.id)`, cutoff); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.TaskRecord, error) {
	var (
		envelope             []byte
		rec                  domain.TaskRecord
		createdAt, updatedAt int64
	)
	if err := s.Scan(&envelope, &rec.State, &rec.Attempts, &createdAt, &updatedAt); err != nil {
		return domain.TaskRecord{}, err
	}
	if err := json.Unmarshal(envelope, &rec.Task); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("decoding task: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
