package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidArgument is returned by Enqueue when task is empty, per
// spec.md's InvalidArgument error kind.
var ErrInvalidArgument = errors.New("queue: task must not be empty")

// Queue is the durable job queue backed by the embedded store.
type Queue struct {
	db           *sql.DB
	maxAttempts  int
	retryBaseSec int
}

// New returns a Queue over db. maxAttempts and retryBaseSec feed the
// retry/backoff policy: backoff(n) = retryBaseSec * 2^n + jitter(0..25%).
func New(db *sql.DB, maxAttempts, retryBaseSec int) *Queue {
	return &Queue{db: db, maxAttempts: maxAttempts, retryBaseSec: retryBaseSec}
}

// Enqueue inserts a new queued job and returns its id. task is lowercased
// and trimmed; an empty task is rejected with ErrInvalidArgument. notBefore
// is the spec's optional not_before: the zero time.Time means the job is
// immediately eligible (next_run_at left null); a non-zero value hides the
// job from Dequeue until the wallclock passes it.
func (q *Queue) Enqueue(ctx context.Context, task string, payload json.RawMessage, priority int, notBefore time.Time) (string, error) {
	task = strings.ToLower(strings.TrimSpace(task))
	if task == "" {
		return "", ErrInvalidArgument
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	nextRunAt := ""
	if !notBefore.IsZero() {
		nextRunAt = notBefore.UTC().Format(time.RFC3339Nano)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, task, payload, status, attempts, priority, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, task, string(payload), StatusQueued, priority,
		nextRunAt, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Dequeue atomically claims the highest-priority eligible queued job,
// marking it in_progress, and returns it. It returns (nil, nil) when no
// job is eligible. The claim happens inside BEGIN IMMEDIATE so only one
// writer can win the race for a given row, mirroring the single-writer
// invariant the embedded store is opened with.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if _, err := q.db.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("queue: begin immediate: %w", err)
	}
	rollback := func() {
		_, _ = q.db.ExecContext(ctx, "ROLLBACK")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	row := q.db.QueryRowContext(ctx, `
		SELECT id, task, payload, status, result, attempts, priority, next_run_at, last_error, created_at, updated_at
		  FROM jobs
		 WHERE status = ?
		   AND (next_run_at = '' OR next_run_at <= ?)
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1`, StatusQueued, now)

	var j Job
	var result sql.NullString
	var lastError sql.NullString
	var createdAt, updatedAt, nextRunAt string
	err := row.Scan(&j.ID, &j.Task, (*rawMessageScanner)(&j.Payload), &j.Status, &result,
		&j.Attempts, &j.Priority, &nextRunAt, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		_, err := q.db.ExecContext(ctx, "COMMIT")
		return nil, err
	}
	if err != nil {
		rollback()
		return nil, fmt.Errorf("queue: dequeue scan: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusInProgress, now, j.ID, StatusQueued); err != nil {
		rollback()
		return nil, fmt.Errorf("queue: dequeue claim: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("queue: dequeue commit: %w", err)
	}

	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	j.Status = StatusInProgress
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, now)
	if nextRunAt != "" {
		j.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRunAt)
	}
	return &j, nil
}

// Load returns the job with id, or (nil, nil) if not found.
func (q *Queue) Load(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, task, payload, status, result, attempts, priority, next_run_at, last_error, created_at, updated_at
		  FROM jobs WHERE id = ?`, id)

	var j Job
	var result, lastError sql.NullString
	var createdAt, updatedAt, nextRunAt string
	err := row.Scan(&j.ID, &j.Task, (*rawMessageScanner)(&j.Payload), &j.Status, &result,
		&j.Attempts, &j.Priority, &nextRunAt, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load: %w", err)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if lastError.Valid {
		j.LastError = lastError.String
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if nextRunAt != "" {
		j.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRunAt)
	}
	return &j, nil
}

// Finish marks a claimed job done with result. It counts the successful
// invocation towards attempts and clears next_run_at, so a job that failed
// and was retried before succeeding still lands with a null next_run_at
// and an attempts count covering every invocation, including this one.
func (q *Queue) Finish(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, attempts = attempts + 1, next_run_at = '', updated_at = ? WHERE id = ?`,
		StatusDone, string(result), now, id)
	if err != nil {
		return fmt.Errorf("queue: finish: %w", err)
	}
	return nil
}

// Fail records a failed attempt. If attempts remain below maxAttempts the
// job is returned to queued with next_run_at pushed out by backoff(n);
// otherwise it is marked terminally error.
func (q *Queue) Fail(ctx context.Context, id string, cause error) error {
	j, err := q.Load(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("queue: fail: job %s not found", id)
	}

	attempts := j.Attempts + 1
	now := time.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts >= q.maxAttempts {
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			StatusError, attempts, msg, now.Format(time.RFC3339Nano), id)
		if err != nil {
			return fmt.Errorf("queue: fail terminal: %w", err)
		}
		return nil
	}

	delay := q.backoff(attempts)
	nextRun := now.Add(delay)
	_, err = q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		StatusQueued, attempts, msg, nextRun.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("queue: fail retry: %w", err)
	}
	return nil
}

// backoff computes retryBaseSec * 2^n plus up to 25% jitter.
func (q *Queue) backoff(n int) time.Duration {
	base := time.Duration(q.retryBaseSec) * time.Second
	for i := 0; i < n; i++ {
		base *= 2
	}
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}

// ListRecent returns up to limit most-recently-created jobs, newest first.
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, task, payload, status, result, attempts, priority, next_run_at, last_error, created_at, updated_at
		  FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list recent: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var result, lastError sql.NullString
		var createdAt, updatedAt, nextRunAt string
		if err := rows.Scan(&j.ID, &j.Task, (*rawMessageScanner)(&j.Payload), &j.Status, &result,
			&j.Attempts, &j.Priority, &nextRunAt, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("queue: list recent scan: %w", err)
		}
		if result.Valid {
			j.Result = json.RawMessage(result.String)
		}
		if lastError.Valid {
			j.LastError = lastError.String
		}
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		if nextRunAt != "" {
			j.NextRunAt, _ = time.Parse(time.RFC3339Nano, nextRunAt)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReapInProgress requeues jobs stuck in_progress from a prior crash. Gated
// behind WORKER_REQUEUE_STUCK at the call site since a worker may simply be
// slow rather than dead.
func (q *Queue) ReapInProgress(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		StatusQueued, now, StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	return res.RowsAffected()
}

// rawMessageScanner adapts json.RawMessage to sql.Scanner so it can receive
// TEXT columns directly without an intermediate string variable at each
// call site.
type rawMessageScanner json.RawMessage

func (r *rawMessageScanner) Scan(src interface{}) error {
	if src == nil {
		*r = nil
		return nil
	}
	switch v := src.(type) {
	case string:
		*r = rawMessageScanner(v)
	case []byte:
		*r = rawMessageScanner(append([]byte(nil), v...))
	default:
		return fmt.Errorf("rawMessageScanner: unsupported type %T", src)
	}
	return nil
}
