package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/manishadha/velu/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, 3, 2)
}

func TestEnqueueDequeueFinish(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "echo", json.RawMessage(`{"msg":"hi"}`), 0, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if j == nil {
		t.Fatal("expected a job, got nil")
	}
	if j.ID != id || j.Status != StatusInProgress {
		t.Fatalf("unexpected claimed job: %+v", j)
	}

	if err := q.Finish(ctx, id, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	loaded, err := q.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusDone {
		t.Fatalf("expected done, got %s", loaded.Status)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if j != nil {
		t.Fatalf("expected no job, got %+v", j)
	}
}

func TestDequeueRespectsPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	lowID, _ := q.Enqueue(ctx, "low", json.RawMessage(`{}`), 0, time.Time{})
	highID, _ := q.Enqueue(ctx, "high", json.RawMessage(`{}`), 10, time.Time{})

	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if j.ID != highID {
		t.Fatalf("expected high-priority job %s claimed first, got %s (low=%s)", highID, j.ID, lowID)
	}
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, _ := q.Enqueue(ctx, "flaky", json.RawMessage(`{}`), 0, time.Time{})

	for i := 0; i < 2; i++ {
		j, err := q.Dequeue(ctx)
		if err != nil || j == nil {
			t.Fatalf("Dequeue attempt %d: %v, job=%v", i, err, j)
		}
		if err := q.Fail(ctx, id, errFailure("boom")); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		loaded, err := q.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Status != StatusQueued {
			t.Fatalf("expected requeue after attempt %d, got status %s", i, loaded.Status)
		}
	}

	j, err := q.Dequeue(ctx)
	if err != nil || j == nil {
		t.Fatalf("final Dequeue: %v, job=%v", err, j)
	}
	if err := q.Fail(ctx, id, errFailure("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	loaded, err := q.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusError {
		t.Fatalf("expected terminal error after max attempts, got %s", loaded.Status)
	}
	if loaded.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", loaded.Attempts)
	}
}

func TestFinishAfterRetryClearsNextRunAtAndCountsAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, _ := q.Enqueue(ctx, "flaky", json.RawMessage(`{}`), 0, time.Time{})

	j, err := q.Dequeue(ctx)
	if err != nil || j == nil {
		t.Fatalf("Dequeue: %v, job=%v", err, j)
	}
	if err := q.Fail(ctx, id, errFailure("transient")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	j, err = q.Dequeue(ctx)
	if err != nil || j == nil {
		t.Fatalf("second Dequeue: %v, job=%v", err, j)
	}
	if err := q.Finish(ctx, id, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	loaded, err := q.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusDone {
		t.Fatalf("expected done, got %s", loaded.Status)
	}
	if !loaded.NextRunAt.IsZero() {
		t.Fatalf("expected next_run_at cleared on done, got %v", loaded.NextRunAt)
	}
	if loaded.Attempts != 2 {
		t.Fatalf("expected attempts==2 (1 failure + the successful invocation), got %d", loaded.Attempts)
	}
}

func TestListRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, _ := q.Enqueue(ctx, "a", json.RawMessage(`{}`), 0, time.Time{})
	second, _ := q.Enqueue(ctx, "b", json.RawMessage(`{}`), 0, time.Time{})

	jobs, err := q.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	ids := map[string]bool{first: true, second: true}
	for _, j := range jobs {
		if !ids[j.ID] {
			t.Fatalf("unexpected job id %s", j.ID)
		}
	}
}

func TestReapInProgress(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, _ := q.Enqueue(ctx, "stuck", json.RawMessage(`{}`), 0, time.Time{})
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	n, err := q.ReapInProgress(ctx)
	if err != nil {
		t.Fatalf("ReapInProgress: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped job, got %d", n)
	}

	loaded, err := q.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusQueued {
		t.Fatalf("expected requeued after reap, got %s", loaded.Status)
	}
}

type errFailure string

func (e errFailure) Error() string { return string(e) }
