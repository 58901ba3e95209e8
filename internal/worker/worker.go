// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/manishadha/velu/internal/breaker"
	"github.com/manishadha/velu/internal/config"
	"github.com/manishadha/velu/internal/dispatch"
	"github.com/manishadha/velu/internal/handlers"
	"github.com/manishadha/velu/internal/obs"
	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/registry"
	"go.uber.org/zap"
)

// Worker runs a pool of dequeue-dispatch-finish/fail loops over a Queue.
type Worker struct {
	cfg  *config.Config
	q    *queue.Queue
	disp *dispatch.Dispatcher
	log  *zap.Logger
	cb   *breaker.CircuitBreaker

	mu        sync.Mutex
	jobsDone  int
	maxJobs   int
	runOnce   bool
	stopAfter bool
}

// New builds a Worker wired to q and dispatching through a registry
// carrying the built-in handler taxonomy plus any additional overlays.
func New(cfg *config.Config, q *queue.Queue, log *zap.Logger, overlays ...registry.Overlay) *Worker {
	all := append([]registry.Overlay{handlers.Register(q, cfg.Worker.EnablePipeline)}, overlays...)
	reg := registry.New(all...)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	maxJobs := cfg.Worker.MaxJobs
	runOnce := cfg.Worker.RunOnce
	if runOnce {
		maxJobs = 1
	}

	return &Worker{
		cfg:       cfg,
		q:         q,
		disp:      dispatch.New(reg),
		log:       log,
		cb:        cb,
		maxJobs:   maxJobs,
		runOnce:   runOnce,
		stopAfter: maxJobs > 0,
	}
}

// Run starts cfg.Worker.Count goroutines polling the queue and blocks
// until ctx is cancelled or, when bounded, the job quota is exhausted and
// the queue goes idle.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Worker.RequeueStuck {
		n, err := w.q.ReapInProgress(ctx)
		if err != nil {
			return fmt.Errorf("worker: requeue stuck jobs: %w", err)
		}
		if n > 0 {
			w.log.Info("requeued stuck in_progress jobs", zap.Int64("count", n))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := i
		go func(workerID int) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}(id)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID int) {
	for ctx.Err() == nil {
		if w.quotaReached() {
			return
		}

		if !w.cb.Allow() {
			sleep(ctx, w.cfg.CircuitBreaker.Pause)
			continue
		}

		job, err := w.q.Dequeue(ctx)
		w.cb.Record(err == nil)
		if err != nil {
			w.log.Warn("dequeue failed", zap.Error(err))
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if job == nil {
			sleep(ctx, pollInterval())
			continue
		}

		w.process(ctx, job)
		w.incrementDone()
	}
}

// process dispatches one claimed job and records the outcome. Failures
// observed here are handler/dispatch-level failures recorded via
// Queue.Fail; they are distinct from the Store errors the circuit breaker
// tracks, which gate whether polling continues at all.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	payload := withAttempts(job.Payload, job.Attempts)

	out, unknown, err := w.disp.Dispatch(job.Task, payload)
	obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	obs.JobsClaimed.Inc()

	if err != nil {
		w.log.Error("dispatch error", zap.String("job_id", job.ID), zap.Error(err))
		if ferr := w.q.Fail(ctx, job.ID, err); ferr != nil {
			w.log.Error("fail record failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		obs.JobsRetried.Inc()
		return
	}

	var envelope struct {
		OK bool `json:"ok"`
	}
	_ = json.Unmarshal(out, &envelope)

	if envelope.OK {
		if ferr := w.q.Finish(ctx, job.ID, out); ferr != nil {
			w.log.Error("finish failed", zap.String("job_id", job.ID), zap.Error(ferr))
			return
		}
		obs.JobsCompleted.Inc()
		w.log.Info("job completed", zap.String("job_id", job.ID), zap.String("task", job.Task))
		return
	}

	// The unknown sentinel always succeeds-as-failure deterministically
	// (§7): its ok:false result is terminal on the first attempt, never
	// retried, so it is recorded via Finish rather than Fail.
	if unknown {
		if ferr := w.q.Finish(ctx, job.ID, out); ferr != nil {
			w.log.Error("finish failed", zap.String("job_id", job.ID), zap.Error(ferr))
			return
		}
		w.log.Warn("unknown task", zap.String("job_id", job.ID), zap.String("task", job.Task))
		return
	}

	cause := fmt.Errorf("handler reported failure: %s", out)
	if ferr := w.q.Fail(ctx, job.ID, cause); ferr != nil {
		w.log.Error("fail record failed", zap.String("job_id", job.ID), zap.Error(ferr))
		return
	}
	loaded, _ := w.q.Load(ctx, job.ID)
	if loaded != nil && loaded.Status == queue.StatusError {
		obs.JobsDeadLetter.Inc()
		w.log.Warn("job exhausted retries", zap.String("job_id", job.ID), zap.String("task", job.Task))
	} else {
		obs.JobsRetried.Inc()
		w.log.Warn("job retrying", zap.String("job_id", job.ID), zap.String("task", job.Task))
	}
}

func (w *Worker) quotaReached() bool {
	if !w.stopAfter {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobsDone >= w.maxJobs
}

func (w *Worker) incrementDone() {
	if !w.stopAfter {
		return
	}
	w.mu.Lock()
	w.jobsDone++
	w.mu.Unlock()
}

// withAttempts merges the job's attempt count into its payload under a
// reserved field so test-only handlers like fail_n can observe retry
// state without widening the handler signature.
func withAttempts(payload json.RawMessage, attempts int) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil || m == nil {
		m = map[string]json.RawMessage{}
	}
	attemptsJSON, _ := json.Marshal(attempts)
	m[handlers.AttemptsField] = attemptsJSON
	out, _ := json.Marshal(m)
	return out
}

func pollInterval() time.Duration {
	return 250*time.Millisecond + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
