// Copyright 2025 James Ross
package worker

import (
	"context"
	"testing"
	"time"

	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/store"
	"go.uber.org/zap"
)

// TestWorkerBreakerTripsOnStoreErrors verifies the circuit breaker opens
// when the Store itself starts erroring (distinct from per-job handler
// failures, which go through Queue.Fail's retry path instead).
func TestWorkerBreakerTripsOnStoreErrors(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(db, 3, 2)

	cfg := defaultTestConfig()
	cfg.CircuitBreaker.Window = 50 * time.Millisecond
	cfg.CircuitBreaker.CooldownPeriod = 200 * time.Millisecond
	cfg.CircuitBreaker.FailureThreshold = 0.5
	cfg.CircuitBreaker.MinSamples = 1
	cfg.CircuitBreaker.Pause = 5 * time.Millisecond

	log := zap.NewNop()
	w := New(cfg, q, log)

	// Closing the store makes every subsequent Dequeue fail, simulating a
	// Store outage the breaker is meant to detect.
	db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	opened := false
	for time.Now().Before(deadline) {
		if w.cb.State() == 2 { // Open
			opened = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	if !opened {
		t.Fatalf("breaker did not open under repeated store errors")
	}
}
