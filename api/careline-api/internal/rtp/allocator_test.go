// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_rtp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rapidaai/careline/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-rtp"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

func TestAllocatorPairsAreEvenOdd(t *testing.T) {
	a := NewAllocator(newTestLogger(t), 10001, 10011)

	ctx := context.Background()
	for {
		lease, err := a.Acquire(ctx, "s")
		if err != nil {
			break
		}
		if lease.Pair.RTP%2 != 0 {
			t.Errorf("RTP port %d is not even", lease.Pair.RTP)
		}
		if lease.Pair.RTCP != lease.Pair.RTP+1 {
			t.Errorf("RTCP port %d is not RTP+1", lease.Pair.RTCP)
		}
	}
}

func TestAllocatorNoDoubleLease(t *testing.T) {
	a := NewAllocator(newTestLogger(t), 20000, 20040)
	ctx := context.Background()

	const workers = 8
	const iterations = 50

	var mu sync.Mutex
	live := make(map[int]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				lease, err := a.Acquire(ctx, "worker")
				if err != nil {
					if !errors.Is(err, ErrPoolExhausted) {
						t.Errorf("unexpected acquire error: %v", err)
					}
					continue
				}

				mu.Lock()
				if holder, taken := live[lease.Pair.RTP]; taken {
					t.Errorf("port %d double-leased (held by %s)", lease.Pair.RTP, holder)
				}
				live[lease.Pair.RTP] = "worker"
				mu.Unlock()

				mu.Lock()
				delete(live, lease.Pair.RTP)
				mu.Unlock()
				a.Release(lease)
			}
		}(w)
	}
	wg.Wait()

	// After all acquires/releases the pool is back to its starting size.
	if got := a.Available(); got != 20 {
		t.Errorf("expected 20 free pairs after churn, got %d", got)
	}
}

func TestAllocatorReleaseIsIdempotent(t *testing.T) {
	a := NewAllocator(newTestLogger(t), 30000, 30010)
	ctx := context.Background()

	lease, err := a.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	before := a.Available()

	// Simulates the hangup-event vs idle-watchdog race.
	a.Release(lease)
	a.Release(lease)
	a.Release(lease)

	if got := a.Available(); got != before+1 {
		t.Errorf("expected %d free pairs after double release, got %d", before+1, got)
	}
	a.Release(nil) // must not panic
}

func TestAllocatorExhaustionIsReported(t *testing.T) {
	a := NewAllocator(newTestLogger(t), 40000, 40004)
	ctx := context.Background()

	if _, err := a.Acquire(ctx, "s1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := a.Acquire(ctx, "s2"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if _, err := a.Acquire(ctx, "s3"); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestAllocatorStaleLeaseCannotReleaseReusedPort(t *testing.T) {
	a := NewAllocator(newTestLogger(t), 50000, 50004)
	ctx := context.Background()

	first, _ := a.Acquire(ctx, "s1")
	a.Release(first)

	second, _ := a.Acquire(ctx, "s2")
	if second.Pair.RTP != first.Pair.RTP {
		t.Skip("pool did not reuse the pair; nothing to verify")
	}

	// The stale lease must not free the pair now held by s2.
	a.Release(first)
	if got := a.Available(); got != 1 {
		t.Errorf("stale release freed a live lease: %d pairs free", got)
	}
}
