// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_ari_telephony

import (
	"testing"
	"time"

	"github.com/rapidaai/careline/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-ari"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := NewBreaker(newTestLogger(t), 5, 30*time.Second)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.Failure()
		if b.State() != BreakerClosed {
			t.Fatalf("breaker opened after only %d failures", i+1)
		}
	}

	b.Failure() // fifth consecutive failure
	if b.State() != BreakerOpen {
		t.Fatal("breaker did not open after 5 consecutive failures")
	}
	if b.Allow() {
		t.Error("open breaker must fail fast without a network attempt")
	}
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	if b.ConsecutiveFailures() != 0 {
		t.Errorf("expected failure count 0 after success, got %d", b.ConsecutiveFailures())
	}

	b.Failure()
	if b.State() != BreakerClosed {
		t.Error("a single failure after a success must not open the breaker")
	}
}

func TestBreakerHalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}

	// Still cooling down.
	*now = now.Add(29 * time.Second)
	if b.Allow() {
		t.Fatal("breaker admitted a request during cool-down")
	}

	// Cool-down elapsed: exactly one probe.
	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not admit the probe after cool-down")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("breaker admitted a second concurrent probe")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}

	b.Success()
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
	if b.ConsecutiveFailures() != 0 {
		t.Errorf("expected failure count reset to 0, got %d", b.ConsecutiveFailures())
	}
}

func TestBreakerProbeFailureReopensAndResetsCooldown(t *testing.T) {
	b, now := newTestBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}

	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("expected reopened breaker, got %s", b.State())
	}

	// The cool-down restarted at probe failure; 29s later still open.
	*now = now.Add(29 * time.Second)
	if b.Allow() {
		t.Error("breaker admitted a request before the restarted cool-down elapsed")
	}

	*now = now.Add(2 * time.Second)
	if !b.Allow() {
		t.Error("breaker did not admit a probe after the restarted cool-down")
	}
}
