// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari_telephony

import (
	"sync"
	"time"

	"github.com/rapidaai/careline/pkg/commons"
)

// BreakerState is the circuit breaker state for the control connection.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker trips after a configured run of consecutive control-plane failures.
// While open, attempts fail fast; after the cool-down exactly one probe is
// let through (half-open). A successful probe closes the breaker and resets
// the failure count; a failed probe reopens it and restarts the cool-down.
//
// Process-wide, shared by every call; all mutation is behind one mutex and
// every operation is short and non-blocking.
type Breaker struct {
	logger    commons.Logger
	threshold int
	cooldown  time.Duration
	clock     func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	probeInFlight bool
}

func NewBreaker(logger commons.Logger, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		logger:    logger,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
		state:     BreakerClosed,
	}
}

// Allow reports whether a control-plane attempt may proceed. When the
// cool-down of an open breaker has elapsed it admits exactly one probe and
// moves to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		b.logger.Info("Control-plane breaker half-open, admitting probe")
		return true
	case BreakerHalfOpen:
		// One probe at a time.
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Success records a successful control-plane operation.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.logger.Info("Control-plane breaker closed after successful probe")
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
}

// Failure records a failed control-plane operation. A failed half-open probe
// reopens the breaker and restarts the cool-down timer.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureAt = b.clock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.clock()
		b.probeInFlight = false
		b.logger.Warn("Control-plane breaker reopened, probe failed")
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.clock()
			b.logger.Error("Control-plane breaker opened",
				"consecutive_failures", b.failures,
				"cooldown", b.cooldown.String())
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
