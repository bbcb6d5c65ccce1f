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
	"time"

	"github.com/rapidaai/careline/pkg/commons"
)

// ErrPoolExhausted is returned by Acquire when no port pairs are free. The
// caller decides whether to queue, reject or shed the call — the allocator
// never retries internally.
var ErrPoolExhausted = errors.New("rtp: port pool exhausted")

// PortPair is one RTP/RTCP port pairing. RTP ports are even per RFC 3550;
// RTCP uses the next odd port.
type PortPair struct {
	RTP  int
	RTCP int
}

// Lease is a live claim on a port pair, held by exactly one call session.
type Lease struct {
	Pair       PortPair
	SessionID  string
	AcquiredAt time.Time
}

// Allocator is the process-wide pool of RTP port pairs. All operations are
// short and non-blocking under a single mutex.
type Allocator struct {
	logger  commons.Logger
	journal LeaseJournal

	mu     sync.Mutex
	free   []PortPair
	leases map[int]*Lease // keyed by RTP port
}

// AllocatorOption configures NewAllocator.
type AllocatorOption func(*Allocator)

// WithLeaseJournal mirrors lease state into an external journal so a
// restarted process can reclaim ports orphaned by a crash.
func WithLeaseJournal(j LeaseJournal) AllocatorOption {
	return func(a *Allocator) { a.journal = j }
}

// NewAllocator builds a pool covering every even port in [start, end).
func NewAllocator(logger commons.Logger, start, end int, opts ...AllocatorOption) *Allocator {
	if start%2 != 0 {
		start++
	}

	a := &Allocator{
		logger: logger,
		free:   make([]PortPair, 0, (end-start)/2),
		leases: make(map[int]*Lease),
	}
	for port := start; port+1 < end; port += 2 {
		a.free = append(a.free, PortPair{RTP: port, RTCP: port + 1})
	}
	for _, opt := range opts {
		opt(a)
	}

	logger.Info("Initialized RTP port pool",
		"pairs", len(a.free),
		"range_start", start,
		"range_end", end)
	return a
}

// Acquire claims the next free port pair for the given session.
func (a *Allocator) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	a.mu.Lock()
	if len(a.free) == 0 {
		inUse := len(a.leases)
		a.mu.Unlock()
		a.logger.Warn("RTP port pool exhausted", "in_use", inUse)
		return nil, ErrPoolExhausted
	}

	pair := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	lease := &Lease{
		Pair:       pair,
		SessionID:  sessionID,
		AcquiredAt: time.Now(),
	}
	a.leases[pair.RTP] = lease
	a.mu.Unlock()

	if a.journal != nil {
		a.journal.Record(ctx, pair.RTP, sessionID)
	}

	a.logger.Debugw("Allocated RTP port pair",
		"rtp_port", pair.RTP,
		"session", sessionID)
	return lease, nil
}

// Release returns a leased pair to the pool. Idempotent: teardown paths race
// (hangup event vs idle watchdog), so releasing an already-released lease is
// a no-op, not an error.
func (a *Allocator) Release(lease *Lease) {
	if lease == nil {
		return
	}

	a.mu.Lock()
	current, ok := a.leases[lease.Pair.RTP]
	if !ok || current != lease {
		a.mu.Unlock()
		return
	}
	delete(a.leases, lease.Pair.RTP)
	a.free = append(a.free, lease.Pair)
	a.mu.Unlock()

	if a.journal != nil {
		a.journal.Remove(context.Background(), lease.Pair.RTP)
	}

	a.logger.Debugw("Released RTP port pair",
		"rtp_port", lease.Pair.RTP,
		"session", lease.SessionID)
}

// Available returns the number of free port pairs.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Leases returns a snapshot of the live leases. Used by the reconciliation
// sweep to find leases whose owning session is gone.
func (a *Allocator) Leases() []*Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Lease, 0, len(a.leases))
	for _, l := range a.leases {
		out = append(out, l)
	}
	return out
}
