// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"time"
)

// recoverJournal reclaims lease entries journaled by a previous incarnation
// of this instance. The new process starts with a full in-memory pool, so
// recovery means logging what was lost and clearing the journal; the PBX
// side legs of those dead calls fall out on their own hangup timers.
func (o *Orchestrator) recoverJournal(ctx context.Context) {
	if o.journal == nil {
		return
	}

	orphans, err := o.journal.Orphans(ctx)
	if err != nil {
		o.logger.Warn("Cannot read lease journal, skipping crash recovery", "error", err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	for port, sessionID := range orphans {
		o.logger.Warn("Reclaiming port leased by previous incarnation",
			"rtp_port", port,
			"session", sessionID)
	}
	if err := o.journal.Clear(ctx); err != nil {
		o.logger.Warn("Failed to clear recovered lease journal", "error", err)
	}
}

// sweepLoop is the periodic reconciliation pass. It catches the two leak
// classes that survive the per-session teardown paths: leases whose owning
// session is gone, and sessions whose patient channel silently died on the
// PBX without a hangup event reaching us.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	interval := o.sweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	started := time.Now()

	// Leases with no owning session. A grace period covers the window where
	// a session has acquired its lease but not finished registering state.
	activeIDs := make(map[string]struct{})
	o.mu.Lock()
	for id := range o.active {
		activeIDs[id] = struct{}{}
	}
	o.mu.Unlock()

	reclaimed := 0
	for _, lease := range o.allocator.Leases() {
		if _, owned := activeIDs[lease.SessionID]; owned {
			continue
		}
		if time.Since(lease.AcquiredAt) < o.sweepGrace {
			continue
		}
		o.logger.Warn("Reclaiming orphaned port lease",
			"rtp_port", lease.Pair.RTP,
			"session", lease.SessionID)
		o.allocator.Release(lease)
		reclaimed++
	}

	// Sessions whose patient channel the PBX no longer knows. Confirmed
	// against the live channel list, never assumed from missing events.
	dead := 0
	snapshots := o.Active()
	if len(snapshots) > 0 {
		live, err := o.control.LiveChannels(ctx)
		if err != nil {
			o.logger.Warn("Sweep cannot list live channels", "error", err)
		} else {
			for _, snap := range snapshots {
				if snap.PatientChan == "" {
					continue
				}
				if snap.State != StateBridged && snap.State != StateActive {
					continue
				}
				if time.Since(snap.StartedAt) < o.sweepGrace {
					continue
				}
				if _, alive := live[snap.PatientChan]; alive {
					continue
				}
				o.logger.Warn("Ending session, patient channel gone from PBX",
					"session", snap.SessionID,
					"channel", snap.PatientChan)
				if err := o.EndCall(snap.SessionID); err == nil {
					dead++
				}
			}
		}
	}

	if reclaimed > 0 || dead > 0 {
		o.logger.Info("Reconciliation sweep finished",
			"reclaimed_leases", reclaimed,
			"dead_sessions", dead,
			"elapsed_ms", time.Since(started).Milliseconds())
	}
}
