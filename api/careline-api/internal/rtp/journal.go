// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_rtp

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/careline/pkg/commons"
)

const (
	// Redis key prefix for per-instance leased ports (crash recovery).
	// Uses hash tag {rtp:leases} so all keys hash to one Redis Cluster slot.
	leaseJournalPrefix = "{rtp:leases}:instance:"

	// TTL on the journal hash. Refreshed on every write; a crashed instance's
	// entries expire on their own if never reclaimed.
	leaseJournalTTL = 10 * time.Minute

	journalOpTimeout = 5 * time.Second
)

// LeaseJournal mirrors live port leases into external storage so that a
// restarted process can tell which ports its previous incarnation held.
type LeaseJournal interface {
	// Record notes that port is leased by sessionID.
	Record(ctx context.Context, port int, sessionID string)
	// Remove clears the journal entry for port.
	Remove(ctx context.Context, port int)
	// Orphans returns port→sessionID entries left behind by a previous
	// incarnation of this instance.
	Orphans(ctx context.Context) (map[int]string, error)
	// Clear drops all entries for this instance. Called on graceful shutdown.
	Clear(ctx context.Context) error
}

type redisLeaseJournal struct {
	client     *redis.Client
	logger     commons.Logger
	instanceID string
}

// NewRedisLeaseJournal creates a journal keyed by hostname:pid, matching the
// identity a restarted instance will come back with under process managers
// that reuse pids, and distinguishing instances sharing one Redis.
func NewRedisLeaseJournal(client *redis.Client, logger commons.Logger) LeaseJournal {
	hostname, _ := os.Hostname()
	return &redisLeaseJournal{
		client:     client,
		logger:     logger,
		instanceID: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
	}
}

func (j *redisLeaseJournal) key() string {
	return leaseJournalPrefix + j.instanceID
}

func (j *redisLeaseJournal) Record(ctx context.Context, port int, sessionID string) {
	ctx, cancel := context.WithTimeout(ctx, journalOpTimeout)
	defer cancel()

	if err := j.client.HSet(ctx, j.key(), strconv.Itoa(port), sessionID).Err(); err != nil {
		j.logger.Warn("Failed to journal port lease", "port", port, "error", err)
		return
	}
	j.client.Expire(ctx, j.key(), leaseJournalTTL)
}

func (j *redisLeaseJournal) Remove(ctx context.Context, port int) {
	ctx, cancel := context.WithTimeout(ctx, journalOpTimeout)
	defer cancel()

	if err := j.client.HDel(ctx, j.key(), strconv.Itoa(port)).Err(); err != nil {
		j.logger.Warn("Failed to remove journaled port lease", "port", port, "error", err)
	}
}

func (j *redisLeaseJournal) Orphans(ctx context.Context) (map[int]string, error) {
	ctx, cancel := context.WithTimeout(ctx, journalOpTimeout)
	defer cancel()

	entries, err := j.client.HGetAll(ctx, j.key()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lease journal for %s: %w", j.instanceID, err)
	}

	orphans := make(map[int]string, len(entries))
	for portStr, sessionID := range entries {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		orphans[port] = sessionID
	}

	if len(orphans) > 0 {
		j.logger.Warn("Found journaled port leases from previous incarnation",
			"instance", j.instanceID,
			"count", len(orphans))
	}
	return orphans, nil
}

func (j *redisLeaseJournal) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, journalOpTimeout)
	defer cancel()
	return j.client.Del(ctx, j.key()).Err()
}
