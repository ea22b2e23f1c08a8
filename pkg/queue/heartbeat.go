// Heartbeat provides Redis-backed worker liveness tracking.
//
// Each running worker has a heartbeat key with a TTL and refreshes it on a
// ticker. If the key expires the worker is considered dead and the sweeper
// reclaims its pending jobs for a live worker.
//
// Key format:  {prefix}heartbeat:{workerID}
// Value:       RFC3339 timestamp of the last refresh (useful when debugging)
// TTL:         configurable, typically 15s
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Heartbeat manages per-worker heartbeat keys in Redis.
type Heartbeat struct {
	client *redis.Client
	prefix string // Key prefix (e.g., "orchestr:")
	ttl    time.Duration
}

// NewHeartbeat creates a heartbeat manager.
// ttl is the key expiry — if a heartbeat isn't refreshed within this window,
// the worker is considered dead.
func NewHeartbeat(client *redis.Client, prefix string, ttl time.Duration) *Heartbeat {
	return &Heartbeat{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (h *Heartbeat) key(workerID string) string {
	return h.prefix + "heartbeat:" + workerID
}

// TTL returns the configured heartbeat expiry window.
func (h *Heartbeat) TTL() time.Duration { return h.ttl }

// Ping refreshes a worker's heartbeat. Call this on a ticker at a fraction
// of the TTL (e.g., every ttl/3).
func (h *Heartbeat) Ping(ctx context.Context, workerID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.client.Set(ctx, h.key(workerID), now, h.ttl).Err(); err != nil {
		return fmt.Errorf("refreshing heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// IsAlive checks if a worker's heartbeat key exists.
func (h *Heartbeat) IsAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.key(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking heartbeat for %s: %w", workerID, err)
	}
	return n > 0, nil
}

// Remove deletes a worker's heartbeat key (called on clean shutdown).
func (h *Heartbeat) Remove(ctx context.Context, workerID string) error {
	if err := h.client.Del(ctx, h.key(workerID)).Err(); err != nil {
		return fmt.Errorf("removing heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// LiveWorkerIDs returns the IDs of all workers with active heartbeat keys.
//
// Uses SCAN (not KEYS) to avoid blocking Redis on large keyspaces.
// The returned IDs are workers whose heartbeat TTL hasn't expired, so they
// are definitely alive right now.
func (h *Heartbeat) LiveWorkerIDs(ctx context.Context) ([]string, error) {
	pattern := h.prefix + "heartbeat:*"
	prefixLen := len(h.prefix + "heartbeat:")
	var ids []string

	var cursor uint64
	for {
		keys, nextCursor, err := h.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning heartbeat keys: %w", err)
		}
		for _, key := range keys {
			if len(key) > prefixLen {
				ids = append(ids, key[prefixLen:])
			}
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
