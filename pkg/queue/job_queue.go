// Package queue provides Redis Streams operations for job queuing and
// per-job status feeds.
//
// Two stream patterns:
//
//  1. Job Queue — a single stream with a consumer group. The router XADDs
//     jobs, workers XREADGROUP to claim them, XACK+XDEL when done. A message
//     that is never acked stays in the consumer's pending list and is
//     redelivered, which gives the at-least-once contract.
//
//  2. Status Feed — per-job ephemeral streams. The worker XADDs a status
//     snapshot after each record write, the router XREADs them to push live
//     progress over WebSocket without polling the record store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/protocol"
)

// JobQueue manages the main job stream with consumer groups.
type JobQueue struct {
	client    *redis.Client
	streamKey string
	groupName string
}

// StreamEntry is a message read from the job stream. Payload is nil when the
// stored data did not decode; Raw always carries the original bytes so the
// caller can log what it dropped.
type StreamEntry struct {
	ID      string // Redis stream ID (e.g., "1234567890-0")
	Raw     []byte
	Payload *protocol.JobPayload
}

// NewJobQueue creates a JobQueue targeting the given stream and consumer group.
func NewJobQueue(client *redis.Client, streamKey, groupName string) *JobQueue {
	return &JobQueue{
		client:    client,
		streamKey: streamKey,
		groupName: groupName,
	}
}

// NewBlockingReader creates a new JobQueue backed by a dedicated Redis
// connection (pool size 1). Use this for XREADGROUP BLOCK calls so the
// blocking read doesn't hold a connection from the shared pool and starve
// heartbeats, enqueues, acks, and record writes.
//
// Each worker should get its own blocking reader. The returned cleanup
// function closes the dedicated Redis client — call it when the worker
// shuts down.
func (q *JobQueue) NewBlockingReader() (*JobQueue, func()) {
	opts := *q.client.Options() // Copy all connection settings
	opts.PoolSize = 1           // Dedicated connection — one is all we need
	opts.MinIdleConns = 1       // Keep it warm
	dedicated := redis.NewClient(&opts)

	reader := &JobQueue{
		client:    dedicated,
		streamKey: q.streamKey,
		groupName: q.groupName,
	}

	cleanup := func() {
		dedicated.Close()
	}

	return reader, cleanup
}

// EnsureGroup creates the stream and consumer group if they don't exist.
// Safe to call multiple times (idempotent).
func (q *JobQueue) EnsureGroup(ctx context.Context) error {
	// XGROUP CREATE with MKSTREAM creates both the stream and group.
	// If the group already exists, Redis returns BUSYGROUP error — we ignore it.
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey, q.groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Enqueue adds a job payload to the stream. Returns the Redis stream entry ID.
func (q *JobQueue) Enqueue(ctx context.Context, payload *protocol.JobPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling payload for job %s: %w", payload.JobID, err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey,
		Values: map[string]interface{}{
			"job_id": payload.JobID,
			"data":   string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueuing job %s: %w", payload.JobID, err)
	}
	return id, nil
}

// Read blocks until a new message arrives or the context is cancelled.
// The consumer name identifies this specific worker for message assignment.
// blockTimeout of 0 means block indefinitely.
func (q *JobQueue) Read(ctx context.Context, consumerName string, blockTimeout time.Duration) ([]StreamEntry, error) {
	results, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: consumerName,
		Streams:  []string{q.streamKey, ">"},
		Count:    1,
		Block:    blockTimeout,
	}).Result()

	if err == redis.Nil {
		return nil, nil // Timeout, no messages
	}
	if err != nil {
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	return parseStreamResults(results)
}

// Ack acknowledges and deletes a message. Must be called after successful
// processing; a job that errors is deliberately left unacked so the pending
// list redelivers it.
func (q *JobQueue) Ack(ctx context.Context, entryID string) error {
	// Step 1: XACK — mark as processed in consumer group
	if err := q.client.XAck(ctx, q.streamKey, q.groupName, entryID).Err(); err != nil {
		return fmt.Errorf("acknowledging message %s: %w", entryID, err)
	}

	// Step 2: XDEL — remove from stream to free memory
	if err := q.client.XDel(ctx, q.streamKey, entryID).Err(); err != nil {
		return fmt.Errorf("deleting message %s: %w", entryID, err)
	}

	return nil
}

// ClaimPending reclaims messages that have been idle for longer than minIdle.
// Used on worker restart to recover jobs that were in-flight when the
// previous process died.
func (q *JobQueue) ClaimPending(ctx context.Context, consumerName string, minIdle time.Duration) ([]StreamEntry, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey,
		Group:    q.groupName,
		Consumer: consumerName,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()

	if err != nil {
		// NOGROUP means the group doesn't exist yet — first connection, nothing to claim
		if err.Error() == "NOGROUP No such consumer group '"+q.groupName+"' for key name '"+q.streamKey+"'" {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming pending messages: %w", err)
	}

	return parseXMessages(messages)
}

// ReadPending returns entries that were previously delivered to this consumer
// but not yet acknowledged. These are entries stuck in the Pending Entries
// List (PEL) — for example, from a run that crashed mid-job.
//
// Unlike Read (which uses ">" for new-only), this uses "0" which returns
// pending entries for the consumer. Returns immediately (non-blocking).
func (q *JobQueue) ReadPending(ctx context.Context, consumerName string) ([]StreamEntry, error) {
	results, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.groupName,
		Consumer: consumerName,
		Streams:  []string{q.streamKey, "0"},
		Count:    10,
		Block:    -1, // go-redis: -1 means "don't send BLOCK at all" → non-blocking
	}).Result()

	if err == redis.Nil {
		return nil, nil // No pending entries
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending entries: %w", err)
	}

	return parseStreamResults(results)
}

// Len returns the number of entries in the stream.
func (q *JobQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting stream length: %w", err)
	}
	return n, nil
}

// parseStreamResults converts go-redis XStream results to our StreamEntry type.
func parseStreamResults(results []redis.XStream) ([]StreamEntry, error) {
	var entries []StreamEntry
	for _, stream := range results {
		parsed, err := parseXMessages(stream.Messages)
		if err != nil {
			return nil, err
		}
		entries = append(entries, parsed...)
	}
	return entries, nil
}

// parseXMessages converts go-redis XMessage slice to our StreamEntry type.
// A payload that fails to decode is kept with Payload nil rather than
// aborting the whole batch.
func parseXMessages(messages []redis.XMessage) ([]StreamEntry, error) {
	var entries []StreamEntry
	for _, msg := range messages {
		data, _ := msg.Values["data"].(string)

		entry := StreamEntry{ID: msg.ID, Raw: []byte(data)}
		if payload, err := protocol.ParsePayload([]byte(data)); err == nil {
			entry.Payload = payload
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// StatusFeed manages per-job ephemeral streams of status snapshots.
type StatusFeed struct {
	client *redis.Client
	prefix string // Key prefix (e.g., "orchestr:" or "")
}

// NewStatusFeed creates a StatusFeed with the given key prefix.
func NewStatusFeed(client *redis.Client, prefix string) *StatusFeed {
	return &StatusFeed{client: client, prefix: prefix}
}

// NewBlockingReader creates a new StatusFeed backed by a dedicated Redis
// connection (pool size 1). Use this for XREAD BLOCK calls when following a
// job so the blocking read doesn't hold a connection from the shared pool.
//
// Each WebSocket watcher should create its own reader. The connection
// lifecycle matches the socket: client connects → create reader → push
// snapshots → socket closes → cleanup.
func (sf *StatusFeed) NewBlockingReader() (*StatusFeed, func()) {
	opts := *sf.client.Options()
	opts.PoolSize = 1
	opts.MinIdleConns = 1
	dedicated := redis.NewClient(&opts)

	reader := &StatusFeed{
		client: dedicated,
		prefix: sf.prefix,
	}

	cleanup := func() {
		dedicated.Close()
	}

	return reader, cleanup
}

// feedKey builds the Redis key for a job's status feed.
func (sf *StatusFeed) feedKey(jobID string) string {
	return sf.prefix + "feed:" + jobID
}

// Publish adds a status snapshot to a job's feed.
func (sf *StatusFeed) Publish(ctx context.Context, jobID string, view protocol.StatusView) (string, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("marshaling status snapshot: %w", err)
	}

	id, err := sf.client.XAdd(ctx, &redis.XAddArgs{
		Stream: sf.feedKey(jobID),
		Values: map[string]interface{}{
			"status": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing status for job %s: %w", jobID, err)
	}
	return id, nil
}

// Read retrieves status snapshots from a job's feed starting after lastID.
// If block > 0, it waits for new snapshots up to the timeout.
// If block <= 0, it returns immediately with whatever is available.
// Use lastID "0-0" to read from the beginning, or the last seen ID for
// incremental reads.
func (sf *StatusFeed) Read(ctx context.Context, jobID string, lastID string, count int64, block time.Duration) ([]FeedEntry, error) {
	args := &redis.XReadArgs{
		Streams: []string{sf.feedKey(jobID), lastID},
		Count:   count,
		// go-redis sends BLOCK when Block >= 0. BLOCK 0 means "block forever" in Redis.
		// Setting Block to -1 means "don't include BLOCK at all" → non-blocking read.
		Block: -1,
	}
	if block > 0 {
		args.Block = block
	}

	results, err := sf.client.XRead(ctx, args).Result()
	if err == redis.Nil {
		return nil, nil // Timeout, no new snapshots
	}
	if err != nil {
		return nil, fmt.Errorf("reading status feed for job %s: %w", jobID, err)
	}

	var entries []FeedEntry
	for _, stream := range results {
		for _, msg := range stream.Messages {
			statusJSON, _ := msg.Values["status"].(string)
			var view protocol.StatusView
			if err := json.Unmarshal([]byte(statusJSON), &view); err != nil {
				return nil, fmt.Errorf("parsing status snapshot: %w", err)
			}
			entries = append(entries, FeedEntry{
				ID:   msg.ID,
				View: view,
			})
		}
	}
	return entries, nil
}

// SetTTL sets an expiry on a job's status feed. Call after the job reaches a
// terminal state to auto-cleanup the ephemeral stream.
func (sf *StatusFeed) SetTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	ok, err := sf.client.Expire(ctx, sf.feedKey(jobID), ttl).Result()
	if err != nil {
		return fmt.Errorf("setting TTL for job %s status feed: %w", jobID, err)
	}
	if !ok {
		// Key doesn't exist — fine, the feed may have already expired or never existed
		return nil
	}
	return nil
}

// Delete removes a job's status feed immediately.
func (sf *StatusFeed) Delete(ctx context.Context, jobID string) error {
	if err := sf.client.Del(ctx, sf.feedKey(jobID)).Err(); err != nil {
		return fmt.Errorf("deleting status feed for job %s: %w", jobID, err)
	}
	return nil
}

// FeedEntry is a single entry read from a status feed.
type FeedEntry struct {
	ID   string
	View protocol.StatusView
}
