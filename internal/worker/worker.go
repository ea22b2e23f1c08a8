package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PlumyCat/func-orchestr-mcp/pkg/jobstore"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/memory"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/queue"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/responses"
	"github.com/PlumyCat/func-orchestr-mcp/pkg/tools"
)

// Worker consumes job payloads from the work queue and processes them.
// Each delivery is handled sequentially; concurrency comes from running
// multiple worker processes against the same consumer group.
type Worker struct {
	cfg       *Config
	store     *jobstore.Store
	queue     *queue.JobQueue
	feed      *queue.StatusFeed
	heartbeat *queue.Heartbeat
	sweeper   *queue.Sweeper
	memory    *memory.Memory
	client    *responses.Client
	registry  *tools.Registry
	logger    *slog.Logger
}

// New builds a Worker wired to the given Redis client.
func New(cfg *Config, rdb *redis.Client, logger *slog.Logger) *Worker {
	jobQueue := queue.NewJobQueue(rdb, cfg.KeyPrefix+"jobs", "workers")
	heartbeat := queue.NewHeartbeat(rdb, cfg.KeyPrefix, cfg.DeadWorkerTimeout)

	return &Worker{
		cfg:       cfg,
		store:     jobstore.New(rdb, cfg.KeyPrefix, cfg.JobsTTL),
		queue:     jobQueue,
		feed:      queue.NewStatusFeed(rdb, cfg.KeyPrefix),
		heartbeat: heartbeat,
		sweeper:   queue.NewSweeper(jobQueue, heartbeat, cfg.SweepInterval, logger),
		memory:    memory.New(rdb, cfg.KeyPrefix, cfg.ConversationTTL),
		client: responses.NewClient(responses.Config{
			BaseURL:      cfg.ResponsesURL,
			APIKey:       cfg.ResponsesAPIKey,
			Timeout:      cfg.RequestTimeout,
			PollInterval: cfg.PollInterval,
			PollDeadline: cfg.PollDeadline,
		}),
		registry: tools.DefaultRegistry(tools.Backends{
			SearchURL: cfg.SearchURL,
			DocsvcURL: cfg.DocsvcURL,
			Timeout:   cfg.ToolTimeout,
		}),
		logger: logger,
	}
}

// Run processes deliveries until the context is cancelled. It drains this
// consumer's pending entries first (crash recovery), then blocks on new
// deliveries, re-checking the pending list periodically to pick up entries
// the sweeper reclaimed from dead workers.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	go w.sweeper.Run(ctx)
	go w.heartbeatLoop(ctx)

	w.logger.Info("worker started",
		"worker_id", w.cfg.WorkerID,
		"tools", w.registry.Names(),
	)

	// A dedicated connection for blocking reads so the shared pool stays
	// free for record-store writes from the same process.
	reader, closeReader := w.queue.NewBlockingReader()
	defer closeReader()

	w.drainPending(ctx)
	lastPendingCheck := time.Now()

	var failures int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := reader.Read(ctx, w.cfg.WorkerID, w.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := backoff(failures)
			w.logger.Error("reading job queue", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		for _, entry := range entries {
			w.handleEntry(ctx, entry)
		}

		if time.Since(lastPendingCheck) >= w.cfg.SweepInterval {
			lastPendingCheck = time.Now()
			w.drainPending(ctx)
		}
	}
}

// drainPending processes entries already assigned to this consumer: own
// deliveries left unacked by a crash, plus entries the sweeper reclaimed
// from dead workers.
func (w *Worker) drainPending(ctx context.Context) {
	entries, err := w.queue.ReadPending(ctx, w.cfg.WorkerID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.Error("reading pending entries", "error", err)
		}
		return
	}
	if len(entries) > 0 {
		w.logger.Info("processing pending entries", "count", len(entries))
	}
	for _, entry := range entries {
		w.handleEntry(ctx, entry)
	}
}

// handleEntry runs one delivery end to end. The entry is acked only when the
// job reached a durable terminal write; a processing error leaves it in the
// pending list for redelivery.
func (w *Worker) handleEntry(ctx context.Context, entry queue.StreamEntry) {
	if entry.Payload == nil {
		w.logger.Error("dropping undecodable queue entry",
			"entry_id", entry.ID,
			"raw", string(entry.Raw),
		)
		w.ack(ctx, entry.ID)
		return
	}

	if entry.Payload.Expired(time.Now()) {
		w.logger.Warn("dropping expired job",
			"job_id", entry.Payload.JobID,
			"expired_at", entry.Payload.ExpiresAt,
		)
		w.ack(ctx, entry.ID)
		return
	}

	if err := w.heartbeat.Ping(ctx, w.cfg.WorkerID); err != nil {
		w.logger.Warn("heartbeat ping", "error", err)
	}

	if err := w.runJob(ctx, entry.Payload); err != nil {
		// Leave the entry pending: the queue redelivers it, and the record
		// merge makes the second run converge.
		w.logger.Error("job processing failed, leaving for redelivery",
			"job_id", entry.Payload.JobID,
			"entry_id", entry.ID,
			"error", err,
		)
		return
	}

	w.ack(ctx, entry.ID)
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.queue.Ack(ctx, entryID); err != nil {
		w.logger.Error("acking queue entry", "entry_id", entryID, "error", err)
	}
}

// heartbeatLoop keeps this worker's liveness key fresh so the sweeper knows
// not to steal its pending jobs.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	if err := w.heartbeat.Ping(ctx, w.cfg.WorkerID); err != nil {
		w.logger.Warn("initial heartbeat ping", "error", err)
	}

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort removal so the sweeper reclaims our pending jobs
			// promptly instead of waiting out the TTL.
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = w.heartbeat.Remove(cleanup, w.cfg.WorkerID)
			cancel()
			return
		case <-ticker.C:
			if err := w.heartbeat.Ping(ctx, w.cfg.WorkerID); err != nil {
				w.logger.Warn("heartbeat ping", "error", err)
			}
		}
	}
}

// backoff returns an exponential delay for consecutive read failures,
// capped at 30s.
func backoff(failures int) time.Duration {
	delay := time.Second
	for i := 1; i < failures && delay < 30*time.Second; i++ {
		delay *= 2
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
