// Package consumer drives the event queue: it reads batches from the
// stream, runs each event through the processor, and executes the
// post-commit side effects the processor requests. Acks happen only
// after the processing transaction commits, so a crash mid-batch means
// redelivery, and the processor's dedup gate makes redelivery harmless.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fuel-code/fuel-code/pkg/events"
	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/processor"
	"github.com/fuel-code/fuel-code/pkg/streamq"
)

const (
	// readBatch bounds how many entries one read returns.
	readBatch = 10
	// claimBatch bounds how many stranded entries one claim adopts.
	claimBatch = 100

	// statsInterval is how often the consumer logs its counters.
	statsInterval = time.Minute
	// errorCooldown is the pause after a failed read before retrying.
	errorCooldown = 5 * time.Second
	// stopTimeout bounds how long Stop waits for the loops to exit.
	stopTimeout = 10 * time.Second
)

// Stream is the queue surface the consumer drives. *streamq.Queue
// satisfies it.
type Stream interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]streamq.Entry, error)
	Ack(ctx context.Context, entryID string) error
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]streamq.Entry, error)
	PendingCount(ctx context.Context) (int64, error)
}

// EventProcessor applies one event. *processor.Processor satisfies it.
type EventProcessor interface {
	Process(ctx context.Context, event *models.Event) (*processor.Result, error)
}

// Broadcaster fans processed events out to websocket clients.
// *events.Hub satisfies it.
type Broadcaster interface {
	BroadcastEvent(e *models.Event)
	BroadcastSessionUpdate(u events.SessionUpdate)
	BroadcastRemoteUpdate(deviceID, status string)
}

// Enqueuer hands sessions to the transcript pipeline.
// *pipeline.Pipeline satisfies it.
type Enqueuer interface {
	Enqueue(sessionID string) bool
}

// Options configures the consumer identity and its retry and timing
// knobs.
type Options struct {
	// Name identifies this consumer within the group. Defaults to
	// hostname-pid.
	Name string
	// MaxRetries is how many deliveries an event gets before it is
	// dropped.
	MaxRetries int
	// ClaimIdle is both the minimum idle time before a pending entry is
	// claimed from another consumer and the interval between claim
	// sweeps.
	ClaimIdle time.Duration
	// ReadBlock is how long one read blocks waiting for new entries.
	ReadBlock time.Duration
}

// Consumer is the single reader loop of this process.
type Consumer struct {
	queue     Stream
	processor EventProcessor
	hub       Broadcaster
	pipeline  Enqueuer

	name       string
	maxRetries int
	claimIdle  time.Duration
	readBlock  time.Duration

	// failures counts deliveries per entry id. Only the run goroutine
	// touches it.
	failures map[string]int

	processed  atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New builds a consumer. hub and pipeline may be nil, which disables
// the corresponding side effects.
func New(queue Stream, proc EventProcessor, hub Broadcaster, pipeline Enqueuer, opts Options) *Consumer {
	name := opts.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "fuel"
		}
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Consumer{
		queue:      queue,
		processor:  proc,
		hub:        hub,
		pipeline:   pipeline,
		name:       name,
		maxRetries: opts.MaxRetries,
		claimIdle:  opts.ClaimIdle,
		readBlock:  opts.ReadBlock,
		failures:   make(map[string]int),
		stopCh:     make(chan struct{}),
	}
}

// Start creates the consumer group if needed and spawns the read and
// stats loops. Subsequent calls are no-ops.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started {
		slog.Warn("Queue consumer already started, ignoring duplicate Start call")
		return nil
	}
	if err := c.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	c.started = true

	slog.Info("Starting queue consumer",
		"consumer", c.name,
		"max_retries", c.maxRetries,
		"claim_idle", c.claimIdle,
		"read_block", c.readBlock)

	c.wg.Add(1)
	go c.run(ctx)
	c.wg.Add(1)
	go c.statsLoop(ctx)
	return nil
}

// Stop ends the loops and waits for the in-flight batch, up to a hard
// timeout. Entries read but not acked stay pending and are claimed at
// the next boot.
func (c *Consumer) Stop() {
	slog.Info("Stopping queue consumer", "consumer", c.name)
	c.stopOnce.Do(func() { close(c.stopCh) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Queue consumer stopped")
	case <-time.After(stopTimeout):
		slog.Warn("Queue consumer stop timed out")
	}
}

// run is the main loop: adopt stranded deliveries, then read and
// process until shutdown.
func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	log := slog.With("consumer", c.name)
	log.Debug("Queue consumer loop started")

	// 1. Adopt entries a dead consumer read but never acked.
	c.claimStale(ctx, log)
	lastClaim := time.Now()

	for {
		if c.stopping(ctx) {
			log.Debug("Queue consumer loop shutting down")
			return
		}

		// 2. Sweep for stranded or retryable entries on the claim cadence.
		if c.claimIdle > 0 && time.Since(lastClaim) >= c.claimIdle {
			c.claimStale(ctx, log)
			lastClaim = time.Now()
		}

		// 3. Read the next batch of fresh entries.
		entries, err := c.queue.Read(ctx, c.name, readBatch, c.readBlock)
		if err != nil {
			if c.stopping(ctx) {
				return
			}
			if streamq.IsNoGroup(err) {
				log.Warn("Consumer group missing, recreating")
				if err := c.queue.EnsureGroup(ctx); err != nil {
					log.Error("Failed to recreate consumer group", "error", err)
					c.sleep(ctx, errorCooldown)
				}
				continue
			}
			log.Error("Failed to read from queue", "error", err)
			c.sleep(ctx, errorCooldown)
			continue
		}

		for _, entry := range entries {
			if c.stopping(ctx) {
				return
			}
			c.handleEntry(ctx, log, entry)
		}
	}
}

// claimStale adopts pending entries idle longer than claimIdle,
// including this consumer's own earlier failures, and processes them.
func (c *Consumer) claimStale(ctx context.Context, log *slog.Logger) {
	entries, err := c.queue.Claim(ctx, c.name, c.claimIdle, claimBatch)
	if err != nil {
		if !c.stopping(ctx) {
			log.Error("Failed to claim stale deliveries", "error", err)
		}
		return
	}
	if len(entries) == 0 {
		return
	}
	log.Info("Claimed stale deliveries", "count", len(entries))
	for _, entry := range entries {
		if c.stopping(ctx) {
			return
		}
		c.handleEntry(ctx, log, entry)
	}
}

// handleEntry decodes and processes one delivery, then acks or leaves
// it pending for another try.
func (c *Consumer) handleEntry(ctx context.Context, log *slog.Logger, entry streamq.Entry) {
	event := &models.Event{}
	if err := json.Unmarshal(entry.Payload, event); err != nil {
		// Undecodable payloads can never succeed; drop immediately.
		log.Error("Dropping undecodable queue entry",
			"entry_id", entry.ID, "event_id", entry.EventID, "error", err)
		c.errors.Add(1)
		c.ack(ctx, log, entry.ID)
		return
	}

	res, err := c.processor.Process(ctx, event)
	if err != nil {
		c.errors.Add(1)
		attempts := c.failures[entry.ID] + 1
		c.failures[entry.ID] = attempts
		if attempts >= c.maxRetries {
			log.Error("Dropping event after repeated failures",
				"entry_id", entry.ID, "event_id", event.ID,
				"event_type", event.Type, "attempts", attempts, "error", err)
			delete(c.failures, entry.ID)
			c.ack(ctx, log, entry.ID)
			return
		}
		log.Warn("Event processing failed, leaving for redelivery",
			"entry_id", entry.ID, "event_id", event.ID,
			"event_type", event.Type, "attempts", attempts, "error", err)
		return
	}
	delete(c.failures, entry.ID)

	switch res.Outcome {
	case processor.OutcomeProcessed:
		c.processed.Add(1)
	case processor.OutcomeDuplicate:
		c.duplicates.Add(1)
		log.Debug("Skipping duplicate event", "event_id", event.ID)
	case processor.OutcomeNoHandler:
		c.processed.Add(1)
		log.Debug("Recorded event without handler",
			"event_id", event.ID, "event_type", event.Type)
	}

	c.ack(ctx, log, entry.ID)

	if res.Outcome == processor.OutcomeProcessed {
		c.fanOut(res)
	}
}

// fanOut executes the post-commit side effects of one processed event.
// All of them are best-effort: a missed broadcast is invisible to a
// reconnecting client anyway, and a dropped pipeline enqueue is
// re-found by the recovery scan.
func (c *Consumer) fanOut(res *processor.Result) {
	if c.hub != nil {
		c.hub.BroadcastEvent(res.Event)
		if res.DeviceCameOnline && res.DeviceType == models.DeviceTypeRemote {
			c.hub.BroadcastRemoteUpdate(res.Event.DeviceID, models.DeviceStatusOnline)
		}
		for _, u := range res.SessionUpdates {
			c.hub.BroadcastSessionUpdate(events.SessionUpdate{
				SessionID:   u.SessionID,
				WorkspaceID: u.WorkspaceID,
				Lifecycle:   u.Lifecycle,
			})
		}
	}
	if c.pipeline != nil {
		for _, id := range res.EnqueueSessions {
			c.pipeline.Enqueue(id)
		}
	}
}

// statsLoop logs throughput counters once a minute.
func (c *Consumer) statsLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := c.queue.PendingCount(ctx)
			if err != nil {
				slog.Warn("Failed to read queue pending count", "error", err)
				pending = -1
			}
			slog.Info("Queue consumer stats",
				"consumer", c.name,
				"processed", c.processed.Load(),
				"duplicates", c.duplicates.Load(),
				"errors", c.errors.Load(),
				"pending", pending)
		}
	}
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, entryID string) {
	if err := c.queue.Ack(ctx, entryID); err != nil {
		// The entry stays pending and will be claimed and deduped later.
		log.Warn("Failed to ack queue entry", "entry_id", entryID, "error", err)
	}
}

// sleep waits for d unless shutdown begins first.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stopCh:
	case <-ctx.Done():
	}
}

// stopping reports whether shutdown has begun, via either the process
// context or Stop.
func (c *Consumer) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
