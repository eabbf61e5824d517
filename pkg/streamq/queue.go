// Package streamq is the at-least-once event queue between the ingest
// endpoint and the consumer loop, backed by a Redis Stream with one
// consumer group. Entries carry the raw event JSON; delivery state
// (pending entries, claims, acks) lives entirely in Redis.
package streamq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StreamName is the Redis Stream all events flow through.
	StreamName = "fuel:events"
	// GroupName is the single consumer group processors read as.
	GroupName = "fuel-processors"

	// payloadField is the entry field holding the raw event JSON.
	payloadField = "event"
	// eventIDField carries the event id alongside the payload for
	// inspection with redis-cli.
	eventIDField = "event_id"
)

// Entry is one delivery read from the stream.
type Entry struct {
	// ID is the Redis entry id used for acks and claims.
	ID string
	// EventID is the producer-side event id.
	EventID string
	// Payload is the raw event JSON as appended.
	Payload []byte
}

// Queue wraps the stream operations the ingest path and the consumer
// loop need. Blocking reads run on a dedicated client so acks, claims
// and stats never queue behind a blocked XREADGROUP.
type Queue struct {
	rdb      *redis.Client
	blocking *redis.Client
}

// New connects two clients from a redis:// URL.
func New(queueURL string) (*Queue, error) {
	opts, err := redis.ParseURL(queueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue URL: %w", err)
	}
	blockingOpts := *opts
	return &Queue{
		rdb:      redis.NewClient(opts),
		blocking: redis.NewClient(&blockingOpts),
	}, nil
}

// Ping verifies connectivity on the shared client.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping queue: %w", err)
	}
	return nil
}

// Append adds one event to the stream and returns the entry id.
func (q *Queue) Append(ctx context.Context, eventID string, payload []byte) (string, error) {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]any{
			eventIDField: eventID,
			payloadField: payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream: %w", err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group from the beginning of the
// stream, creating the stream itself if absent. An existing group is
// not an error.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, StreamName, GroupName, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read blocks up to the given duration for new deliveries to this
// consumer. A timeout returns an empty slice, not an error.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := q.blocking.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: consumer,
		Streams:  []string{StreamName, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

// Ack removes a delivery from the group's pending list.
func (q *Queue) Ack(ctx context.Context, entryID string) error {
	if err := q.rdb.XAck(ctx, StreamName, GroupName, entryID).Err(); err != nil {
		return fmt.Errorf("failed to ack entry: %w", err)
	}
	return nil
}

// Claim transfers entries pending longer than minIdle from any consumer
// to this one. Used once at startup to adopt deliveries stranded by a
// crashed process.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamName,
		Group:    GroupName,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

// PendingCount returns the group's pending entry count.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	pending, err := q.rdb.XPending(ctx, StreamName, GroupName).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending count: %w", err)
	}
	return pending.Count, nil
}

// Close closes both clients.
func (q *Queue) Close() error {
	return errors.Join(q.rdb.Close(), q.blocking.Close())
}

// IsNoGroup reports whether the error is Redis telling us the consumer
// group vanished (flushed or migrated), in which case the caller should
// EnsureGroup and retry.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func toEntry(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if v, ok := msg.Values[eventIDField].(string); ok {
		e.EventID = v
	}
	if v, ok := msg.Values[payloadField].(string); ok {
		e.Payload = []byte(v)
	}
	return e
}
