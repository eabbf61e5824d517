// Package pipeline turns sessions with uploaded transcripts into parsed
// rows, aggregate statistics, and an optional LLM summary. A bounded
// deduplicating pending set feeds a fixed pool of workers; every stage
// checkpoints the session row so the recovery scan can resume work that
// a crash or deploy interrupted.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/fuel-code/fuel-code/pkg/blob"
	"github.com/fuel-code/fuel-code/pkg/events"
	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
	"github.com/fuel-code/fuel-code/pkg/summarize"
	"github.com/fuel-code/fuel-code/pkg/transcripts"
)

const (
	// Download/parse retry schedule: exponential from 1s, doubled each
	// attempt, capped at 30s. downloadRetries counts retries after the
	// first attempt, so the unit runs at most three times.
	downloadRetryBase = time.Second
	downloadRetryCap  = 30 * time.Second
	downloadRetries   = 2

	// summaryInputLimit caps how many parsed messages feed the digest.
	summaryInputLimit = 200

	// drainTimeout bounds how long Stop waits for in-flight sessions.
	drainTimeout = 30 * time.Second
)

// Broadcaster receives session updates after pipeline stages commit.
// *events.Hub satisfies it.
type Broadcaster interface {
	BroadcastSessionUpdate(u events.SessionUpdate)
}

// Options configures the pool dimensions and the per-session blob
// budget.
type Options struct {
	PoolSize    int
	PendingMax  int
	BlobTimeout time.Duration
}

// Pipeline is the bounded worker pool behind transcript processing.
type Pipeline struct {
	store       *store.Store
	blobs       blob.ObjectStore
	summarizer  summarize.Summarizer
	broadcaster Broadcaster

	pending     *pendingSet
	poolSize    int
	blobTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New builds a Pipeline. summarizer may be nil (summarization disabled)
// and broadcaster may be nil (fan-out disabled); blobs may be nil when
// no object store is configured, which turns processing into a no-op.
func New(st *store.Store, blobs blob.ObjectStore, summarizer summarize.Summarizer, broadcaster Broadcaster, opts Options) *Pipeline {
	return &Pipeline{
		store:       st,
		blobs:       blobs,
		summarizer:  summarizer,
		broadcaster: broadcaster,
		pending:     newPendingSet(opts.PendingMax),
		poolSize:    opts.PoolSize,
		blobTimeout: opts.BlobTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Start spawns the worker pool. Subsequent calls are no-ops.
func (p *Pipeline) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Transcript pipeline already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting transcript pipeline",
		"pool_size", p.poolSize, "pending_max", cap(p.pending.ch))
	for i := 0; i < p.poolSize; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
}

// Stop closes intake, discards queued sessions and waits for in-flight
// ones up to a hard timeout. Discarded sessions keep their parse
// checkpoint, so the recovery scan re-enqueues them at next boot.
func (p *Pipeline) Stop() {
	slog.Info("Stopping transcript pipeline", "pending", p.pending.Len())
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.pending.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Transcript pipeline stopped")
	case <-time.After(drainTimeout):
		slog.Warn("Transcript pipeline drain timed out, abandoning in-flight sessions")
	}
}

// Enqueue hands a session to the pool. A session already queued or
// being processed is a no-op reported as success. A full pending set or
// a stopped pipeline drops the session with a Warn; the dropped session
// is not lost for good because its parse checkpoint stays pending and
// recovery retries it.
func (p *Pipeline) Enqueue(sessionID string) bool {
	queued, err := p.pending.Add(sessionID)
	if err != nil {
		slog.Warn("Transcript pipeline dropped session",
			"session_id", sessionID, "reason", err)
		return false
	}
	if queued {
		slog.Debug("Session queued for transcript processing", "session_id", sessionID)
	}
	return true
}

// Pending counts sessions queued or in flight.
func (p *Pipeline) Pending() int {
	return p.pending.Len()
}

// runWorker dequeues session ids until shutdown.
func (p *Pipeline) runWorker(ctx context.Context, n int) {
	defer p.wg.Done()

	log := slog.With("worker_id", fmt.Sprintf("transcript-%d", n))
	log.Debug("Transcript worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Context cancelled, transcript worker shutting down")
			return
		case sessionID, ok := <-p.pending.ch:
			if !ok {
				log.Debug("Transcript worker shutting down")
				return
			}
			p.processSession(ctx, log, sessionID)
			p.pending.Done(sessionID)
		}
	}
}

// processSession runs the per-session stages: load, download+parse+
// persist, summarize, broadcast. Workers check for shutdown between
// stages and abandon without failure marks; the checkpoint left behind
// is what recovery resumes from.
func (p *Pipeline) processSession(ctx context.Context, log *slog.Logger, sessionID string) {
	log = log.With("session_id", sessionID)

	// 1. Load the session and decide what is left to do.
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			log.Debug("Session vanished before transcript processing")
		} else {
			log.Error("Failed to load session for transcript processing", "error", err)
		}
		return
	}

	ord := sess.Lifecycle.Ordinal()
	switch {
	case ord >= models.SummarizedOrdinal:
		// Summarized, archived and failed are all terminal here.
		log.Debug("Session needs no transcript processing", "lifecycle", sess.Lifecycle)
		return
	case ord < models.LifecycleEnded.Ordinal():
		log.Debug("Session not ready for transcript processing", "lifecycle", sess.Lifecycle)
		return
	case sess.TranscriptS3Key == "":
		log.Debug("Session has no transcript blob yet")
		return
	}

	if sess.Lifecycle == models.LifecycleParsed && sess.ParseStatus == models.ParseCompleted {
		// Parse already done; only the summary is missing.
		p.summarizeAndBroadcast(ctx, log, sess.ID)
		return
	}

	if p.blobs == nil {
		log.Warn("Transcript processing skipped: no object store configured")
		return
	}

	// 2. Checkpoint, then download, parse and persist as one retried
	// unit.
	if err := p.store.SetParseStatus(ctx, p.store.DB(), sess.ID, models.ParseInProgress); err != nil {
		log.Error("Failed to checkpoint parse start", "error", err)
		return
	}

	res, err := p.downloadAndParse(ctx, sess)
	if err != nil {
		if p.stopping(ctx) {
			log.Info("Shutdown during transcript download, leaving checkpoint for recovery")
			return
		}
		log.Error("Transcript processing failed permanently", "error", err)
		if _, mErr := p.store.MarkSessionFailed(ctx, p.store.DB(), sess.ID, err.Error()); mErr != nil {
			log.Error("Failed to mark session failed", "error", mErr)
		}
		p.broadcastState(ctx, log, sess.ID)
		return
	}

	if p.stopping(ctx) {
		log.Info("Shutdown after transcript parse, leaving summary for recovery")
		return
	}

	if len(res.LineErrors) > 0 {
		log.Warn("Transcript parsed with line errors",
			"messages", res.Stats.MessageCount,
			"line_errors", len(res.LineErrors),
			"first", res.LineErrors[0].String())
	}

	log.Info("Transcript parsed",
		"messages", res.Stats.MessageCount, "blocks", res.BlockCount,
		"tokens_in", res.Stats.TokensIn, "tokens_out", res.Stats.TokensOut)

	// 3. Summarize when enabled, then fan out the final state.
	p.summarizeAndBroadcast(ctx, log, sess.ID)
}

// downloadAndParse fetches the transcript blob, streams it through the
// parser, and persists rows batch by batch inside one transaction, as
// one retried unit: a failed download, a truncated read or a rolled
// back transaction starts over with a fresh body, a fresh parser and a
// clean slate. Streaming keeps memory flat no matter how large the
// blob is. The whole unit shares one deadline.
func (p *Pipeline) downloadAndParse(ctx context.Context, sess *models.Session) (*transcripts.Result, error) {
	unitCtx, cancel := context.WithTimeout(ctx, p.blobTimeout)
	defer cancel()

	backoff := retry.NewExponential(downloadRetryBase)
	backoff = retry.WithCappedDuration(downloadRetryCap, backoff)
	backoff = retry.WithMaxRetries(downloadRetries, backoff)

	sink := func(ctx context.Context, blockID, text string) (string, error) {
		key := blob.ToolResultKey(sess.ID, blockID)
		if err := p.blobs.Put(ctx, key, strings.NewReader(text), int64(len(text))); err != nil {
			return "", err
		}
		return key, nil
	}

	var res *transcripts.Result
	err := retry.Do(unitCtx, backoff, func(ctx context.Context) error {
		body, err := p.blobs.Get(ctx, sess.TranscriptS3Key)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to download transcript: %w", err))
		}
		defer body.Close()

		txErr := p.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := p.store.ClearTranscript(ctx, tx, sess.ID); err != nil {
				return err
			}
			flush := func(ctx context.Context, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) error {
				return p.store.InsertTranscriptRows(ctx, tx, msgs, blocks)
			}
			parsed, err := transcripts.NewParser(sess.ID, sink).Parse(ctx, body, flush)
			if err != nil {
				return fmt.Errorf("failed to parse transcript: %w", err)
			}
			if parsed.CompactSeq > 0 {
				if err := p.store.MarkCompactedMessages(ctx, tx, sess.ID, parsed.CompactSeq); err != nil {
					return err
				}
			}
			if err := p.store.ApplyTranscriptStats(ctx, tx, sess.ID, store.TranscriptStatsParams{
				MessageCount:          parsed.Stats.MessageCount,
				UserMessageCount:      parsed.Stats.UserMessageCount,
				AssistantMessageCount: parsed.Stats.AssistantMessageCount,
				ToolUseCount:          parsed.Stats.ToolUseCount,
				TokensIn:              parsed.Stats.TokensIn,
				TokensOut:             parsed.Stats.TokensOut,
				CacheReadTokens:       parsed.Stats.CacheReadTokens,
				CacheWriteTokens:      parsed.Stats.CacheWriteTokens,
				CostUSD:               parsed.Stats.CostUSD,
				DurationMs:            parsed.Stats.DurationMs,
				Model:                 parsed.Stats.Model,
				InitialPrompt:         parsed.Stats.InitialPrompt,
			}); err != nil {
				return err
			}
			res = parsed
			return nil
		})
		if txErr != nil {
			return retry.RetryableError(txErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// summarizeAndBroadcast runs the optional summary stage and then fans
// out the session's resulting state.
func (p *Pipeline) summarizeAndBroadcast(ctx context.Context, log *slog.Logger, sessionID string) {
	if p.summarizer != nil && !p.stopping(ctx) {
		if err := p.summarizeSession(ctx, sessionID); err != nil {
			// Unbounded across boots: the recovery scan re-enqueues
			// unsummarized sessions, so one failure here is not final.
			log.Warn("Session summary failed, staying parsed", "error", err)
		} else {
			log.Info("Session summarized")
		}
	}
	p.broadcastState(ctx, log, sessionID)
}

// summarizeSession builds a digest from the persisted transcript, asks
// the summarizer for prose, and moves the session to summarized.
func (p *Pipeline) summarizeSession(ctx context.Context, sessionID string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	msgs, err := p.store.ListSessionMessages(ctx, sessionID, summaryInputLimit, 0)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errors.New("no parsed messages to summarize")
	}

	summary, err := p.summarizer.Summarize(ctx, summarize.BuildDigest(sess, msgs))
	if err != nil {
		return err
	}

	applied, err := p.store.SetSummary(ctx, p.store.DB(), sessionID, summary)
	if err != nil {
		return err
	}
	if !applied {
		slog.Debug("Summary not applied, session already past parsed",
			"session_id", sessionID)
	}
	return nil
}

// broadcastState reloads the session and fans out its current
// lifecycle, summary and compact stats.
func (p *Pipeline) broadcastState(ctx context.Context, log *slog.Logger, sessionID string) {
	if p.broadcaster == nil || p.stopping(ctx) {
		return
	}
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		log.Warn("Failed to load session for broadcast", "error", err)
		return
	}
	stats := sess.Stats()
	p.broadcaster.BroadcastSessionUpdate(events.SessionUpdate{
		SessionID:   sess.ID,
		WorkspaceID: sess.WorkspaceID,
		Lifecycle:   sess.Lifecycle,
		Summary:     sess.Summary,
		Stats:       &stats,
	})
}

// stopping reports whether shutdown has begun, via either the process
// context or Stop.
func (p *Pipeline) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}
