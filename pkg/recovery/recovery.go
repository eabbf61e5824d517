// Package recovery re-enqueues sessions whose transcript processing a
// crash or deploy interrupted. It runs once shortly after boot, under a
// database advisory lock so that exactly one replica scans.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/fuel-code/fuel-code/pkg/store"
)

const (
	// startDelay lets the consumer and pipeline settle before scanning.
	startDelay = 5 * time.Second

	// stuckCutoff is how stale a parse checkpoint must be before it
	// counts as abandoned rather than in flight on another replica.
	stuckCutoff = 5 * time.Minute

	// scanLimit bounds each scan. Matches the pipeline's default pending
	// capacity; anything beyond it would be dropped on enqueue anyway
	// and picked up at the next boot.
	scanLimit = 50

	// lockKey is the advisory lock serializing the scan across
	// replicas. Spells "fuel".
	lockKey int64 = 0x6675656C
)

// Enqueuer hands recovered sessions to the transcript pipeline.
// *pipeline.Pipeline satisfies it.
type Enqueuer interface {
	Enqueue(sessionID string) bool
}

// Recoverer scans for interrupted sessions and feeds them back into
// the pipeline.
type Recoverer struct {
	store          *store.Store
	pipeline       Enqueuer
	summaryEnabled bool
}

// New builds a Recoverer. summaryEnabled gates the unsummarized scan.
func New(st *store.Store, pipeline Enqueuer, summaryEnabled bool) *Recoverer {
	return &Recoverer{store: st, pipeline: pipeline, summaryEnabled: summaryEnabled}
}

// Start schedules one Run shortly after boot. The goroutine exits
// without scanning if the context is cancelled first.
func (r *Recoverer) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(startDelay):
		}
		r.Run(ctx)
	}()
}

// Run performs the scans now. Callers other than Start are tests and
// operational tooling. All failures are logged and swallowed; recovery
// must never take the server down.
func (r *Recoverer) Run(ctx context.Context) {
	acquired, unlock, err := r.store.TryAdvisoryLock(ctx, lockKey)
	if err != nil {
		slog.Error("Failed to acquire recovery lock", "error", err)
		return
	}
	if !acquired {
		slog.Info("Recovery scan running on another replica, skipping")
		return
	}
	defer unlock()

	slog.Info("Running recovery scan")

	// 1. Sessions that ended but whose parse never completed.
	stuck, err := r.store.FindStuckSessions(ctx, time.Now().Add(-stuckCutoff), scanLimit)
	if err != nil {
		slog.Error("Failed to scan for stuck sessions", "error", err)
	} else if len(stuck) > 0 {
		requeued := 0
		for _, id := range stuck {
			if r.pipeline.Enqueue(id) {
				requeued++
			}
		}
		slog.Info("Re-enqueued stuck sessions", "found", len(stuck), "requeued", requeued)
	}

	// 2. Parsed sessions that still lack a summary.
	if !r.summaryEnabled {
		return
	}
	unsummarized, err := r.store.FindUnsummarizedSessions(ctx, scanLimit)
	if err != nil {
		slog.Error("Failed to scan for unsummarized sessions", "error", err)
		return
	}
	if len(unsummarized) > 0 {
		requeued := 0
		for _, id := range unsummarized {
			if r.pipeline.Enqueue(id) {
				requeued++
			}
		}
		slog.Info("Re-enqueued unsummarized sessions", "found", len(unsummarized), "requeued", requeued)
	}
}
