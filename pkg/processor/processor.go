// Package processor turns queued events into normalized state. Each
// event is processed in exactly one database transaction: the dedup
// gate, collaborator upserts and the per-type handler either all commit
// or all roll back, so a redelivered event can never half-apply.
package processor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
)

// Outcome classifies what processing an event did.
type Outcome int

const (
	// OutcomeProcessed means the event was new and its handler ran.
	OutcomeProcessed Outcome = iota
	// OutcomeDuplicate means the event id was already stored.
	OutcomeDuplicate
	// OutcomeNoHandler means the event was recorded but no handler is
	// registered for its type.
	OutcomeNoHandler
	// OutcomeFailed means the transaction rolled back.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeNoHandler:
		return "no_handler"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SessionUpdate is a lifecycle change a handler wants broadcast after
// commit.
type SessionUpdate struct {
	SessionID   string
	WorkspaceID string
	Lifecycle   models.Lifecycle
}

// HandlerResult describes the side effects a handler requests. All of
// them are executed by the caller only after the transaction commits.
type HandlerResult struct {
	// SessionID is the session row the event was attributed to, if any.
	SessionID string
	// EnqueueSessions are session ids to hand to the transcript pipeline.
	EnqueueSessions []string
	// SessionUpdates are lifecycle changes to broadcast.
	SessionUpdates []SessionUpdate
}

// HandlerFunc mutates derived state for one event type inside the
// processor's transaction.
type HandlerFunc func(ctx context.Context, q store.Querier, event *models.Event) (*HandlerResult, error)

// Registry maps event types to handlers.
type Registry map[string]HandlerFunc

// DefaultRegistry wires the built-in handlers. cc.session_start and
// unknown types are deliberately absent: those events are recorded and
// nothing else.
func DefaultRegistry(st *store.Store) Registry {
	return Registry{
		models.EventSessionStart: sessionStartHandler(st),
		models.EventSessionEnd:   sessionEndHandler(st),
		models.EventGitCommit:    gitActivityHandler(st, models.GitActivityCommit),
		models.EventGitPush:      gitActivityHandler(st, models.GitActivityPush),
		models.EventGitCheckout:  gitActivityHandler(st, models.GitActivityCheckout),
		models.EventGitMerge:     gitActivityHandler(st, models.GitActivityMerge),
	}
}

// Result is the post-commit view of one processed event. The embedded
// event carries the rewritten workspace and session ids, matching the
// stored row.
type Result struct {
	Outcome          Outcome
	Event            *models.Event
	EnqueueSessions  []string
	SessionUpdates   []SessionUpdate
	DeviceCameOnline bool
	DeviceType       string
}

// Processor applies events against the store.
type Processor struct {
	store    *store.Store
	registry Registry
}

// New builds a processor with the default handler registry.
func New(st *store.Store) *Processor {
	return &Processor{store: st, registry: DefaultRegistry(st)}
}

// NewWithRegistry builds a processor with a custom registry.
func NewWithRegistry(st *store.Store, registry Registry) *Processor {
	return &Processor{store: st, registry: registry}
}

// Process runs one event through dedup, normalization and its handler
// in a single transaction. The returned result is only meaningful when
// err is nil; side effects it lists must be executed by the caller, not
// before.
func (p *Processor) Process(ctx context.Context, event *models.Event) (*Result, error) {
	res := &Result{Outcome: OutcomeFailed, Event: event}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		// 1. Dedup gate: the event id is the at-most-once boundary.
		inserted, err := p.store.InsertEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		// 2. Normalize collaborators and rewrite the stored event's
		// workspace to the system row id.
		cameOnline, deviceType, err := p.normalize(ctx, tx, event)
		if err != nil {
			return err
		}
		res.DeviceCameOnline = cameOnline
		res.DeviceType = deviceType

		// 3. Dispatch to the type handler.
		handler, ok := p.registry[event.Type]
		if !ok {
			res.Outcome = OutcomeNoHandler
			return nil
		}
		hres, err := handler(ctx, tx, event)
		if err != nil {
			return err
		}

		// 4. Attribute the stored event to the resolved session.
		if hres != nil {
			if hres.SessionID != "" && hres.SessionID != event.SessionID {
				if err := p.store.RewriteEventSession(ctx, tx, event.ID, hres.SessionID); err != nil {
					return err
				}
				event.SessionID = hres.SessionID
			}
			res.EnqueueSessions = hres.EnqueueSessions
			res.SessionUpdates = hres.SessionUpdates
		}
		res.Outcome = OutcomeProcessed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process event %s: %w", event.ID, err)
	}
	return res, nil
}

// normalize upserts the workspace, device and their junction row, then
// points the stored event at the workspace row id. The event is updated
// in place so handlers and broadcasts see the same ids as the database.
func (p *Processor) normalize(ctx context.Context, tx *sql.Tx, event *models.Event) (bool, string, error) {
	canonical := CanonicalizeWorkspaceID(event.WorkspaceID)
	display := WorkspaceDisplayName(event.WorkspaceID, canonical)

	workspaceID, err := p.store.UpsertWorkspace(ctx, tx, canonical, display)
	if err != nil {
		return false, "", err
	}
	cameOnline, deviceType, err := p.store.UpsertDevice(ctx, tx, event.DeviceID, event.Timestamp)
	if err != nil {
		return false, "", err
	}

	// session.start is the only event that knows the checkout path.
	localPath := ""
	if event.Type == models.EventSessionStart {
		if data, err := event.DecodeSessionStart(); err == nil {
			localPath = data.Cwd
		}
	}
	if err := p.store.UpsertWorkspaceDevice(ctx, tx, workspaceID, event.DeviceID, localPath, event.Timestamp); err != nil {
		return false, "", err
	}

	if err := p.store.RewriteEventWorkspace(ctx, tx, event.ID, workspaceID); err != nil {
		return false, "", err
	}
	event.WorkspaceID = workspaceID
	return cameOnline, deviceType, nil
}
