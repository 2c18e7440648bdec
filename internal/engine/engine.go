// Package engine implements the metadata field value and approval engine:
// the field registry, value store, override resolver, pending change queue,
// approval workflow, suggestion ingestor, compliance invalidator, and the
// review queue, wired together behind Service.
//
// Every mutation runs in one store transaction. Notifications and rescore
// dispatches are collected during the transaction and released only after
// it commits, so listeners never observe a write that was rolled back.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Recorder receives engine outcomes for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	ValueCommitted(fieldID string, provenance types.Provenance)
	AutomationSuppressed(fieldID string)
	ChangeProposed(source types.ChangeSource, superseded int)
	ChangeResolved(status types.ChangeStatus)
	ResolveConflict()
	RescoreRequested(status types.RescoreStatus)
	ScoreOutcome(outcome ScoreOutcome)
}

// ScoreOutcome classifies the end of one recomputation attempt.
type ScoreOutcome string

const (
	ScoreAccepted  ScoreOutcome = "accepted"
	ScoreStale     ScoreOutcome = "stale"
	ScoreFailed    ScoreOutcome = "failed"
	ScoreAbandoned ScoreOutcome = "abandoned"
)

type noopRecorder struct{}

func (noopRecorder) ValueCommitted(string, types.Provenance) {}
func (noopRecorder) AutomationSuppressed(string)             {}
func (noopRecorder) ChangeProposed(types.ChangeSource, int)  {}
func (noopRecorder) ChangeResolved(types.ChangeStatus)       {}
func (noopRecorder) ResolveConflict()                        {}
func (noopRecorder) RescoreRequested(types.RescoreStatus)    {}
func (noopRecorder) ScoreOutcome(ScoreOutcome)               {}

// core holds what every component shares.
type core struct {
	store    types.Store
	registry *Registry
	events   pubsub.Publisher[types.ChangeEvent]
	metrics  Recorder
	now      func() time.Time
	newID    func() string

	// invalidator is set once the compliance invalidator is built.
	invalidator *Invalidator
}

func newCore(store types.Store, opts Options) *core {
	c := &core{
		store:   store,
		events:  opts.Events,
		metrics: opts.Recorder,
		now:     opts.Now,
		newID:   newID,
	}
	if c.metrics == nil {
		c.metrics = noopRecorder{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// txn is one unit of work. Effects queued on it run after commit.
type txn struct {
	types.Repositories
	now     time.Time
	events  []queuedEvent
	rescore []string
}

type queuedEvent struct {
	kind  pubsub.EventType
	event types.ChangeEvent
}

func (t *txn) publish(kind pubsub.EventType, ev types.ChangeEvent) {
	t.events = append(t.events, queuedEvent{kind: kind, event: ev})
}

func (t *txn) requestRescore(assetID string) {
	for _, a := range t.rescore {
		if a == assetID {
			return
		}
	}
	t.rescore = append(t.rescore, assetID)
}

func (t *txn) audit(ctx context.Context, e *types.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now
	}
	return t.Audit().Append(ctx, e)
}

// atomic runs fn in a store transaction and, once it commits, publishes the
// queued events and dispatches the queued rescores.
func (c *core) atomic(ctx context.Context, fn func(t *txn) error) error {
	var t *txn
	err := c.store.Atomic(ctx, func(r types.Repositories) error {
		t = &txn{Repositories: r, now: c.now()}
		return fn(t)
	})
	if err != nil {
		return err
	}
	if c.events != nil {
		for _, q := range t.events {
			c.events.Publish(q.kind, q.event)
		}
	}
	if c.invalidator != nil {
		for _, assetID := range t.rescore {
			c.invalidator.dispatch(assetID)
		}
	}
	return nil
}
