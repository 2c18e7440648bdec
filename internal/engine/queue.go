package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

// ChangeQueue holds proposed values awaiting approval. At most one change
// per (asset, field) is pending: a new proposal supersedes the previous one
// in the same transaction.
type ChangeQueue struct {
	*core
}

// ProposeOptions carries the optional preconditions of a proposal.
type ProposeOptions struct {
	// ExpectedVersion rejects the proposal with ErrStaleWrite when the
	// authoritative value has moved since the caller read it.
	ExpectedVersion *int64
}

// Propose validates p and queues it. The value is checked against the field
// definition now, not at approval time.
func (q *ChangeQueue) Propose(ctx context.Context, p types.Proposal, opts ProposeOptions) (*types.PendingChange, error) {
	def, err := q.registry.Definition(ctx, p.FieldID)
	if err != nil {
		return nil, err
	}
	var change *types.PendingChange
	err = q.atomic(ctx, func(t *txn) error {
		change, err = q.propose(ctx, t, def, p, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (q *ChangeQueue) propose(ctx context.Context, t *txn, def *types.FieldDefinition, p types.Proposal, opts ProposeOptions) (*types.PendingChange, error) {
	if p.AssetID == "" {
		return nil, fmt.Errorf("asset: %w", types.ErrInvalidID)
	}
	if p.Actor == "" {
		return nil, types.ErrInvalidActor
	}
	if !types.IsValidChangeSource(p.Source) {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidSource, p.Source)
	}
	switch p.Source {
	case types.SourceHuman:
		if p.Confidence != nil {
			return nil, fmt.Errorf("%w: only suggestions carry a confidence", types.ErrInvalidConfidence)
		}
		if err := def.AcceptsHumanWrite(p.OverrideIntent); err != nil {
			return nil, err
		}
	case types.SourceSuggestion:
		if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
			return nil, fmt.Errorf("%w: got %v", types.ErrInvalidConfidence, *p.Confidence)
		}
		if def.PopulationMode == types.PopulationAutomatic {
			return nil, &types.FieldNotEditableError{FieldID: def.FieldID, Reason: "field is populated automatically"}
		}
	}

	value, err := def.NormalizeValue(p.Value)
	if err != nil {
		return nil, err
	}

	if opts.ExpectedVersion != nil {
		var version int64
		current, err := t.Values().Get(ctx, p.AssetID, p.FieldID)
		switch {
		case err == nil:
			version = current.Version
		case !errors.Is(err, types.ErrNotFound):
			return nil, err
		}
		if version != *opts.ExpectedVersion {
			return nil, fmt.Errorf("%s/%s at version %d, expected %d: %w",
				p.AssetID, p.FieldID, version, *opts.ExpectedVersion, types.ErrStaleWrite)
		}
	}

	change := &types.PendingChange{
		ChangeID:       q.newID(),
		AssetID:        p.AssetID,
		FieldID:        p.FieldID,
		Value:          value,
		Source:         p.Source,
		Confidence:     p.Confidence,
		OverrideIntent: p.OverrideIntent,
		SubmittedBy:    p.Actor,
		SubmittedAt:    t.now,
		Status:         types.ChangePending,
	}

	superseded, err := t.Changes().SupersedePending(ctx, p.AssetID, p.FieldID, change.ChangeID, t.now)
	if err != nil {
		return nil, err
	}
	if err := t.Changes().Insert(ctx, change); err != nil {
		return nil, err
	}

	for _, id := range superseded {
		if err := t.audit(ctx, &types.AuditEntry{
			Action:   types.AuditSuperseded,
			AssetID:  p.AssetID,
			FieldID:  p.FieldID,
			ChangeID: id,
			Actor:    p.Actor,
			Detail:   map[string]any{"superseded_by": change.ChangeID},
		}); err != nil {
			return nil, err
		}
	}
	detail := map[string]any{"value": value, "source": string(p.Source)}
	if p.Confidence != nil {
		detail["confidence"] = *p.Confidence
	}
	if p.OverrideIntent {
		detail["override_intent"] = true
	}
	if err := t.audit(ctx, &types.AuditEntry{
		Action:   types.AuditProposed,
		AssetID:  p.AssetID,
		FieldID:  p.FieldID,
		ChangeID: change.ChangeID,
		Actor:    p.Actor,
		Detail:   detail,
	}); err != nil {
		return nil, err
	}

	q.metrics.ChangeProposed(p.Source, len(superseded))
	return change, nil
}

// Get returns a change in any status or a *types.NotFoundError.
func (q *ChangeQueue) Get(ctx context.Context, changeID string) (*types.PendingChange, error) {
	c, err := q.store.Changes().Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	q.canonicalizeChanges(ctx, c)
	return c, nil
}

// ListPending returns pending changes ordered by submission time.
func (q *ChangeQueue) ListPending(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error) {
	filter.Status = types.ChangePending
	filter.Terminal = false
	filter.ResolvedBefore = time.Time{}
	changes, err := q.store.Changes().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	q.canonicalizeChanges(ctx, changes...)
	return changes, nil
}

// History returns terminal changes for audit.
func (q *ChangeQueue) History(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error) {
	if filter.Status == types.ChangePending {
		return nil, fmt.Errorf("%w: history holds terminal changes only", types.ErrInvalidFilter)
	}
	filter.Terminal = true
	changes, err := q.store.Changes().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	q.canonicalizeChanges(ctx, changes...)
	return changes, nil
}

// Purge deletes terminal changes resolved more than olderThan ago.
func (q *ChangeQueue) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	return q.store.Changes().PurgeResolved(ctx, q.now().Add(-olderThan))
}

func (q *ChangeQueue) canonicalizeChanges(ctx context.Context, changes ...*types.PendingChange) {
	for _, c := range changes {
		if c.Value == nil {
			continue
		}
		def, err := q.registry.Definition(ctx, c.FieldID)
		if err != nil {
			continue
		}
		if n, err := def.Constraint.Normalize(c.Value); err == nil {
			c.Value = n
		}
	}
}
