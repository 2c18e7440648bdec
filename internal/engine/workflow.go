package engine

import (
	"context"
	"errors"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Resolution is the outcome of an approve or reject.
type Resolution struct {
	Change *types.PendingChange `json:"change"`

	// Value is the authoritative value after an approval. Nil for
	// rejections.
	Value *types.MetadataValue `json:"value,omitempty"`

	// Replayed is set when the call repeated a decision the same actor had
	// already made; nothing was written.
	Replayed bool `json:"replayed"`
}

// Workflow resolves pending changes. The status transition and the value
// commit happen in one transaction, and the transition is conditional on the
// change still being pending, so of two concurrent resolvers exactly one
// wins.
type Workflow struct {
	*core
	values   *ValueStore
	resolver *OverrideResolver
}

// Approve commits the proposed value. Approving a change the same approver
// already approved returns it unchanged; every other non-pending case
// returns *types.AlreadyResolvedError.
func (w *Workflow) Approve(ctx context.Context, changeID, approver string) (*Resolution, error) {
	if approver == "" {
		return nil, types.ErrInvalidActor
	}
	var res *Resolution
	err := w.atomic(ctx, func(t *txn) error {
		change, err := t.Changes().Get(ctx, changeID)
		if err != nil {
			return err
		}
		if change.IsTerminal() {
			if change.Status != types.ChangeApproved || change.ResolvedBy != approver {
				return w.conflict(change)
			}
			v, err := t.Values().Get(ctx, change.AssetID, change.FieldID)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}
			res = &Resolution{Change: change, Value: v, Replayed: true}
			return nil
		}

		def, err := w.registry.Definition(ctx, change.FieldID)
		if err != nil {
			return err
		}
		if err := t.Changes().Resolve(ctx, changeID, types.ChangeApproved, approver, "", t.now); err != nil {
			return err
		}

		req := types.CommitRequest{
			AssetID: change.AssetID,
			FieldID: change.FieldID,
			Value:   change.Value,
			Actor:   approver,
		}
		var v *types.MetadataValue
		switch change.Source {
		case types.SourceSuggestion:
			req.Provenance = types.ProvenanceManual
			req.Origin = types.OriginSuggestion
			v, err = w.values.commit(ctx, t, def, req, types.AuditApproved, changeID)
		default:
			req.Origin = types.OriginHuman
			v, err = w.resolver.applyHuman(ctx, t, def, req, change.OverrideIntent, types.AuditApproved, changeID)
		}
		if err != nil {
			return err
		}

		resolvedAt := t.now
		change.Status = types.ChangeApproved
		change.ResolvedBy = approver
		change.ResolvedAt = &resolvedAt
		res = &Resolution{Change: change, Value: v}
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrAlreadyResolved) {
			w.metrics.ResolveConflict()
		}
		return nil, err
	}
	w.finish(ctx, res)
	if !res.Replayed {
		w.metrics.ChangeResolved(types.ChangeApproved)
		log.Info(log.CatWorkflow, "Change approved",
			"change", changeID, "asset", res.Change.AssetID, "field", res.Change.FieldID, "approver", approver)
	}
	return res, nil
}

// Reject closes the change without touching the authoritative value.
// Repeating a rejection by the same actor returns it unchanged.
func (w *Workflow) Reject(ctx context.Context, changeID, rejector, reason string) (*Resolution, error) {
	if rejector == "" {
		return nil, types.ErrInvalidActor
	}
	var res *Resolution
	err := w.atomic(ctx, func(t *txn) error {
		change, err := t.Changes().Get(ctx, changeID)
		if err != nil {
			return err
		}
		if change.IsTerminal() {
			if change.Status != types.ChangeRejected || change.ResolvedBy != rejector {
				return w.conflict(change)
			}
			res = &Resolution{Change: change, Replayed: true}
			return nil
		}

		if err := t.Changes().Resolve(ctx, changeID, types.ChangeRejected, rejector, reason, t.now); err != nil {
			return err
		}
		detail := map[string]any{"value": change.Value}
		if reason != "" {
			detail["reason"] = reason
		}
		if err := t.audit(ctx, &types.AuditEntry{
			Action:   types.AuditRejected,
			AssetID:  change.AssetID,
			FieldID:  change.FieldID,
			ChangeID: changeID,
			Actor:    rejector,
			Detail:   detail,
		}); err != nil {
			return err
		}
		t.publish(pubsub.RejectedEvent, types.ChangeEvent{
			AssetID:  change.AssetID,
			FieldID:  change.FieldID,
			Value:    change.Value,
			ChangeID: changeID,
			Status:   types.ChangeRejected,
		})

		resolvedAt := t.now
		change.Status = types.ChangeRejected
		change.ResolvedBy = rejector
		change.ResolvedAt = &resolvedAt
		change.Reason = reason
		res = &Resolution{Change: change}
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrAlreadyResolved) {
			w.metrics.ResolveConflict()
		}
		return nil, err
	}
	w.finish(ctx, res)
	if !res.Replayed {
		w.metrics.ChangeResolved(types.ChangeRejected)
		log.Info(log.CatWorkflow, "Change rejected", "change", changeID, "rejector", rejector)
	}
	return res, nil
}

func (w *Workflow) conflict(change *types.PendingChange) error {
	return &types.AlreadyResolvedError{
		ChangeID:   change.ChangeID,
		Status:     change.Status,
		ResolvedBy: change.ResolvedBy,
	}
}

// finish canonicalizes values decoded from storage.
func (w *Workflow) finish(ctx context.Context, res *Resolution) {
	def, err := w.registry.Definition(ctx, res.Change.FieldID)
	if err != nil {
		return
	}
	if res.Change.Value != nil {
		if n, err := def.Constraint.Normalize(res.Change.Value); err == nil {
			res.Change.Value = n
		}
	}
	if res.Value != nil {
		canonicalize(def, res.Value)
	}
}
