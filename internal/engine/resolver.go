package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// AutomaticOutcome reports what happened to an automatic write.
type AutomaticOutcome string

const (
	AutomaticApplied    AutomaticOutcome = "applied"
	AutomaticSuppressed AutomaticOutcome = "suppressed"
)

// AutomaticResult is returned by RecordAutomatic.
type AutomaticResult struct {
	Outcome AutomaticOutcome     `json:"outcome"`
	Value   *types.MetadataValue `json:"value"`
}

// OverrideResolver arbitrates between automated and human writes by
// provenance. A human value on a hybrid field sticks until it is cleared;
// later automatic writes only refresh the remembered automatic candidate.
type OverrideResolver struct {
	*core
	values *ValueStore
}

// humanProvenance returns the provenance a human write gets on def.
func humanProvenance(def *types.FieldDefinition) types.Provenance {
	if def.PopulationMode == types.PopulationHybrid {
		return types.ProvenanceOverride
	}
	return types.ProvenanceManual
}

// applyHuman commits a human-authored value inside t.
func (r *OverrideResolver) applyHuman(ctx context.Context, t *txn, def *types.FieldDefinition, req types.CommitRequest, overrideIntent bool, action types.AuditAction, changeID string) (*types.MetadataValue, error) {
	if err := def.AcceptsHumanWrite(overrideIntent); err != nil {
		return nil, err
	}
	req.Provenance = humanProvenance(def)
	if req.Origin == "" {
		req.Origin = types.OriginHuman
	}
	return r.values.commit(ctx, t, def, req, action, changeID)
}

// RecordAutomatic stores a value computed by automation. On a field whose
// current value is human-authored the write is suppressed: the candidate is
// remembered, the authoritative value and its version are left alone, and
// no error is returned.
func (r *OverrideResolver) RecordAutomatic(ctx context.Context, assetID, fieldID string, value any, producer string) (*AutomaticResult, error) {
	def, err := r.registry.Definition(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if def.PopulationMode == types.PopulationManual {
		return nil, &types.FieldNotEditableError{FieldID: fieldID, Reason: "field is populated manually"}
	}
	if producer == "" {
		return nil, types.ErrInvalidActor
	}
	normalized, err := normalizeFor(def, value, types.ProvenanceAutomatic)
	if err != nil {
		return nil, err
	}

	var result *AutomaticResult
	err = r.atomic(ctx, func(t *txn) error {
		current, err := t.Values().Get(ctx, assetID, fieldID)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if current == nil || current.Provenance == types.ProvenanceAutomatic {
			v, err := r.values.commit(ctx, t, def, types.CommitRequest{
				AssetID:    assetID,
				FieldID:    fieldID,
				Value:      normalized,
				Provenance: types.ProvenanceAutomatic,
				Origin:     types.OriginAutomation,
				Actor:      producer,
			}, types.AuditAutomationApplied, "")
			if err != nil {
				return err
			}
			result = &AutomaticResult{Outcome: AutomaticApplied, Value: v}
			return nil
		}

		kept := *current
		kept.AutomaticValue = normalized
		kept.HasAutomatic = true
		if err := t.Values().SetAutomatic(ctx, assetID, fieldID, normalized, current.Version); err != nil {
			return err
		}
		if err := t.audit(ctx, &types.AuditEntry{
			Action:  types.AuditAutomationSuppressed,
			AssetID: assetID,
			FieldID: fieldID,
			Actor:   producer,
			Detail: map[string]any{
				"value":      normalized,
				"kept":       current.Value,
				"provenance": string(current.Provenance),
			},
		}); err != nil {
			return err
		}
		result = &AutomaticResult{Outcome: AutomaticSuppressed, Value: &kept}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == AutomaticSuppressed {
		canonicalize(def, result.Value)
		r.metrics.AutomationSuppressed(fieldID)
		log.Warn(log.CatEngine, "Automatic write suppressed by human value",
			"asset", assetID, "field", fieldID, "producer", producer,
			"provenance", string(result.Value.Provenance))
	}
	return result, nil
}

// ClearOverride reverts a human-authored value on a hybrid or automatic
// field to automatic provenance, restoring the last automatic candidate or
// awaiting automation when none was computed. Clearing a value that is
// already automatic is a no-op.
func (r *OverrideResolver) ClearOverride(ctx context.Context, assetID, fieldID, actor string) (*types.MetadataValue, error) {
	def, err := r.registry.Definition(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if def.PopulationMode == types.PopulationManual {
		return nil, &types.FieldNotEditableError{FieldID: fieldID, Reason: "manual field has no automatic value to restore"}
	}
	if actor == "" {
		return nil, types.ErrInvalidActor
	}

	var out *types.MetadataValue
	err = r.atomic(ctx, func(t *txn) error {
		current, err := t.Values().Get(ctx, assetID, fieldID)
		if err != nil {
			return err
		}
		if current.Provenance == types.ProvenanceAutomatic {
			out = current
			return nil
		}
		var restore any
		if current.HasAutomatic {
			restore = current.AutomaticValue
		}
		out, err = r.values.commit(ctx, t, def, types.CommitRequest{
			AssetID:    assetID,
			FieldID:    fieldID,
			Value:      restore,
			Provenance: types.ProvenanceAutomatic,
			Origin:     types.OriginAutomation,
			Actor:      actor,
		}, types.AuditOverrideCleared, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clearing override on %s/%s: %w", assetID, fieldID, err)
	}
	canonicalize(def, out)
	return out, nil
}
