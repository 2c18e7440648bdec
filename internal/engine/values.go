package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// ValueStore holds the authoritative value of every (asset, field) pair.
type ValueStore struct {
	*core
}

// Read returns the authoritative value or a *types.NotFoundError.
func (s *ValueStore) Read(ctx context.Context, assetID, fieldID string) (*types.MetadataValue, error) {
	def, err := s.registry.Definition(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	v, err := s.store.Values().Get(ctx, assetID, fieldID)
	if err != nil {
		return nil, err
	}
	canonicalize(def, v)
	return v, nil
}

// ReadAll returns every stored value of the asset ordered by field
// definition position.
func (s *ValueStore) ReadAll(ctx context.Context, assetID string) ([]*types.MetadataValue, error) {
	values, err := s.store.Values().ListByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if def, err := s.registry.Definition(ctx, v.FieldID); err == nil {
			canonicalize(def, v)
		}
	}
	return values, nil
}

// Commit writes a value in its own transaction, recording action in the
// audit trail.
func (s *ValueStore) Commit(ctx context.Context, req types.CommitRequest, action types.AuditAction) (*types.MetadataValue, error) {
	def, err := s.registry.Definition(ctx, req.FieldID)
	if err != nil {
		return nil, err
	}
	var out *types.MetadataValue
	err = s.atomic(ctx, func(t *txn) error {
		out, err = s.commit(ctx, t, def, req, action, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commit applies req inside t. The provenance must be one the field's
// population mode allows. changeID links the audit entry and the event to
// the approval that caused the write.
func (s *ValueStore) commit(ctx context.Context, t *txn, def *types.FieldDefinition, req types.CommitRequest, action types.AuditAction, changeID string) (*types.MetadataValue, error) {
	if req.AssetID == "" {
		return nil, fmt.Errorf("asset: %w", types.ErrInvalidID)
	}
	if req.Actor == "" {
		return nil, types.ErrInvalidActor
	}
	if err := checkProvenance(def, req.Provenance); err != nil {
		return nil, err
	}

	value, err := normalizeFor(def, req.Value, req.Provenance)
	if err != nil {
		return nil, err
	}

	current, err := t.Values().Get(ctx, req.AssetID, req.FieldID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != currentVersion {
		return nil, fmt.Errorf("%s/%s at version %d, expected %d: %w",
			req.AssetID, req.FieldID, currentVersion, *req.ExpectedVersion, types.ErrStaleWrite)
	}

	next := &types.MetadataValue{
		AssetID:    req.AssetID,
		FieldID:    req.FieldID,
		Value:      value,
		Provenance: req.Provenance,
		Origin:     req.Origin,
		UpdatedBy:  req.Actor,
		UpdatedAt:  t.now,
	}
	if current != nil {
		next.AutomaticValue = current.AutomaticValue
		next.HasAutomatic = current.HasAutomatic
	}
	if req.Provenance == types.ProvenanceAutomatic && req.Origin == types.OriginAutomation {
		next.AutomaticValue = value
		next.HasAutomatic = true
	}

	if current == nil {
		err = t.Values().Insert(ctx, next)
	} else {
		err = t.Values().Update(ctx, next, currentVersion)
	}
	if err != nil {
		return nil, err
	}

	detail := map[string]any{
		"value":      value,
		"provenance": string(req.Provenance),
		"origin":     string(req.Origin),
		"version":    next.Version,
	}
	if current != nil {
		detail["previous"] = current.Value
	}
	if err := t.audit(ctx, &types.AuditEntry{
		Action:   action,
		AssetID:  req.AssetID,
		FieldID:  req.FieldID,
		ChangeID: changeID,
		Actor:    req.Actor,
		Detail:   detail,
	}); err != nil {
		return nil, err
	}

	if def.ComplianceRelevant {
		if err := s.invalidator.invalidate(ctx, t, req.AssetID); err != nil {
			return nil, err
		}
	}

	ev := types.ChangeEvent{
		AssetID:    next.AssetID,
		FieldID:    next.FieldID,
		Value:      next.Value,
		Provenance: next.Provenance,
		Origin:     next.Origin,
		Version:    next.Version,
		ChangeID:   changeID,
	}
	if changeID != "" {
		ev.Status = types.ChangeApproved
	}
	t.publish(pubsub.UpdatedEvent, ev)
	s.metrics.ValueCommitted(def.FieldID, req.Provenance)
	return next, nil
}

// checkProvenance enforces the population mode: automatic fields hold only
// automatic values, manual fields never do.
func checkProvenance(def *types.FieldDefinition, p types.Provenance) error {
	switch p {
	case types.ProvenanceAutomatic, types.ProvenanceManual, types.ProvenanceOverride:
	default:
		return fmt.Errorf("unknown provenance %q", p)
	}
	switch def.PopulationMode {
	case types.PopulationAutomatic:
		if p != types.ProvenanceAutomatic {
			return &types.FieldNotEditableError{FieldID: def.FieldID, Reason: "field is populated automatically"}
		}
	case types.PopulationManual:
		if p == types.ProvenanceAutomatic {
			return &types.FieldNotEditableError{FieldID: def.FieldID, Reason: "field is populated manually"}
		}
		if p == types.ProvenanceOverride {
			return &types.FieldNotEditableError{FieldID: def.FieldID, Reason: "manual field has nothing to override"}
		}
	}
	return nil
}

// normalizeFor validates v for a write with provenance p. Automation may
// report "no value" for a required field; humans may not clear one.
func normalizeFor(def *types.FieldDefinition, v any, p types.Provenance) (any, error) {
	if v == nil && p == types.ProvenanceAutomatic {
		return nil, nil
	}
	return def.NormalizeValue(v)
}

// canonicalize rewrites stored values into the form Normalize produces.
// Values decoded from storage carry JSON types (float64 for integers).
func canonicalize(def *types.FieldDefinition, v *types.MetadataValue) {
	if v.Value != nil {
		if n, err := def.Constraint.Normalize(v.Value); err == nil {
			v.Value = n
		}
	}
	if v.AutomaticValue != nil {
		if n, err := def.Constraint.Normalize(v.AutomaticValue); err == nil {
			v.AutomaticValue = n
		}
	}
}
