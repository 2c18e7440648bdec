package types

import (
	"context"
	"time"
)

// FieldRepository persists field definitions.
type FieldRepository interface {
	// Get returns the definition with the given id or a *NotFoundError.
	Get(ctx context.Context, fieldID string) (*FieldDefinition, error)

	// List returns definitions in insertion order.
	List(ctx context.Context, filter FieldFilter) ([]*FieldDefinition, error)

	// Save creates or replaces a definition. New definitions are assigned
	// the next position; replaced ones keep theirs.
	Save(ctx context.Context, def *FieldDefinition) error
}

// ValueRepository persists authoritative values.
type ValueRepository interface {
	// Get returns the value for (assetID, fieldID) or a *NotFoundError.
	Get(ctx context.Context, assetID, fieldID string) (*MetadataValue, error)

	// ListByAsset returns every value of the asset in field position order.
	ListByAsset(ctx context.Context, assetID string) ([]*MetadataValue, error)

	// Insert stores the first value of a key with Version 1. Returns
	// ErrStaleWrite if the key already exists.
	Insert(ctx context.Context, v *MetadataValue) error

	// Update replaces the value if the stored version equals
	// expectedVersion and sets v.Version to expectedVersion+1. Returns
	// ErrStaleWrite otherwise.
	Update(ctx context.Context, v *MetadataValue, expectedVersion int64) error

	// SetAutomatic records the last automatic candidate of a key without
	// touching its value or version. Returns ErrStaleWrite if the stored
	// version is not expectedVersion.
	SetAutomatic(ctx context.Context, assetID, fieldID string, candidate any, expectedVersion int64) error
}

// ChangeRepository persists pending changes.
type ChangeRepository interface {
	// Get returns the change or a *NotFoundError.
	Get(ctx context.Context, changeID string) (*PendingChange, error)

	// Insert stores a new pending change.
	Insert(ctx context.Context, c *PendingChange) error

	// SupersedePending marks every pending change of the key superseded by
	// supersededBy and returns their ids.
	SupersedePending(ctx context.Context, assetID, fieldID, supersededBy string, at time.Time) ([]string, error)

	// Resolve moves a pending change to status. The update is conditional
	// on the change still being pending; ErrAlreadyResolved is returned
	// when another resolver won.
	Resolve(ctx context.Context, changeID string, status ChangeStatus, actor, reason string, at time.Time) error

	// List returns changes matching filter ordered by submission time.
	List(ctx context.Context, filter ChangeFilter) ([]*PendingChange, error)

	// CountPending returns the number of pending changes of an asset.
	CountPending(ctx context.Context, assetID string) (int, error)

	// PurgeResolved deletes terminal changes resolved before the cutoff.
	PurgeResolved(ctx context.Context, before time.Time) (int64, error)
}

// ComplianceRepository persists the compliance score cache.
type ComplianceRepository interface {
	// Get returns the cached score or a *NotFoundError.
	Get(ctx context.Context, assetID string) (*ComplianceScore, error)

	// Invalidate marks the asset's score pending and bumps its generation,
	// creating the row if needed. Returns the new generation.
	Invalidate(ctx context.Context, assetID string, at time.Time) (int64, error)

	// Claim sets the in-flight flag if it is clear, creating a pending row
	// if needed. Returns whether this caller claimed it and the generation
	// to compute against.
	Claim(ctx context.Context, assetID string, at time.Time) (bool, int64, error)

	// Release clears the in-flight flag without touching the score.
	Release(ctx context.Context, assetID string) error

	// ReleaseAll clears every in-flight flag. Used at startup to recover
	// claims held by a process that exited mid-computation.
	ReleaseAll(ctx context.Context) (int64, error)

	// Accept stores result if the generation still matches and clears the
	// in-flight flag. Returns false when the generation moved on.
	Accept(ctx context.Context, assetID string, generation int64, result ScoreResult, at time.Time) (bool, error)
}

// AuditRepository persists audit entries.
type AuditRepository interface {
	Append(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// Repositories groups the repositories bound to one connection or
// transaction.
type Repositories interface {
	Fields() FieldRepository
	Values() ValueRepository
	Changes() ChangeRepository
	Compliance() ComplianceRepository
	Audit() AuditRepository
}

// Store is a transactional backend.
type Store interface {
	Repositories

	// Atomic runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	Atomic(ctx context.Context, fn func(Repositories) error) error
}
