// This file implements the metadata value table accessor.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

var _ types.ValueRepository = (*valuesTable)(nil)

type valuesTable struct {
	conn connFunc
}

const valueColumns = `v.asset_id, v.field_id, v.value, v.provenance, v.origin, v.automatic_value,
	v.has_automatic, v.version, v.updated_by, v.updated_at`

// Get retrieves the value of one field on one asset.
func (t *valuesTable) Get(ctx context.Context, assetID, fieldID string) (*types.MetadataValue, error) {
	if assetID == "" || fieldID == "" {
		return nil, types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx,
		"SELECT "+valueColumns+" FROM metadata_values v WHERE v.asset_id = ? AND v.field_id = ?",
		assetID, fieldID)
	v, err := hydrateValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Kind: "value", ID: assetID + "/" + fieldID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting value %s/%s: %w", assetID, fieldID, err)
	}
	return v, nil
}

// ListByAsset returns the values of an asset in field position order.
func (t *valuesTable) ListByAsset(ctx context.Context, assetID string) ([]*types.MetadataValue, error) {
	if assetID == "" {
		return nil, types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, "SELECT "+valueColumns+` FROM metadata_values v
		JOIN fields f ON f.field_id = v.field_id
		WHERE v.asset_id = ?
		ORDER BY f.position`, assetID)
	if err != nil {
		return nil, fmt.Errorf("listing values of %s: %w", assetID, err)
	}
	defer rows.Close()

	values := []*types.MetadataValue{}
	for rows.Next() {
		v, err := hydrateValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing values of %s: %w", assetID, err)
	}
	return values, nil
}

// Insert stores the first value of a key at version 1.
func (t *valuesTable) Insert(ctx context.Context, v *types.MetadataValue) error {
	q, err := t.conn()
	if err != nil {
		return err
	}
	value, automatic, err := encodeValuePair(v)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `INSERT INTO metadata_values
		(asset_id, field_id, value, provenance, origin, automatic_value, has_automatic, version, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (asset_id, field_id) DO NOTHING`,
		v.AssetID, v.FieldID, value, string(v.Provenance), string(v.Origin), automatic,
		boolInt(v.HasAutomatic), v.UpdatedBy, toNanos(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting value %s/%s: %w", v.AssetID, v.FieldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting value %s/%s: %w", v.AssetID, v.FieldID, err)
	}
	if n == 0 {
		return fmt.Errorf("value %s/%s: %w: already exists", v.AssetID, v.FieldID, types.ErrStaleWrite)
	}
	v.Version = 1
	return nil
}

// Update replaces the value when the stored version is expectedVersion.
func (t *valuesTable) Update(ctx context.Context, v *types.MetadataValue, expectedVersion int64) error {
	q, err := t.conn()
	if err != nil {
		return err
	}
	value, automatic, err := encodeValuePair(v)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `UPDATE metadata_values SET
		value = ?, provenance = ?, origin = ?, automatic_value = ?, has_automatic = ?,
		version = version + 1, updated_by = ?, updated_at = ?
		WHERE asset_id = ? AND field_id = ? AND version = ?`,
		value, string(v.Provenance), string(v.Origin), automatic, boolInt(v.HasAutomatic),
		v.UpdatedBy, toNanos(v.UpdatedAt), v.AssetID, v.FieldID, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating value %s/%s: %w", v.AssetID, v.FieldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating value %s/%s: %w", v.AssetID, v.FieldID, err)
	}
	if n == 0 {
		return fmt.Errorf("value %s/%s: %w: expected version %d", v.AssetID, v.FieldID, types.ErrStaleWrite, expectedVersion)
	}
	v.Version = expectedVersion + 1
	return nil
}

// SetAutomatic stores candidate as the automatic value of a key at
// expectedVersion. The version is not bumped.
func (t *valuesTable) SetAutomatic(ctx context.Context, assetID, fieldID string, candidate any, expectedVersion int64) error {
	q, err := t.conn()
	if err != nil {
		return err
	}
	automatic, err := encodeJSON(candidate)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `UPDATE metadata_values SET
		automatic_value = ?, has_automatic = 1
		WHERE asset_id = ? AND field_id = ? AND version = ?`,
		automatic, assetID, fieldID, expectedVersion)
	if err != nil {
		return fmt.Errorf("recording automatic value %s/%s: %w", assetID, fieldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording automatic value %s/%s: %w", assetID, fieldID, err)
	}
	if n == 0 {
		return fmt.Errorf("value %s/%s: %w: expected version %d", assetID, fieldID, types.ErrStaleWrite, expectedVersion)
	}
	return nil
}

func encodeValuePair(v *types.MetadataValue) (value, automatic any, err error) {
	if value, err = encodeJSON(v.Value); err != nil {
		return nil, nil, err
	}
	if automatic, err = encodeJSON(v.AutomaticValue); err != nil {
		return nil, nil, err
	}
	return value, automatic, nil
}

func hydrateValue(row scanner) (*types.MetadataValue, error) {
	var (
		v                  types.MetadataValue
		value, automatic   sql.NullString
		provenance, origin string
		hasAutomatic       int
		updatedAt          int64
	)
	if err := row.Scan(&v.AssetID, &v.FieldID, &value, &provenance, &origin, &automatic,
		&hasAutomatic, &v.Version, &v.UpdatedBy, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if v.Value, err = decodeJSON(value); err != nil {
		return nil, err
	}
	if v.AutomaticValue, err = decodeJSON(automatic); err != nil {
		return nil, err
	}
	v.Provenance = types.Provenance(provenance)
	v.Origin = types.Origin(origin)
	v.HasAutomatic = hasAutomatic != 0
	v.UpdatedAt = fromNanos(updatedAt)
	return &v, nil
}
