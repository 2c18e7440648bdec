// This file implements the pending change table accessor.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

var _ types.ChangeRepository = (*changesTable)(nil)

type changesTable struct {
	conn connFunc
}

const changeColumns = `change_id, asset_id, field_id, value, source, confidence, override_intent,
	submitted_by, submitted_at, status, resolved_by, resolved_at, reason, superseded_by`

// Get retrieves a change by ID.
func (t *changesTable) Get(ctx context.Context, changeID string) (*types.PendingChange, error) {
	if changeID == "" {
		return nil, types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, "SELECT "+changeColumns+" FROM pending_changes WHERE change_id = ?", changeID)
	c, err := hydrateChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Kind: "change", ID: changeID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting change %s: %w", changeID, err)
	}
	return c, nil
}

// Insert stores a new pending change. Any earlier pending change of the key
// must have been superseded in the same transaction.
func (t *changesTable) Insert(ctx context.Context, c *types.PendingChange) error {
	if c.ChangeID == "" {
		return types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return err
	}
	value, err := encodeJSON(c.Value)
	if err != nil {
		return err
	}
	var confidence sql.NullFloat64
	if c.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *c.Confidence, Valid: true}
	}

	res, err := q.ExecContext(ctx, `INSERT INTO pending_changes (`+changeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		c.ChangeID, c.AssetID, c.FieldID, value, string(c.Source), confidence, boolInt(c.OverrideIntent),
		c.SubmittedBy, toNanos(c.SubmittedAt), string(c.Status), c.ResolvedBy, nullNanos(c.ResolvedAt),
		c.Reason, c.SupersededBy)
	if err != nil {
		return fmt.Errorf("inserting change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting change: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("change for %s/%s: %w: another change is pending", c.AssetID, c.FieldID, types.ErrStaleWrite)
	}
	return nil
}

// SupersedePending marks the key's pending changes superseded.
func (t *changesTable) SupersedePending(ctx context.Context, assetID, fieldID, supersededBy string, at time.Time) ([]string, error) {
	q, err := t.conn()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `UPDATE pending_changes
		SET status = ?, resolved_at = ?, superseded_by = ?
		WHERE asset_id = ? AND field_id = ? AND status = ?
		RETURNING change_id`,
		string(types.ChangeSuperseded), toNanos(at), supersededBy, assetID, fieldID, string(types.ChangePending))
	if err != nil {
		return nil, fmt.Errorf("superseding changes of %s/%s: %w", assetID, fieldID, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning superseded change: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("superseding changes of %s/%s: %w", assetID, fieldID, err)
	}
	return ids, nil
}

// Resolve moves a pending change to a terminal status. The update only
// applies while the change is still pending.
func (t *changesTable) Resolve(ctx context.Context, changeID string, status types.ChangeStatus, actor, reason string, at time.Time) error {
	if status != types.ChangeApproved && status != types.ChangeRejected {
		return fmt.Errorf("resolving change %s: status %q is not a resolution", changeID, status)
	}
	q, err := t.conn()
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE pending_changes
		SET status = ?, resolved_by = ?, resolved_at = ?, reason = ?
		WHERE change_id = ? AND status = ?`,
		string(status), actor, toNanos(at), reason, changeID, string(types.ChangePending))
	if err != nil {
		return fmt.Errorf("resolving change %s: %w", changeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving change %s: %w", changeID, err)
	}
	if n == 0 {
		return fmt.Errorf("change %s: %w", changeID, types.ErrAlreadyResolved)
	}
	return nil
}

// List returns changes matching the filter ordered by submission time.
func (t *changesTable) List(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error) {
	if filter.Status != "" && !types.IsValidChangeStatus(filter.Status) {
		return nil, fmt.Errorf("%w: status %q", types.ErrInvalidFilter, filter.Status)
	}
	if filter.Source != "" && !types.IsValidChangeSource(filter.Source) {
		return nil, fmt.Errorf("%w: source %q", types.ErrInvalidFilter, filter.Source)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", types.ErrInvalidFilter)
	}
	q, err := t.conn()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.AssetID != "" {
		where = append(where, "asset_id = ?")
		args = append(args, filter.AssetID)
	}
	if filter.FieldID != "" {
		where = append(where, "field_id = ?")
		args = append(args, filter.FieldID)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Terminal {
		where = append(where, "status != ?")
		args = append(args, string(types.ChangePending))
	}
	if !filter.ResolvedBefore.IsZero() {
		where = append(where, "resolved_at IS NOT NULL AND resolved_at < ?")
		args = append(args, toNanos(filter.ResolvedBefore))
	}

	query := "SELECT " + changeColumns + " FROM pending_changes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}
	defer rows.Close()

	changes := []*types.PendingChange{}
	for rows.Next() {
		c, err := hydrateChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}
	return changes, nil
}

// CountPending returns the number of pending changes of an asset.
func (t *changesTable) CountPending(ctx context.Context, assetID string) (int, error) {
	q, err := t.conn()
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pending_changes WHERE asset_id = ? AND status = ?",
		assetID, string(types.ChangePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending changes of %s: %w", assetID, err)
	}
	return n, nil
}

// PurgeResolved deletes terminal changes resolved before the cutoff.
func (t *changesTable) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	q, err := t.conn()
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		"DELETE FROM pending_changes WHERE status != ? AND resolved_at IS NOT NULL AND resolved_at < ?",
		string(types.ChangePending), toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("purging changes: %w", err)
	}
	return res.RowsAffected()
}

func hydrateChange(row scanner) (*types.PendingChange, error) {
	var (
		c              types.PendingChange
		value          sql.NullString
		source, status string
		confidence     sql.NullFloat64
		overrideIntent int
		submittedAt    int64
		resolvedAt     sql.NullInt64
	)
	if err := row.Scan(&c.ChangeID, &c.AssetID, &c.FieldID, &value, &source, &confidence, &overrideIntent,
		&c.SubmittedBy, &submittedAt, &status, &c.ResolvedBy, &resolvedAt, &c.Reason, &c.SupersededBy); err != nil {
		return nil, err
	}
	v, err := decodeJSON(value)
	if err != nil {
		return nil, err
	}
	c.Value = v
	c.Source = types.ChangeSource(source)
	c.Status = types.ChangeStatus(status)
	if confidence.Valid {
		f := confidence.Float64
		c.Confidence = &f
	}
	c.OverrideIntent = overrideIntent != 0
	c.SubmittedAt = fromNanos(submittedAt)
	c.ResolvedAt = fromNullNanos(resolvedAt)
	return &c, nil
}
