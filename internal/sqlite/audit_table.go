// This file implements the audit entry table accessor.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

var _ types.AuditRepository = (*auditTable)(nil)

type auditTable struct {
	conn connFunc
}

const auditColumns = `entry_id, action, asset_id, field_id, change_id, actor, detail, created_at`

// Append stores an audit entry, assigning an ID when none is set.
func (t *auditTable) Append(ctx context.Context, e *types.AuditEntry) error {
	if e.AssetID == "" {
		return types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return err
	}
	if e.EntryID == "" {
		e.EntryID = generateUUID()
	}
	var detail any
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
		detail = string(data)
	}
	if _, err := q.ExecContext(ctx, "INSERT INTO audit_entries ("+auditColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.EntryID, string(e.Action), e.AssetID, e.FieldID, e.ChangeID, e.Actor, detail, toNanos(e.CreatedAt)); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter oldest first.
func (t *auditTable) List(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
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
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(filter.Since))
	}

	query := "SELECT " + auditColumns + " FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*types.AuditEntry{}
	for rows.Next() {
		e, err := hydrateAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

func hydrateAuditEntry(row scanner) (*types.AuditEntry, error) {
	var (
		e         types.AuditEntry
		action    string
		detail    sql.NullString
		createdAt int64
	)
	if err := row.Scan(&e.EntryID, &action, &e.AssetID, &e.FieldID, &e.ChangeID, &e.Actor, &detail, &createdAt); err != nil {
		return nil, err
	}
	e.Action = types.AuditAction(action)
	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return nil, fmt.Errorf("decoding audit detail: %w", err)
		}
	}
	e.CreatedAt = fromNanos(createdAt)
	return &e, nil
}
