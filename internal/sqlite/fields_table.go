// This file implements the field definition table accessor.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

var _ types.FieldRepository = (*fieldsTable)(nil)

type fieldsTable struct {
	conn connFunc
}

const fieldColumns = `field_id, scope, label, field_type, required, population_mode,
	requires_approval, compliance_relevant, default_value, constraint_data, position, created_at`

// Get retrieves a field definition by ID.
func (t *fieldsTable) Get(ctx context.Context, fieldID string) (*types.FieldDefinition, error) {
	if fieldID == "" {
		return nil, types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, "SELECT "+fieldColumns+" FROM fields WHERE field_id = ?", fieldID)
	def, err := hydrateField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Kind: "field", ID: fieldID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting field %s: %w", fieldID, err)
	}
	return def, nil
}

// List returns definitions ordered by position.
func (t *fieldsTable) List(ctx context.Context, filter types.FieldFilter) ([]*types.FieldDefinition, error) {
	q, err := t.conn()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + fieldColumns + " FROM fields WHERE 1=1"
	var args []any
	if filter.Scope != "" {
		query += " AND scope = ?"
		args = append(args, filter.Scope)
	}
	if filter.ComplianceRelevant {
		query += " AND compliance_relevant = 1"
	}
	query += " ORDER BY position"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}
	defer rows.Close()

	defs := []*types.FieldDefinition{}
	for rows.Next() {
		def, err := hydrateField(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning field: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing fields: %w", err)
	}
	return defs, nil
}

// Save creates or replaces a definition. A replaced definition keeps its
// position and creation time.
func (t *fieldsTable) Save(ctx context.Context, def *types.FieldDefinition) error {
	if def == nil {
		return types.ErrInvalidDefinition
	}
	if err := def.Validate(); err != nil {
		return err
	}
	q, err := t.conn()
	if err != nil {
		return err
	}

	constraintData, err := types.EncodeConstraint(def.Constraint)
	if err != nil {
		return fmt.Errorf("encoding constraint: %w", err)
	}
	defaultValue, err := encodeJSON(def.Default)
	if err != nil {
		return err
	}
	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var position, created int64
	err = q.QueryRowContext(ctx, `INSERT INTO fields (`+fieldColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM fields), ?)
		ON CONFLICT (field_id) DO UPDATE SET
			scope = excluded.scope,
			label = excluded.label,
			field_type = excluded.field_type,
			required = excluded.required,
			population_mode = excluded.population_mode,
			requires_approval = excluded.requires_approval,
			compliance_relevant = excluded.compliance_relevant,
			default_value = excluded.default_value,
			constraint_data = excluded.constraint_data
		RETURNING position, created_at`,
		def.FieldID, def.Scope, def.Label, string(def.Type()), boolInt(def.Required),
		string(def.PopulationMode), boolInt(def.RequiresApproval), boolInt(def.ComplianceRelevant),
		defaultValue, string(constraintData), toNanos(createdAt),
	).Scan(&position, &created)
	if err != nil {
		return fmt.Errorf("saving field %s: %w", def.FieldID, err)
	}
	def.Position = position
	def.CreatedAt = fromNanos(created)
	return nil
}

// hydrateField scans a row into a FieldDefinition. The default value is
// normalized through the constraint so numeric kinds match what callers
// passed in.
func hydrateField(row scanner) (*types.FieldDefinition, error) {
	var (
		def                            types.FieldDefinition
		fieldType, mode                string
		required, approval, compliance int
		defaultValue, constraintData   sql.NullString
		createdAt                      int64
	)
	if err := row.Scan(&def.FieldID, &def.Scope, &def.Label, &fieldType, &required, &mode,
		&approval, &compliance, &defaultValue, &constraintData, &def.Position, &createdAt); err != nil {
		return nil, err
	}

	c, err := types.DecodeConstraint(types.FieldType(fieldType), []byte(constraintData.String))
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", def.FieldID, err)
	}
	def.Constraint = c
	def.Required = required != 0
	def.PopulationMode = types.PopulationMode(mode)
	def.RequiresApproval = approval != 0
	def.ComplianceRelevant = compliance != 0
	def.CreatedAt = fromNanos(createdAt)

	dv, err := decodeJSON(defaultValue)
	if err != nil {
		return nil, fmt.Errorf("field %s default: %w", def.FieldID, err)
	}
	if dv != nil {
		if norm, err := c.Normalize(dv); err == nil {
			dv = norm
		}
	}
	def.Default = dv
	return &def, nil
}
