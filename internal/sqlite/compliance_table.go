// This file implements the compliance score cache table accessor.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/metafield/pkg/types"
)

var _ types.ComplianceRepository = (*complianceTable)(nil)

type complianceTable struct {
	conn connFunc
}

const complianceColumns = `asset_id, score, breakdown, status, generation, in_flight, evaluated_at, updated_at`

// Get retrieves the cached score of an asset.
func (t *complianceTable) Get(ctx context.Context, assetID string) (*types.ComplianceScore, error) {
	if assetID == "" {
		return nil, types.ErrInvalidID
	}
	q, err := t.conn()
	if err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, "SELECT "+complianceColumns+" FROM compliance_scores WHERE asset_id = ?", assetID)
	s, err := hydrateScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.NotFoundError{Kind: "score", ID: assetID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting score %s: %w", assetID, err)
	}
	return s, nil
}

// Invalidate marks the score pending and bumps its generation.
func (t *complianceTable) Invalidate(ctx context.Context, assetID string, at time.Time) (int64, error) {
	q, err := t.conn()
	if err != nil {
		return 0, err
	}
	var gen int64
	err = q.QueryRowContext(ctx, `INSERT INTO compliance_scores (asset_id, status, generation, in_flight, updated_at)
		VALUES (?, ?, 1, 0, ?)
		ON CONFLICT (asset_id) DO UPDATE SET
			status = excluded.status,
			generation = generation + 1,
			updated_at = excluded.updated_at
		RETURNING generation`,
		assetID, string(types.EvaluationPending), toNanos(at)).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("invalidating score %s: %w", assetID, err)
	}
	return gen, nil
}

// Claim sets the in-flight flag if it is clear.
func (t *complianceTable) Claim(ctx context.Context, assetID string, at time.Time) (bool, int64, error) {
	q, err := t.conn()
	if err != nil {
		return false, 0, err
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO compliance_scores (asset_id, status, generation, in_flight, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT (asset_id) DO NOTHING`,
		assetID, string(types.EvaluationPending), toNanos(at)); err != nil {
		return false, 0, fmt.Errorf("claiming score %s: %w", assetID, err)
	}

	var gen int64
	err = q.QueryRowContext(ctx, `UPDATE compliance_scores SET in_flight = 1, updated_at = ?
		WHERE asset_id = ? AND in_flight = 0
		RETURNING generation`, toNanos(at), assetID).Scan(&gen)
	if err == nil {
		return true, gen, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("claiming score %s: %w", assetID, err)
	}
	if err := q.QueryRowContext(ctx, "SELECT generation FROM compliance_scores WHERE asset_id = ?", assetID).Scan(&gen); err != nil {
		return false, 0, fmt.Errorf("claiming score %s: %w", assetID, err)
	}
	return false, gen, nil
}

// Release clears the in-flight flag.
func (t *complianceTable) Release(ctx context.Context, assetID string) error {
	q, err := t.conn()
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, "UPDATE compliance_scores SET in_flight = 0 WHERE asset_id = ?", assetID); err != nil {
		return fmt.Errorf("releasing score %s: %w", assetID, err)
	}
	return nil
}

// ReleaseAll clears every in-flight flag.
func (t *complianceTable) ReleaseAll(ctx context.Context) (int64, error) {
	q, err := t.conn()
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, "UPDATE compliance_scores SET in_flight = 0 WHERE in_flight = 1")
	if err != nil {
		return 0, fmt.Errorf("releasing scores: %w", err)
	}
	return res.RowsAffected()
}

// Accept stores a computed score if it was computed against the current
// generation.
func (t *complianceTable) Accept(ctx context.Context, assetID string, generation int64, result types.ScoreResult, at time.Time) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	q, err := t.conn()
	if err != nil {
		return false, err
	}
	breakdown, err := json.Marshal(result.Breakdown)
	if err != nil {
		return false, fmt.Errorf("encoding breakdown: %w", err)
	}

	var score sql.NullInt64
	if result.Status != types.EvaluationNotApplicable {
		score = sql.NullInt64{Int64: int64(result.Score), Valid: true}
	}
	res, err := q.ExecContext(ctx, `UPDATE compliance_scores
		SET score = ?, breakdown = ?, status = ?, in_flight = 0, evaluated_at = ?, updated_at = ?
		WHERE asset_id = ? AND generation = ?`,
		score, string(breakdown), string(result.Status), toNanos(at), toNanos(at), assetID, generation)
	if err != nil {
		return false, fmt.Errorf("accepting score %s: %w", assetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accepting score %s: %w", assetID, err)
	}
	return n == 1, nil
}

func hydrateScore(row scanner) (*types.ComplianceScore, error) {
	var (
		s           types.ComplianceScore
		score       sql.NullInt64
		breakdown   sql.NullString
		status      string
		inFlight    int
		evaluatedAt sql.NullInt64
		updatedAt   int64
	)
	if err := row.Scan(&s.AssetID, &score, &breakdown, &status, &s.Generation, &inFlight, &evaluatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if score.Valid {
		v := int(score.Int64)
		s.Score = &v
	}
	s.Breakdown = []types.AxisScore{}
	if breakdown.Valid && breakdown.String != "" {
		if err := json.Unmarshal([]byte(breakdown.String), &s.Breakdown); err != nil {
			return nil, fmt.Errorf("decoding breakdown: %w", err)
		}
		if s.Breakdown == nil {
			s.Breakdown = []types.AxisScore{}
		}
	}
	s.Status = types.EvaluationStatus(status)
	s.InFlight = inFlight != 0
	s.EvaluatedAt = fromNullNanos(evaluatedAt)
	s.UpdatedAt = fromNanos(updatedAt)
	return &s, nil
}
