package types

import (
	"fmt"
	"time"
)

// EvaluationStatus is the state of an asset's compliance score.
type EvaluationStatus string

// Evaluation statuses.
const (
	EvaluationPending       EvaluationStatus = "pending"
	EvaluationEvaluated     EvaluationStatus = "evaluated"
	EvaluationIncomplete    EvaluationStatus = "incomplete"
	EvaluationNotApplicable EvaluationStatus = "not_applicable"
)

// ComplianceAxis is one dimension of the brand compliance score.
type ComplianceAxis string

// Compliance axes.
const (
	AxisColor      ComplianceAxis = "color"
	AxisTypography ComplianceAxis = "typography"
	AxisTone       ComplianceAxis = "tone"
	AxisImagery    ComplianceAxis = "imagery"
)

// ComplianceAxes lists the axes in display order.
var ComplianceAxes = []ComplianceAxis{AxisColor, AxisTypography, AxisTone, AxisImagery}

// AxisStatus reports whether an axis was scored.
type AxisStatus string

// Axis statuses.
const (
	AxisScored        AxisStatus = "scored"
	AxisNotApplicable AxisStatus = "not_applicable"
)

// AxisScore is the sub-score of one axis.
type AxisScore struct {
	Axis   ComplianceAxis `json:"axis"`
	Score  int            `json:"score"`
	Status AxisStatus     `json:"status"`
}

// ComplianceScore is the cached compliance evaluation of one asset.
type ComplianceScore struct {
	AssetID string

	// Score is the aggregate 0-100 score; nil until first evaluated.
	Score *int

	Breakdown []AxisScore
	Status    EvaluationStatus

	// Generation increases on every invalidation. A score computed for an
	// older generation is never accepted.
	Generation int64

	// InFlight is set while a recomputation is running.
	InFlight bool

	EvaluatedAt *time.Time
	UpdatedAt   time.Time
}

// Stale reports whether the cached score must not be served as current.
func (s *ComplianceScore) Stale() bool {
	return s.Status == EvaluationPending
}

// ScoreResult is what the external scoring collaborator returns.
type ScoreResult struct {
	Score     int              `json:"score"`
	Breakdown []AxisScore      `json:"breakdown"`
	Status    EvaluationStatus `json:"status"`
}

// Validate checks the result bounds and statuses.
func (r ScoreResult) Validate() error {
	switch r.Status {
	case EvaluationEvaluated, EvaluationIncomplete, EvaluationNotApplicable:
	default:
		return fmt.Errorf("%w: evaluation status %q", ErrInvalidScore, r.Status)
	}
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("%w: score %d outside 0..100", ErrInvalidScore, r.Score)
	}
	for _, a := range r.Breakdown {
		if a.Status != AxisScored && a.Status != AxisNotApplicable {
			return fmt.Errorf("%w: axis %s status %q", ErrInvalidScore, a.Axis, a.Status)
		}
		if a.Score < 0 || a.Score > 100 {
			return fmt.Errorf("%w: axis %s score %d outside 0..100", ErrInvalidScore, a.Axis, a.Score)
		}
	}
	return nil
}

// RescoreStatus is the acknowledgement of a rescore request.
type RescoreStatus string

// Rescore acknowledgements.
const (
	RescoreQueued            RescoreStatus = "queued"
	RescoreAlreadyInProgress RescoreStatus = "already-in-progress"
)

// RescoreRequest is handed to the external scoring collaborator.
type RescoreRequest struct {
	AssetID    string `json:"asset_id"`
	Generation int64  `json:"generation"`
}
