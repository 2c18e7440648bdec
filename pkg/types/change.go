package types

import "time"

// ChangeSource identifies who proposed a pending change.
type ChangeSource string

// Change sources.
const (
	SourceHuman      ChangeSource = "human"
	SourceSuggestion ChangeSource = "suggestion"
)

// IsValidChangeSource reports whether s is a recognized change source.
func IsValidChangeSource(s ChangeSource) bool {
	return s == SourceHuman || s == SourceSuggestion
}

// ChangeStatus is the state of a pending change. Pending is the only
// non-terminal status.
type ChangeStatus string

// Change statuses.
const (
	ChangePending    ChangeStatus = "pending"
	ChangeApproved   ChangeStatus = "approved"
	ChangeRejected   ChangeStatus = "rejected"
	ChangeSuperseded ChangeStatus = "superseded"
)

// IsValidChangeStatus reports whether s is a recognized change status.
func IsValidChangeStatus(s ChangeStatus) bool {
	switch s {
	case ChangePending, ChangeApproved, ChangeRejected, ChangeSuperseded:
		return true
	}
	return false
}

// PendingChange is a proposed value awaiting approval.
type PendingChange struct {
	// ChangeID is a UUID v7, generated on proposal.
	ChangeID string `json:"change_id"`

	AssetID string `json:"asset_id"`
	FieldID string `json:"field_id"`

	// Value is the normalized proposed value. Nil proposes clearing.
	Value any `json:"value"`

	Source ChangeSource `json:"source"`

	// Confidence is set for suggestions only. It is stored for reviewers
	// and never used to approve automatically.
	Confidence *float64 `json:"confidence,omitempty"`

	// OverrideIntent records that a human explicitly asked to override a
	// hybrid field.
	OverrideIntent bool `json:"override_intent,omitempty"`

	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`

	Status ChangeStatus `json:"status"`

	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Reason is the optional rejection reason.
	Reason string `json:"reason,omitempty"`

	// SupersededBy is the id of the proposal that replaced this one.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// IsTerminal reports whether the change has left the pending state.
func (c *PendingChange) IsTerminal() bool {
	return c.Status != ChangePending
}

// Proposal is a request to queue a change.
type Proposal struct {
	AssetID        string
	FieldID        string
	Value          any
	Source         ChangeSource
	Actor          string
	Confidence     *float64
	OverrideIntent bool
}

// ChangeFilter narrows pending change listings. Zero fields do not filter.
type ChangeFilter struct {
	AssetID string
	FieldID string
	Source  ChangeSource
	Status  ChangeStatus

	// Terminal restricts to changes that have left the pending state.
	Terminal bool

	// ResolvedBefore restricts to terminal changes resolved before the time.
	ResolvedBefore time.Time

	// Limit caps the result size. Zero means no limit.
	Limit int
}
