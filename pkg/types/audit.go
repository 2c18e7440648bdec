package types

import "time"

// AuditAction names a recorded engine action.
type AuditAction string

// Audit actions.
const (
	AuditProposed             AuditAction = "proposed"
	AuditSuperseded           AuditAction = "superseded"
	AuditApproved             AuditAction = "approved"
	AuditRejected             AuditAction = "rejected"
	AuditApplied              AuditAction = "applied"
	AuditAutomationApplied    AuditAction = "automation_applied"
	AuditAutomationSuppressed AuditAction = "automation_suppressed"
	AuditOverrideCleared      AuditAction = "override_cleared"
	AuditRescoreRequested     AuditAction = "rescore_requested"
)

// AuditEntry records who did what and when. Entries are written in the same
// transaction as the mutation they describe and are never updated.
type AuditEntry struct {
	EntryID   string         `json:"entry_id"`
	Action    AuditAction    `json:"action"`
	AssetID   string         `json:"asset_id"`
	FieldID   string         `json:"field_id,omitempty"`
	ChangeID  string         `json:"change_id,omitempty"`
	Actor     string         `json:"actor"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditFilter narrows audit listings. Zero fields do not filter.
type AuditFilter struct {
	AssetID string
	FieldID string
	Action  AuditAction
	Since   time.Time
	Limit   int
}
