package types

import "time"

// Provenance records who or what set a value and arbitrates future writes.
type Provenance string

// Provenance values.
const (
	ProvenanceAutomatic Provenance = "automatic"
	ProvenanceManual    Provenance = "manual"
	ProvenanceOverride  Provenance = "override"
)

// Origin records where an authoritative value came from, independently of
// its provenance. An approved suggestion has provenance manual and origin
// suggestion.
type Origin string

// Origin values.
const (
	OriginAutomation Origin = "automation"
	OriginHuman      Origin = "human"
	OriginSuggestion Origin = "suggestion"
)

// MetadataValue is the authoritative value of one field on one asset.
type MetadataValue struct {
	AssetID string `json:"asset_id"`
	FieldID string `json:"field_id"`

	// Value is the normalized value. Nil means the value was cleared.
	Value any `json:"value"`

	Provenance Provenance `json:"provenance"`
	Origin     Origin     `json:"origin"`

	// AutomaticValue is the latest system-computed candidate for hybrid
	// fields, kept even while a manual override is authoritative.
	AutomaticValue any `json:"automatic_value,omitempty"`

	// HasAutomatic reports whether AutomaticValue was ever computed.
	HasAutomatic bool `json:"has_automatic"`

	// Version increases by one on every write, starting at 1.
	Version int64 `json:"version"`

	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cleared reports whether the value was explicitly cleared.
func (v *MetadataValue) Cleared() bool {
	return v.Value == nil
}

// ValueState is the display state of a field on an asset. The states map
// one to one onto what a UI must distinguish.
type ValueState string

// Value states.
const (
	ValueStateUnset              ValueState = "unset"
	ValueStateCleared            ValueState = "cleared"
	ValueStateSet                ValueState = "set"
	ValueStatePending            ValueState = "pending"
	ValueStateAwaitingAutomation ValueState = "awaiting_automation"
)

// CommitRequest is a write into the value store.
type CommitRequest struct {
	AssetID    string
	FieldID    string
	Value      any
	Provenance Provenance
	Origin     Origin
	Actor      string

	// ExpectedVersion, when non-nil, makes the commit conditional on the
	// stored version (0 means the value must not exist yet).
	ExpectedVersion *int64
}
