package types

// ChangeEvent is broadcast after every authoritative mutation so that UI
// surfaces can refresh without re-fetching full state. Rejections are
// broadcast too, with Status set and no value change.
type ChangeEvent struct {
	AssetID    string       `json:"asset_id"`
	FieldID    string       `json:"field_id"`
	Value      any          `json:"value"`
	Provenance Provenance   `json:"provenance,omitempty"`
	Origin     Origin       `json:"origin,omitempty"`
	Version    int64        `json:"version,omitempty"`
	ChangeID   string       `json:"change_id,omitempty"`
	Status     ChangeStatus `json:"status,omitempty"`
}
