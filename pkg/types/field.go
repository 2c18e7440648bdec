package types

import (
	"fmt"
	"time"
)

// FieldType is the semantic type of a metadata field.
type FieldType string

// Semantic field types.
const (
	FieldTypeText        FieldType = "text"
	FieldTypeTextarea    FieldType = "textarea"
	FieldTypeSelect      FieldType = "select"
	FieldTypeMultiSelect FieldType = "multiselect"
	FieldTypeNumber      FieldType = "number"
	FieldTypeDate        FieldType = "date"
	FieldTypeBoolean     FieldType = "boolean"
	FieldTypeRating      FieldType = "rating"
)

// validFieldTypes is the set of recognized field types.
var validFieldTypes = map[FieldType]bool{
	FieldTypeText:        true,
	FieldTypeTextarea:    true,
	FieldTypeSelect:      true,
	FieldTypeMultiSelect: true,
	FieldTypeNumber:      true,
	FieldTypeDate:        true,
	FieldTypeBoolean:     true,
	FieldTypeRating:      true,
}

// IsValidFieldType reports whether t is a recognized field type.
func IsValidFieldType(t FieldType) bool {
	return validFieldTypes[t]
}

// PopulationMode decides who may write a field.
type PopulationMode string

// Population modes.
const (
	PopulationManual    PopulationMode = "manual"
	PopulationAutomatic PopulationMode = "automatic"
	PopulationHybrid    PopulationMode = "hybrid"
)

// IsValidPopulationMode reports whether m is a recognized population mode.
func IsValidPopulationMode(m PopulationMode) bool {
	switch m {
	case PopulationManual, PopulationAutomatic, PopulationHybrid:
		return true
	}
	return false
}

// Option is one selectable value of a select or multiselect field.
type Option struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// FieldDefinition is the immutable definition of a metadata field. The core
// never mutates definitions; they are written by administrators through the
// field import path.
type FieldDefinition struct {
	// FieldID is unique within the tenant/brand scope.
	FieldID string

	// Scope is the tenant or brand the field belongs to. Empty means global.
	Scope string

	// Label is the display label.
	Label string

	Required bool

	PopulationMode PopulationMode

	// RequiresApproval marks the field as governed: human writes enter the
	// pending change queue instead of applying immediately.
	RequiresApproval bool

	// ComplianceRelevant marks the field as an input of the brand
	// compliance score.
	ComplianceRelevant bool

	// Default is the value shown when nothing has been written yet.
	Default any

	// Constraint carries the type and its validation data.
	Constraint Constraint

	// Position is the insertion order, assigned by the store.
	Position int64

	CreatedAt time.Time
}

// Type returns the semantic type of the field.
func (f *FieldDefinition) Type() FieldType {
	if f.Constraint == nil {
		return ""
	}
	return f.Constraint.Type()
}

// Governed reports whether human writes must pass through approval.
func (f *FieldDefinition) Governed() bool {
	return f.RequiresApproval
}

// Validate checks that the definition itself is well formed.
func (f *FieldDefinition) Validate() error {
	if f.FieldID == "" {
		return ErrInvalidID
	}
	if !IsValidPopulationMode(f.PopulationMode) {
		return fmt.Errorf("field %s: %w: population mode %q", f.FieldID, ErrInvalidDefinition, f.PopulationMode)
	}
	if f.Constraint == nil {
		return fmt.Errorf("field %s: %w: missing constraint", f.FieldID, ErrInvalidDefinition)
	}
	if err := f.Constraint.Check(); err != nil {
		return fmt.Errorf("field %s: %w: %v", f.FieldID, ErrInvalidDefinition, err)
	}
	if f.Default != nil {
		if _, err := f.Constraint.Normalize(f.Default); err != nil {
			return fmt.Errorf("field %s: %w: default: %v", f.FieldID, ErrInvalidDefinition, err)
		}
	}
	return nil
}

// NormalizeValue validates v against the field and returns its canonical
// form. A nil value clears the field and is rejected for required fields.
// Failures are returned as *InvalidValueError.
func (f *FieldDefinition) NormalizeValue(v any) (any, error) {
	if v == nil {
		if f.Required {
			return nil, &InvalidValueError{FieldID: f.FieldID, Expected: f.Type(), Value: v, Reason: "required field cannot be cleared"}
		}
		return nil, nil
	}
	out, err := f.Constraint.Normalize(v)
	if err != nil {
		return nil, &InvalidValueError{FieldID: f.FieldID, Expected: f.Type(), Value: v, Reason: err.Error()}
	}
	return out, nil
}

// AcceptsHumanWrite reports whether a human may write the field, given the
// caller's override intent. Automatic fields never accept human writes;
// hybrid fields only with an explicit override intent.
func (f *FieldDefinition) AcceptsHumanWrite(overrideIntent bool) error {
	switch f.PopulationMode {
	case PopulationAutomatic:
		return &FieldNotEditableError{FieldID: f.FieldID, Reason: "field is populated automatically"}
	case PopulationHybrid:
		if !overrideIntent {
			return &FieldNotEditableError{FieldID: f.FieldID, Reason: "hybrid field requires override intent"}
		}
	}
	return nil
}

// FieldFilter narrows field definition listings.
type FieldFilter struct {
	// Scope restricts to one tenant/brand scope. Empty lists every scope.
	Scope string

	// ComplianceRelevant restricts to compliance inputs when true.
	ComplianceRelevant bool
}
