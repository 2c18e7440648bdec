package types

import (
	"errors"
	"fmt"
)

// Engine errors. Callers match them with errors.Is; the typed errors below
// carry detail and unwrap to these sentinels.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidValue     = errors.New("invalid value")
	ErrFieldNotEditable = errors.New("field not editable")
	ErrAlreadyResolved  = errors.New("change already resolved")
	ErrStaleWrite       = errors.New("stale write")
	ErrForbidden        = errors.New("forbidden")
)

// Input and definition errors.
var (
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidActor      = errors.New("actor must not be empty")
	ErrInvalidFieldType  = errors.New("invalid field type")
	ErrInvalidDefinition = errors.New("invalid field definition")
	ErrInvalidSource     = errors.New("invalid change source")
	ErrInvalidConfidence = errors.New("confidence must be within 0..1")
	ErrInvalidScore      = errors.New("invalid score result")
	ErrInvalidFilter     = errors.New("invalid filter")
)

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Kind string // "field", "value", "change", "score"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidValueError reports a value that does not satisfy the field's type.
type InvalidValueError struct {
	FieldID  string
	Expected FieldType
	Value    any
	Reason   string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for field %s (expected %s, got %v): %s", e.FieldID, e.Expected, e.Value, e.Reason)
}

func (e *InvalidValueError) Unwrap() error { return ErrInvalidValue }

// FieldNotEditableError reports a write the field's population mode forbids.
type FieldNotEditableError struct {
	FieldID string
	Reason  string
}

func (e *FieldNotEditableError) Error() string {
	return fmt.Sprintf("field %s is not editable: %s", e.FieldID, e.Reason)
}

func (e *FieldNotEditableError) Unwrap() error { return ErrFieldNotEditable }

// AlreadyResolvedError reports an approve or reject on a change that has
// left the pending state.
type AlreadyResolvedError struct {
	ChangeID   string
	Status     ChangeStatus
	ResolvedBy string
}

func (e *AlreadyResolvedError) Error() string {
	if e.ResolvedBy == "" {
		return fmt.Sprintf("change %s already %s", e.ChangeID, e.Status)
	}
	return fmt.Sprintf("change %s already %s by %s", e.ChangeID, e.Status, e.ResolvedBy)
}

func (e *AlreadyResolvedError) Unwrap() error { return ErrAlreadyResolved }
