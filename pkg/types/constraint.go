package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Constraint is the type-specific part of a field definition. Each semantic
// type has exactly one implementation carrying only the data it validates
// against.
type Constraint interface {
	// Type returns the semantic type this constraint validates.
	Type() FieldType

	// Normalize validates v and returns its canonical stored form.
	Normalize(v any) (any, error)

	// Check validates the constraint's own configuration.
	Check() error
}

// DefaultRatingMax is the upper bound of a rating field when none is set.
const DefaultRatingMax = 5

// DateLayout is the canonical stored form of date values.
const DateLayout = "2006-01-02"

// TextConstraint validates text and textarea fields.
type TextConstraint struct {
	// Multiline selects textarea semantics; single-line text rejects newlines.
	Multiline bool `json:"-"`

	// MaxLength limits the value length in runes. Zero means unlimited.
	MaxLength int `json:"max_length,omitempty"`
}

func (c TextConstraint) Type() FieldType {
	if c.Multiline {
		return FieldTypeTextarea
	}
	return FieldTypeText
}

func (c TextConstraint) Check() error {
	if c.MaxLength < 0 {
		return errors.New("max_length must not be negative")
	}
	return nil
}

func (c TextConstraint) Normalize(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	if !utf8.ValidString(s) {
		return nil, errors.New("text must be valid UTF-8")
	}
	if !c.Multiline && strings.ContainsAny(s, "\r\n") {
		return nil, errors.New("single-line text must not contain newlines")
	}
	if c.MaxLength > 0 && utf8.RuneCountInString(s) > c.MaxLength {
		return nil, fmt.Errorf("length exceeds %d", c.MaxLength)
	}
	return s, nil
}

// SelectConstraint validates a single token from a fixed option set.
type SelectConstraint struct {
	Options []Option `json:"options"`
}

func (c SelectConstraint) Type() FieldType { return FieldTypeSelect }

func (c SelectConstraint) Check() error {
	return checkOptions(c.Options)
}

func (c SelectConstraint) Normalize(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected option token, got %T", v)
	}
	if optionIndex(c.Options, s) < 0 {
		return nil, fmt.Errorf("%q is not an option", s)
	}
	return s, nil
}

// MultiSelectConstraint validates a set of tokens from a fixed option set.
// Stored values are deduplicated and kept in option order.
type MultiSelectConstraint struct {
	Options []Option `json:"options"`
}

func (c MultiSelectConstraint) Type() FieldType { return FieldTypeMultiSelect }

func (c MultiSelectConstraint) Check() error {
	return checkOptions(c.Options)
}

func (c MultiSelectConstraint) Normalize(v any) (any, error) {
	var tokens []string
	switch t := v.(type) {
	case []string:
		tokens = t
	case []any:
		tokens = make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected option token, got %T", e)
			}
			tokens = append(tokens, s)
		}
	default:
		return nil, fmt.Errorf("expected list of option tokens, got %T", v)
	}

	selected := make(map[int]bool, len(tokens))
	for _, s := range tokens {
		idx := optionIndex(c.Options, s)
		if idx < 0 {
			return nil, fmt.Errorf("%q is not an option", s)
		}
		selected[idx] = true
	}
	out := make([]string, 0, len(selected))
	for i, opt := range c.Options {
		if selected[i] {
			out = append(out, opt.Value)
		}
	}
	return out, nil
}

// NumberConstraint validates a finite number within optional bounds.
type NumberConstraint struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

func (c NumberConstraint) Type() FieldType { return FieldTypeNumber }

func (c NumberConstraint) Check() error {
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return errors.New("min is greater than max")
	}
	return nil
}

func (c NumberConstraint) Normalize(v any) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.New("number must be finite")
	}
	if c.Min != nil && f < *c.Min {
		return nil, fmt.Errorf("%v is below minimum %v", f, *c.Min)
	}
	if c.Max != nil && f > *c.Max {
		return nil, fmt.Errorf("%v is above maximum %v", f, *c.Max)
	}
	return f, nil
}

// DateConstraint validates a calendar date. RFC 3339 timestamps are
// accepted and truncated to their date.
type DateConstraint struct{}

func (DateConstraint) Type() FieldType { return FieldTypeDate }

func (DateConstraint) Check() error { return nil }

func (DateConstraint) Normalize(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Format(DateLayout), nil
	case string:
		if d, err := time.Parse(DateLayout, t); err == nil {
			return d.Format(DateLayout), nil
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.Format(DateLayout), nil
		}
		return nil, fmt.Errorf("%q is not a date", t)
	default:
		return nil, fmt.Errorf("expected date string, got %T", v)
	}
}

// BooleanConstraint accepts only true or false.
type BooleanConstraint struct{}

func (BooleanConstraint) Type() FieldType { return FieldTypeBoolean }

func (BooleanConstraint) Check() error { return nil }

func (BooleanConstraint) Normalize(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("expected boolean, got %T", v)
	}
	return b, nil
}

// RatingConstraint accepts an integer in 1..Max.
type RatingConstraint struct {
	Max int `json:"max"`
}

func (c RatingConstraint) Type() FieldType { return FieldTypeRating }

func (c RatingConstraint) Check() error {
	if c.Max < 1 {
		return errors.New("rating max must be at least 1")
	}
	return nil
}

func (c RatingConstraint) Normalize(v any) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("expected integer rating, got %T", v)
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("rating %v is not an integer", f)
	}
	if f < 1 || f > float64(c.Max) {
		return nil, fmt.Errorf("rating %v outside 1..%d", f, c.Max)
	}
	return int64(f), nil
}

// NewConstraint returns the zero-configuration constraint for t.
func NewConstraint(t FieldType) (Constraint, error) {
	switch t {
	case FieldTypeText:
		return TextConstraint{}, nil
	case FieldTypeTextarea:
		return TextConstraint{Multiline: true}, nil
	case FieldTypeSelect:
		return SelectConstraint{}, nil
	case FieldTypeMultiSelect:
		return MultiSelectConstraint{}, nil
	case FieldTypeNumber:
		return NumberConstraint{}, nil
	case FieldTypeDate:
		return DateConstraint{}, nil
	case FieldTypeBoolean:
		return BooleanConstraint{}, nil
	case FieldTypeRating:
		return RatingConstraint{Max: DefaultRatingMax}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFieldType, t)
	}
}

// EncodeConstraint serializes the constraint's configuration. The field type
// is stored separately and selects the variant on decode.
func EncodeConstraint(c Constraint) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeConstraint rebuilds the constraint variant for t from data produced
// by EncodeConstraint. Empty data yields the zero-configuration constraint.
func DecodeConstraint(t FieldType, data []byte) (Constraint, error) {
	base, err := NewConstraint(t)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return base, nil
	}
	switch c := base.(type) {
	case TextConstraint:
		err = json.Unmarshal(data, &c)
		return c, err
	case SelectConstraint:
		err = json.Unmarshal(data, &c)
		return c, err
	case MultiSelectConstraint:
		err = json.Unmarshal(data, &c)
		return c, err
	case NumberConstraint:
		err = json.Unmarshal(data, &c)
		return c, err
	case RatingConstraint:
		err = json.Unmarshal(data, &c)
		if err == nil && c.Max == 0 {
			c.Max = DefaultRatingMax
		}
		return c, err
	default:
		return base, nil
	}
}

func checkOptions(opts []Option) error {
	if len(opts) == 0 {
		return errors.New("option set is empty")
	}
	seen := make(map[string]bool, len(opts))
	for _, o := range opts {
		if o.Value == "" {
			return errors.New("option value must not be empty")
		}
		if seen[o.Value] {
			return fmt.Errorf("duplicate option %q", o.Value)
		}
		seen[o.Value] = true
	}
	return nil
}

func optionIndex(opts []Option, value string) int {
	for i, o := range opts {
		if o.Value == value {
			return i
		}
	}
	return -1
}

// toFloat converts the numeric kinds produced by callers and by JSON
// decoding. Strings are not coerced.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
