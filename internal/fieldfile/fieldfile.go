// Package fieldfile reads field definitions from YAML documents and keeps a
// registry in step with the file on disk.
//
// A document lists fields under a top-level "fields" key:
//
//	fields:
//	  - id: logo_color
//	    label: Logo color
//	    type: select
//	    population: hybrid
//	    compliance_relevant: true
//	    options:
//	      - {value: blue, label: Blue}
//	      - {value: red, label: Red}
package fieldfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Document is the root of a field definition file.
type Document struct {
	Fields []Field `yaml:"fields"`
}

// Field is one field definition as written in YAML. Constraint settings sit
// flat on the field and apply according to Type.
type Field struct {
	ID                 string               `yaml:"id"`
	Scope              string               `yaml:"scope,omitempty"`
	Label              string               `yaml:"label"`
	Type               types.FieldType      `yaml:"type"`
	Required           bool                 `yaml:"required,omitempty"`
	Population         types.PopulationMode `yaml:"population"`
	RequiresApproval   bool                 `yaml:"requires_approval,omitempty"`
	ComplianceRelevant bool                 `yaml:"compliance_relevant,omitempty"`
	Default            any                  `yaml:"default,omitempty"`

	Options   []types.Option `yaml:"options,omitempty"`
	MaxLength int            `yaml:"max_length,omitempty"`
	Min       *float64       `yaml:"min,omitempty"`
	Max       *float64       `yaml:"max,omitempty"`
}

// Definition converts the YAML form into a validated definition.
func (f Field) Definition() (*types.FieldDefinition, error) {
	c, err := f.constraint()
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.ID, err)
	}
	population := f.Population
	if population == "" {
		population = types.PopulationManual
	}
	def := &types.FieldDefinition{
		FieldID:            f.ID,
		Scope:              f.Scope,
		Label:              f.Label,
		Required:           f.Required,
		PopulationMode:     population,
		RequiresApproval:   f.RequiresApproval,
		ComplianceRelevant: f.ComplianceRelevant,
		Default:            f.Default,
		Constraint:         c,
	}
	if def.Label == "" {
		def.Label = f.ID
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (f Field) constraint() (types.Constraint, error) {
	switch f.Type {
	case types.FieldTypeText, types.FieldTypeTextarea:
		return types.TextConstraint{Multiline: f.Type == types.FieldTypeTextarea, MaxLength: f.MaxLength}, nil
	case types.FieldTypeSelect:
		return types.SelectConstraint{Options: f.Options}, nil
	case types.FieldTypeMultiSelect:
		return types.MultiSelectConstraint{Options: f.Options}, nil
	case types.FieldTypeNumber:
		return types.NumberConstraint{Min: f.Min, Max: f.Max}, nil
	case types.FieldTypeRating:
		limit := types.DefaultRatingMax
		if f.Max != nil {
			limit = int(*f.Max)
		}
		return types.RatingConstraint{Max: limit}, nil
	default:
		return types.NewConstraint(f.Type)
	}
}

// Parse decodes a document. Unknown keys are rejected so that typos in a
// definition file do not silently drop settings.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, fmt.Errorf("parsing field file: %w", err)
	}
	return &doc, nil
}

// Definitions converts every field, failing on the first invalid one or on
// a repeated id.
func (d *Document) Definitions() ([]*types.FieldDefinition, error) {
	seen := make(map[string]bool, len(d.Fields))
	defs := make([]*types.FieldDefinition, 0, len(d.Fields))
	for _, f := range d.Fields {
		if seen[f.ID] {
			return nil, fmt.Errorf("field %s: %w: defined twice", f.ID, types.ErrInvalidDefinition)
		}
		seen[f.ID] = true
		def, err := f.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Load reads and converts the file at path.
func Load(path string) ([]*types.FieldDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading field file: %w", err)
	}
	doc, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return doc.Definitions()
}

// Saver stores definitions. *engine.Registry satisfies it.
type Saver interface {
	Save(ctx context.Context, def *types.FieldDefinition) error
}

// Import loads path and saves every definition. The whole file is validated
// before anything is saved.
func Import(ctx context.Context, saver Saver, path string) (int, error) {
	defs, err := Load(path)
	if err != nil {
		return 0, err
	}
	for i, def := range defs {
		if err := saver.Save(ctx, def); err != nil {
			return i, fmt.Errorf("saving field %s: %w", def.FieldID, err)
		}
	}
	log.Info(log.CatConfig, "Imported field definitions", "path", path, "count", len(defs))
	return len(defs), nil
}

// Encode writes defs as a document, the inverse of Parse.
func Encode(w io.Writer, defs []*types.FieldDefinition) error {
	doc := Document{Fields: make([]Field, 0, len(defs))}
	for _, def := range defs {
		f := Field{
			ID:                 def.FieldID,
			Scope:              def.Scope,
			Label:              def.Label,
			Type:               def.Type(),
			Required:           def.Required,
			Population:         def.PopulationMode,
			RequiresApproval:   def.RequiresApproval,
			ComplianceRelevant: def.ComplianceRelevant,
			Default:            def.Default,
		}
		switch c := def.Constraint.(type) {
		case types.TextConstraint:
			f.MaxLength = c.MaxLength
		case types.SelectConstraint:
			f.Options = c.Options
		case types.MultiSelectConstraint:
			f.Options = c.Options
		case types.NumberConstraint:
			f.Min, f.Max = c.Min, c.Max
		case types.RatingConstraint:
			limit := float64(c.Max)
			f.Max = &limit
		}
		doc.Fields = append(doc.Fields, f)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
