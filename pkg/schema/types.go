// Package schema validates record field trees against a declarative schema
// and provides the schema_validator processor stage.
//
// A schema describes the expected shape of a record: the kind of each
// field, whether it is required, a default for missing fields and value
// rules. Kinds are coarser than field types; NUMBER accepts every numeric
// field type and OBJECT accepts MAP and LIST_MAP.
package schema

import "github.com/wehubfusion/Conduit/pkg/field"

// Schema is the root of a schema definition.
type Schema struct {
	Type        Kind                 `yaml:"type" json:"type"`
	Properties  map[string]*Property `yaml:"properties,omitempty" json:"properties,omitempty"`
	Items       *Property            `yaml:"items,omitempty" json:"items,omitempty"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
}

func (s *Schema) root() *Property {
	return &Property{Type: s.Type, Properties: s.Properties, Items: s.Items}
}

// Property describes one field.
type Property struct {
	Type        Kind                 `yaml:"type" json:"type"`
	Required    bool                 `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any                  `yaml:"default,omitempty" json:"default,omitempty"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Validation  *Rules               `yaml:"validation,omitempty" json:"validation,omitempty"`
	Properties  map[string]*Property `yaml:"properties,omitempty" json:"properties,omitempty"` // OBJECT
	Items       *Property            `yaml:"items,omitempty" json:"items,omitempty"`           // ARRAY
}

// Kind is the expected kind of a field.
type Kind string

const (
	KindString   Kind = "STRING"
	KindNumber   Kind = "NUMBER"
	KindBoolean  Kind = "BOOLEAN"
	KindObject   Kind = "OBJECT"
	KindArray    Kind = "ARRAY"
	KindDate     Kind = "DATE"
	KindDateTime Kind = "DATETIME"
	KindByte     Kind = "BYTE"
	KindAny      Kind = "ANY"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindObject, KindArray,
		KindDate, KindDateTime, KindByte, KindAny:
		return true
	}
	return false
}

// accepts reports whether a field of type t has kind k. Strings are
// accepted for DATE and DATETIME and checked against the date formats.
func (k Kind) accepts(t field.Type) bool {
	switch k {
	case KindString:
		return t == field.String || t == field.Char
	case KindNumber:
		return t.IsNumeric()
	case KindBoolean:
		return t == field.Boolean
	case KindObject:
		return t == field.Map || t == field.ListMap
	case KindArray:
		return t == field.List
	case KindDate:
		return t == field.Date || t == field.Datetime || t == field.String
	case KindDateTime:
		return t == field.Datetime || t == field.String
	case KindByte:
		return t == field.ByteArray || t == field.String
	case KindAny:
		return true
	}
	return false
}

// Rules holds value rules for a field.
type Rules struct {
	// STRING and BYTE
	MinLength *int `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength *int `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`

	// STRING
	Pattern string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Format  string   `yaml:"format,omitempty" json:"format,omitempty"`
	Enum    []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	// NUMBER
	Minimum *float64 `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum *float64 `yaml:"maximum,omitempty" json:"maximum,omitempty"`

	// ARRAY
	MinItems    *int `yaml:"minItems,omitempty" json:"minItems,omitempty"`
	MaxItems    *int `yaml:"maxItems,omitempty" json:"maxItems,omitempty"`
	UniqueItems bool `yaml:"uniqueItems,omitempty" json:"uniqueItems,omitempty"`
}

// Violation is one way a field tree fails its schema. Path uses the field
// path grammar.
type Violation struct {
	Path    string
	Message string
	Code    string
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message + " (" + v.Code + ")"
	}
	return v.Path + ": " + v.Message + " (" + v.Code + ")"
}
