package schema

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/wehubfusion/Conduit/pkg/field"
)

// Validator checks field trees against schemas. It is safe for concurrent use.
type Validator struct {
	formats  map[string]FormatValidator
	patterns sync.Map // pattern -> *regexp.Regexp
}

// NewValidator creates a validator with the email, uri, uuid, date and
// datetime formats registered.
func NewValidator() *Validator {
	return &Validator{formats: defaultFormats()}
}

// RegisterFormat registers a custom format validator. It must be called
// before the validator is shared.
func (v *Validator) RegisterFormat(format string, fn FormatValidator) {
	v.formats[format] = fn
}

// Validate returns every violation of s by the tree rooted at f.
func (v *Validator) Validate(f *field.Field, s *Schema) []Violation {
	return v.validateValue(f, s.root(), "")
}

func (v *Validator) validateValue(f *field.Field, prop *Property, path string) []Violation {
	if f == nil || f.IsNull() {
		if prop.Required {
			return []Violation{{Path: path, Message: "field is required", Code: "REQUIRED"}}
		}
		return nil
	}
	if !prop.Type.accepts(f.Type()) {
		return []Violation{{
			Path:    path,
			Message: fmt.Sprintf("expected %s, got %s", prop.Type, f.Type()),
			Code:    "TYPE_MISMATCH",
		}}
	}

	switch prop.Type {
	case KindString:
		s, err := f.ValueAsString()
		if err != nil {
			return []Violation{{Path: path, Message: err.Error(), Code: "TYPE_MISMATCH"}}
		}
		return v.validateString(s, prop.Validation, path)

	case KindNumber:
		n, err := f.ValueAsDouble()
		if err != nil {
			return []Violation{{Path: path, Message: err.Error(), Code: "TYPE_MISMATCH"}}
		}
		return validateNumber(n, prop.Validation, path)

	case KindDate, KindDateTime:
		if f.Type() != field.String {
			return nil
		}
		s, _ := f.ValueAsString()
		ok := validateDateTime(s)
		if prop.Type == KindDate {
			ok = ok || validateDate(s)
		}
		if !ok {
			return []Violation{{
				Path:    path,
				Message: fmt.Sprintf("value %q is not a %s", s, prop.Type),
				Code:    "FORMAT_MISMATCH",
			}}
		}

	case KindByte:
		return validateByte(f, prop.Validation, path)

	case KindArray:
		children, _ := f.Value().([]*field.Field)
		return v.validateArray(children, prop, path)

	case KindObject:
		return v.validateObject(f, prop, path)
	}
	return nil
}

func (v *Validator) pattern(p string) (*regexp.Regexp, error) {
	if re, ok := v.patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	v.patterns.Store(p, re)
	return re, nil
}

func (v *Validator) validateString(value string, rules *Rules, path string) []Violation {
	if rules == nil {
		return nil
	}
	var out []Violation
	n := len([]rune(value))

	if rules.MinLength != nil && n < *rules.MinLength {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("length %d is less than minimum %d", n, *rules.MinLength),
			Code:    "MIN_LENGTH",
		})
	}
	if rules.MaxLength != nil && n > *rules.MaxLength {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("length %d exceeds maximum %d", n, *rules.MaxLength),
			Code:    "MAX_LENGTH",
		})
	}

	if rules.Pattern != "" {
		re, err := v.pattern(rules.Pattern)
		switch {
		case err != nil:
			out = append(out, Violation{Path: path, Message: fmt.Sprintf("invalid regex pattern: %v", err), Code: "INVALID_PATTERN"})
		case !re.MatchString(value):
			out = append(out, Violation{
				Path:    path,
				Message: fmt.Sprintf("value does not match pattern '%s'", rules.Pattern),
				Code:    "PATTERN_MISMATCH",
			})
		}
	}

	if rules.Format != "" {
		if fn, ok := v.formats[rules.Format]; !ok {
			out = append(out, Violation{Path: path, Message: "unknown format validator: " + rules.Format, Code: "UNKNOWN_FORMAT"})
		} else if !fn(value) {
			out = append(out, Violation{
				Path:    path,
				Message: fmt.Sprintf("value does not match format '%s'", rules.Format),
				Code:    "FORMAT_MISMATCH",
			})
		}
	}

	if len(rules.Enum) > 0 && !slices.Contains(rules.Enum, value) {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("value '%s' not in allowed values %v", value, rules.Enum),
			Code:    "ENUM_MISMATCH",
		})
	}
	return out
}

func validateNumber(value float64, rules *Rules, path string) []Violation {
	if rules == nil {
		return nil
	}
	var out []Violation
	if rules.Minimum != nil && value < *rules.Minimum {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("value %v is less than minimum %v", value, *rules.Minimum),
			Code:    "MIN_VALUE",
		})
	}
	if rules.Maximum != nil && value > *rules.Maximum {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("value %v exceeds maximum %v", value, *rules.Maximum),
			Code:    "MAX_VALUE",
		})
	}
	return out
}

// validateByte checks BYTE_ARRAY fields, or strings holding base64.
func validateByte(f *field.Field, rules *Rules, path string) []Violation {
	var data []byte
	if f.Type() == field.ByteArray {
		data, _ = f.Value().([]byte)
	} else {
		s, _ := f.ValueAsString()
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			decoded, err = base64.URLEncoding.DecodeString(s)
			if err != nil {
				return []Violation{{Path: path, Message: fmt.Sprintf("invalid base64 encoding: %v", err), Code: "INVALID_BASE64"}}
			}
		}
		data = decoded
	}
	if rules == nil {
		return nil
	}

	var out []Violation
	if rules.MinLength != nil && len(data) < *rules.MinLength {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("byte length %d is less than minimum %d", len(data), *rules.MinLength),
			Code:    "MIN_LENGTH",
		})
	}
	if rules.MaxLength != nil && len(data) > *rules.MaxLength {
		out = append(out, Violation{
			Path:    path,
			Message: fmt.Sprintf("byte length %d exceeds maximum %d", len(data), *rules.MaxLength),
			Code:    "MAX_LENGTH",
		})
	}
	return out
}

func (v *Validator) validateArray(items []*field.Field, prop *Property, path string) []Violation {
	var out []Violation
	if rules := prop.Validation; rules != nil {
		if rules.MinItems != nil && len(items) < *rules.MinItems {
			out = append(out, Violation{
				Path:    path,
				Message: fmt.Sprintf("array length %d is less than minimum %d", len(items), *rules.MinItems),
				Code:    "MIN_ITEMS",
			})
		}
		if rules.MaxItems != nil && len(items) > *rules.MaxItems {
			out = append(out, Violation{
				Path:    path,
				Message: fmt.Sprintf("array length %d exceeds maximum %d", len(items), *rules.MaxItems),
				Code:    "MAX_ITEMS",
			})
		}
		if rules.UniqueItems {
			for i := range items {
				if slices.ContainsFunc(items[:i], func(prev *field.Field) bool { return prev.Equal(items[i]) }) {
					out = append(out, Violation{Path: field.JoinIndex(path, i), Message: "duplicate item found", Code: "DUPLICATE_ITEM"})
					break
				}
			}
		}
	}

	if prop.Items != nil {
		for i, item := range items {
			out = append(out, v.validateValue(item, prop.Items, field.JoinIndex(path, i))...)
		}
	}
	return out
}

func (v *Validator) validateObject(f *field.Field, prop *Property, path string) []Violation {
	var out []Violation
	for _, name := range propertyNames(prop) {
		def := prop.Properties[name]
		child, exists := childOf(f, name)
		childPath := field.JoinName(path, name)
		if !exists {
			if def.Required {
				out = append(out, Violation{Path: childPath, Message: "required field missing", Code: "REQUIRED"})
			}
			continue
		}
		out = append(out, v.validateValue(child, def, childPath)...)
	}
	return out
}

func propertyNames(prop *Property) []string {
	names := make([]string, 0, len(prop.Properties))
	for name := range prop.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// childOf returns the named child of a MAP or LIST_MAP field.
func childOf(f *field.Field, name string) (*field.Field, bool) {
	switch m := f.Value().(type) {
	case map[string]*field.Field:
		c, ok := m[name]
		return c, ok
	case *field.OrderedMap:
		return m.Get(name)
	}
	return nil, false
}
