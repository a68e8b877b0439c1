package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML or JSON schema document and checks it.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	if err := Check(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// UnmarshalYAML accepts kinds in any case.
func (k *Kind) UnmarshalYAML(n *yaml.Node) error {
	*k = Kind(strings.ToUpper(strings.TrimSpace(n.Value)))
	return nil
}

// FromMap converts a schema held in a decoded stage config.
func FromMap(m map[string]any) (*Schema, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	return Parse(data)
}

// Check ensures the schema structure is valid: known kinds, rules that fit
// their kind and patterns that compile.
func Check(s *Schema) error {
	if s.Type == "" {
		return fmt.Errorf("schema type is required")
	}
	return checkProperty(s.root(), "")
}

func checkProperty(prop *Property, name string) error {
	if prop == nil {
		return fmt.Errorf("property '%s' is empty", name)
	}
	if prop.Type == "" {
		return fmt.Errorf("property '%s' must have a type", name)
	}
	if !prop.Type.Valid() {
		return fmt.Errorf("property '%s' has invalid type: %s", name, prop.Type)
	}

	names := make([]string, 0, len(prop.Properties))
	for n := range prop.Properties {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if prop.Type != KindObject {
			return fmt.Errorf("property '%s': properties declared on non-object type %s", name, prop.Type)
		}
		if err := checkProperty(prop.Properties[n], name+"/"+n); err != nil {
			return err
		}
	}
	if prop.Items != nil {
		if prop.Type != KindArray {
			return fmt.Errorf("property '%s': items declared on non-array type %s", name, prop.Type)
		}
		if err := checkProperty(prop.Items, name+"[]"); err != nil {
			return err
		}
	}
	if prop.Validation != nil {
		return checkRules(prop.Validation, prop.Type, name)
	}
	return nil
}

func checkRules(rules *Rules, kind Kind, name string) error {
	if kind != KindString && kind != KindByte {
		if rules.MinLength != nil || rules.MaxLength != nil {
			return fmt.Errorf("property '%s': minLength/maxLength validation rules used on non-string/non-byte type %s", name, kind)
		}
	}
	if kind != KindString {
		if rules.Pattern != "" || rules.Format != "" || len(rules.Enum) > 0 {
			return fmt.Errorf("property '%s': string validation rules (pattern/format/enum) used on non-string type %s", name, kind)
		}
	}
	if kind != KindNumber {
		if rules.Minimum != nil || rules.Maximum != nil {
			return fmt.Errorf("property '%s': number validation rules used on non-number type %s", name, kind)
		}
	}
	if kind != KindArray {
		if rules.MinItems != nil || rules.MaxItems != nil || rules.UniqueItems {
			return fmt.Errorf("property '%s': array validation rules used on non-array type %s", name, kind)
		}
	}
	if rules.Pattern != "" {
		if _, err := regexp.Compile(rules.Pattern); err != nil {
			return fmt.Errorf("property '%s': invalid pattern: %w", name, err)
		}
	}
	if rules.Format != "" {
		if _, ok := defaultFormats()[rules.Format]; !ok {
			return fmt.Errorf("property '%s': unknown format %q", name, rules.Format)
		}
	}
	return nil
}
