package schema

import (
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Conduit/pkg/field"
)

// ApplyDefaults fills missing or null object properties that declare a
// default. Defaults are converted the way JSON input is, so a default of 5
// becomes a LONG and 1.5 a DOUBLE.
func ApplyDefaults(f *field.Field, s *Schema) error {
	return applyDefaults(f, s.root(), "")
}

func applyDefaults(f *field.Field, prop *Property, path string) error {
	if f == nil || f.IsNull() {
		return nil
	}
	switch prop.Type {
	case KindObject:
		for _, name := range propertyNames(prop) {
			def := prop.Properties[name]
			childPath := field.JoinName(path, name)
			child, ok := childOf(f, name)
			if (!ok || child.IsNull()) && def.Default != nil {
				v, err := defaultField(def.Default)
				if err != nil {
					return fmt.Errorf("default for %s: %w", childPath, err)
				}
				putChild(f, name, v)
				continue
			}
			if ok {
				if err := applyDefaults(child, def, childPath); err != nil {
					return err
				}
			}
		}
	case KindArray:
		if prop.Items == nil {
			return nil
		}
		items, _ := f.Value().([]*field.Field)
		for i, item := range items {
			if err := applyDefaults(item, prop.Items, field.JoinIndex(path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func defaultField(v any) (*field.Field, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return field.FromJSON(data)
}

func putChild(f *field.Field, name string, v *field.Field) {
	switch m := f.Value().(type) {
	case map[string]*field.Field:
		m[name] = v
	case *field.OrderedMap:
		m.Put(name, v)
	}
}

// DropUndeclared removes object entries that the schema does not declare.
// Objects without declared properties are left as they are.
func DropUndeclared(f *field.Field, s *Schema) []string {
	var dropped []string
	dropUndeclared(f, s.root(), "", &dropped)
	return dropped
}

func dropUndeclared(f *field.Field, prop *Property, path string, dropped *[]string) {
	if f == nil || f.IsNull() {
		return
	}
	switch prop.Type {
	case KindObject:
		if len(prop.Properties) == 0 {
			return
		}
		switch m := f.Value().(type) {
		case map[string]*field.Field:
			for name := range m {
				if _, ok := prop.Properties[name]; !ok {
					delete(m, name)
					*dropped = append(*dropped, field.JoinName(path, name))
				}
			}
		case *field.OrderedMap:
			for _, name := range m.Keys() {
				if _, ok := prop.Properties[name]; !ok {
					m.Delete(name)
					*dropped = append(*dropped, field.JoinName(path, name))
				}
			}
		}
		for _, name := range propertyNames(prop) {
			if child, ok := childOf(f, name); ok {
				dropUndeclared(child, prop.Properties[name], field.JoinName(path, name), dropped)
			}
		}
	case KindArray:
		if prop.Items == nil {
			return
		}
		items, _ := f.Value().([]*field.Field)
		for i, item := range items {
			dropUndeclared(item, prop.Items, field.JoinIndex(path, i), dropped)
		}
	}
}
