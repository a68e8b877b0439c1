package field

import (
	"bytes"
	"iter"
	"math"
	"math/big"
	"slices"
	"time"
)

// Equal reports deep structural equality: same types, same values and, for
// containers, equal children. LIST_MAP entries must match in order. NaN
// FLOAT and DOUBLE values equal each other.
func (f *Field) Equal(o *Field) bool {
	if f == o {
		return true
	}
	if f == nil || o == nil || f.typ != o.typ {
		return false
	}
	if f.value == nil || o.value == nil {
		return f.value == nil && o.value == nil
	}
	switch a := f.value.(type) {
	case float32:
		b := o.value.(float32)
		return a == b || (math.IsNaN(float64(a)) && math.IsNaN(float64(b)))
	case float64:
		b := o.value.(float64)
		return a == b || (math.IsNaN(a) && math.IsNaN(b))
	case time.Time:
		return a.Equal(o.value.(time.Time))
	case *big.Rat:
		return a.Cmp(o.value.(*big.Rat)) == 0
	case []byte:
		return bytes.Equal(a, o.value.([]byte))
	case []*Field:
		b := o.value.([]*Field)
		return slices.EqualFunc(a, b, (*Field).Equal)
	case map[string]*Field:
		b := o.value.(map[string]*Field)
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !av.Equal(bv) {
				return false
			}
		}
		return true
	case *OrderedMap:
		b := o.value.(*OrderedMap)
		if a.Len() != b.Len() {
			return false
		}
		for i := range a.Len() {
			ak, av, _ := a.At(i)
			bk, bv, _ := b.At(i)
			if ak != bk || !av.Equal(bv) {
				return false
			}
		}
		return true
	case FileHandle:
		return a.String() == o.value.(FileHandle).String()
	}
	return f.value == o.value
}

// Clone deep-copies the tree rooted at f. A node reachable through several
// paths in f is reachable through the same paths as one node in the copy.
func (f *Field) Clone() *Field {
	return f.cloneInto(make(map[*Field]*Field))
}

func (f *Field) cloneInto(seen map[*Field]*Field) *Field {
	if f == nil {
		return nil
	}
	if c, ok := seen[f]; ok {
		return c
	}
	c := &Field{typ: f.typ}
	seen[f] = c
	if len(f.attrs) > 0 {
		c.attrs = make(map[string]string, len(f.attrs))
		for k, v := range f.attrs {
			c.attrs[k] = v
		}
	}
	switch v := f.value.(type) {
	case *big.Rat:
		c.value = new(big.Rat).Set(v)
	case []byte:
		c.value = bytes.Clone(v)
	case []*Field:
		list := make([]*Field, len(v))
		for i, child := range v {
			list[i] = child.cloneInto(seen)
		}
		c.value = list
	case map[string]*Field:
		m := make(map[string]*Field, len(v))
		for k, child := range v {
			m[k] = child.cloneInto(seen)
		}
		c.value = m
	case *OrderedMap:
		lm := NewOrderedMap()
		for k, child := range v.All() {
			lm.Put(k, child.cloneInto(seen))
		}
		c.value = lm
	default:
		c.value = v
	}
	return c
}

// Walk yields every field in the tree rooted at f together with its escaped
// path, depth-first in pre-order, starting with f itself at "". LIST children
// are visited by index, LIST_MAP children by insertion order and MAP children
// in sorted key order. The sequence can be ranged over any number of times.
func (f *Field) Walk() iter.Seq2[string, *Field] {
	return func(yield func(string, *Field) bool) {
		walk(f, "", yield)
	}
}

func walk(f *Field, path string, yield func(string, *Field) bool) bool {
	if !yield(path, f) {
		return false
	}
	switch v := f.value.(type) {
	case []*Field:
		for i, child := range v {
			if !walk(child, JoinIndex(path, i), yield) {
				return false
			}
		}
	case map[string]*Field:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if !walk(v[k], JoinName(path, k), yield) {
				return false
			}
		}
	case *OrderedMap:
		for k, child := range v.All() {
			if !walk(child, JoinName(path, k), yield) {
				return false
			}
		}
	}
	return true
}
