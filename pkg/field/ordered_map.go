package field

import (
	"fmt"
	"iter"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// OrderedMap is the value of a LIST_MAP field. Entries live in a positional
// arena; the name index stores arena handles, so an entry reached by key and
// the entry reached by its position are the same *Field.
type OrderedMap struct {
	keys  []string
	nodes []*Field
	index map[string]int
}

// NewOrderedMap returns an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{index: make(map[string]int)}
}

// Len returns the number of entries.
func (m *OrderedMap) Len() int {
	return len(m.nodes)
}

// Put sets the entry for key. An existing key keeps its position and its
// slot is replaced for both addressing schemes; a new key is appended.
func (m *OrderedMap) Put(key string, f *Field) {
	if f == nil {
		panic("field: nil entry in ordered map")
	}
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if h, ok := m.index[key]; ok {
		m.nodes[h] = f
		return
	}
	m.index[key] = len(m.nodes)
	m.keys = append(m.keys, key)
	m.nodes = append(m.nodes, f)
}

// Get returns the entry for key.
func (m *OrderedMap) Get(key string) (*Field, bool) {
	h, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.nodes[h], true
}

// Has reports whether key is present.
func (m *OrderedMap) Has(key string) bool {
	_, ok := m.index[key]
	return ok
}

// At returns the key and entry at position i.
func (m *OrderedMap) At(i int) (string, *Field, bool) {
	if i < 0 || i >= len(m.nodes) {
		return "", nil, false
	}
	return m.keys[i], m.nodes[i], true
}

// SetAt replaces the entry at position i, keeping its key.
func (m *OrderedMap) SetAt(i int, f *Field) error {
	if f == nil {
		return fmt.Errorf("%w: nil entry", sdkerrors.ErrTypeMismatch)
	}
	if i < 0 || i >= len(m.nodes) {
		return sdkerrors.NewPathNotFound(fmt.Sprintf("[%d]", i), fmt.Sprintf("index out of range for list-map of length %d", len(m.nodes)))
	}
	m.nodes[i] = f
	return nil
}

// Delete removes key and returns its entry. Later entries shift down by one.
func (m *OrderedMap) Delete(key string) (*Field, bool) {
	h, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.removeAt(h), true
}

// DeleteAt removes the entry at position i.
func (m *OrderedMap) DeleteAt(i int) (*Field, bool) {
	if i < 0 || i >= len(m.nodes) {
		return nil, false
	}
	return m.removeAt(i), true
}

func (m *OrderedMap) removeAt(h int) *Field {
	removed := m.nodes[h]
	delete(m.index, m.keys[h])
	m.keys = append(m.keys[:h], m.keys[h+1:]...)
	m.nodes = append(m.nodes[:h], m.nodes[h+1:]...)
	for i := h; i < len(m.keys); i++ {
		m.index[m.keys[i]] = i
	}
	return removed
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// All iterates entries in insertion order.
func (m *OrderedMap) All() iter.Seq2[string, *Field] {
	return func(yield func(string, *Field) bool) {
		for i := range m.nodes {
			if !yield(m.keys[i], m.nodes[i]) {
				return
			}
		}
	}
}

// Values returns the entries in insertion order. The slice is new but the
// fields are shared with the map.
func (m *OrderedMap) Values() []*Field {
	out := make([]*Field, len(m.nodes))
	copy(out, m.nodes)
	return out
}

// AsMap returns an unordered view sharing the same fields.
func (m *OrderedMap) AsMap() map[string]*Field {
	out := make(map[string]*Field, len(m.nodes))
	for i, k := range m.keys {
		out[k] = m.nodes[i]
	}
	return out
}
