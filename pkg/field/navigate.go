package field

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// Get returns the field at path relative to f. "" returns f itself.
func (f *Field) Get(path string) (*Field, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return f.GetSegments(path, segs)
}

// GetSegments resolves pre-parsed segments; path is used for error messages.
func (f *Field) GetSegments(path string, segs []Segment) (*Field, error) {
	cur := f
	for i, seg := range segs {
		next, err := child(cur, seg)
		if err != nil {
			return nil, sdkerrors.NewPathNotFound(path, fmt.Sprintf("%s at %q", err.Error(), FormatPath(segs[:i+1])))
		}
		cur = next
	}
	return cur, nil
}

// Has reports whether path resolves to a field.
func (f *Field) Has(path string) bool {
	_, err := f.Get(path)
	return err == nil
}

// Put stores v at path, replacing whatever was there. Missing intermediate
// name segments are created as MAP fields. An index equal to the length of
// a LIST appends. The root itself cannot be replaced through Put.
func (f *Field) Put(path string, v *Field) error {
	if v == nil {
		return fmt.Errorf("%w: nil field", sdkerrors.ErrTypeMismatch)
	}
	segs, err := ParsePath(path)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return sdkerrors.NewInvalidPath(path, "cannot replace the root field")
	}
	// The deepest existing container on the path must not sit inside v.
	deepest := f
	for _, seg := range segs[:len(segs)-1] {
		next, err := child(deepest, seg)
		if err != nil {
			break
		}
		deepest = next
	}
	if reaches(v, deepest, make(map[*Field]bool)) {
		return sdkerrors.NewInvalidPath(path, "cannot put a field inside itself")
	}
	cur := f
	for i, seg := range segs[:len(segs)-1] {
		next, err := child(cur, seg)
		if err == nil {
			cur = next
			continue
		}
		if seg.IsIndex || segs[i+1].IsIndex {
			return sdkerrors.NewPathNotFound(path, fmt.Sprintf("%s at %q", err.Error(), FormatPath(segs[:i+1])))
		}
		created := NewMap(nil)
		if err := putChild(cur, seg, created); err != nil {
			return sdkerrors.NewPathNotFound(path, fmt.Sprintf("%s at %q", err.Error(), FormatPath(segs[:i+1])))
		}
		cur = created
	}
	last := segs[len(segs)-1]
	if err := putChild(cur, last, v); err != nil {
		return sdkerrors.NewPathNotFound(path, err.Error())
	}
	return nil
}

// Delete removes and returns the field at path.
func (f *Field) Delete(path string) (*Field, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, sdkerrors.NewInvalidPath(path, "cannot delete the root field")
	}
	parent, err := f.GetSegments(path, segs[:len(segs)-1])
	if err != nil {
		return nil, err
	}
	last := segs[len(segs)-1]
	switch v := parent.value.(type) {
	case map[string]*Field:
		if !last.IsIndex {
			if removed, ok := v[last.Name]; ok {
				delete(v, last.Name)
				return removed, nil
			}
		}
	case []*Field:
		if last.IsIndex && last.Index < len(v) {
			removed := v[last.Index]
			parent.value = append(v[:last.Index], v[last.Index+1:]...)
			return removed, nil
		}
	case *OrderedMap:
		var removed *Field
		var ok bool
		if last.IsIndex {
			removed, ok = v.DeleteAt(last.Index)
		} else {
			removed, ok = v.Delete(last.Name)
		}
		if ok {
			return removed, nil
		}
	}
	return nil, sdkerrors.NewPathNotFound(path, "no such entry")
}

// reaches reports whether target is f or a node below it.
func reaches(f, target *Field, seen map[*Field]bool) bool {
	if f == target {
		return true
	}
	if f == nil || seen[f] {
		return false
	}
	seen[f] = true
	switch v := f.value.(type) {
	case map[string]*Field:
		for _, c := range v {
			if reaches(c, target, seen) {
				return true
			}
		}
	case []*Field:
		for _, c := range v {
			if reaches(c, target, seen) {
				return true
			}
		}
	case *OrderedMap:
		for i := range v.Len() {
			if _, c, _ := v.At(i); reaches(c, target, seen) {
				return true
			}
		}
	}
	return false
}

func child(cur *Field, seg Segment) (*Field, error) {
	switch v := cur.value.(type) {
	case map[string]*Field:
		if seg.IsIndex {
			return nil, fmt.Errorf("index segment on %s", cur.typ)
		}
		c, ok := v[seg.Name]
		if !ok {
			return nil, fmt.Errorf("no key %q", seg.Name)
		}
		return c, nil
	case []*Field:
		if !seg.IsIndex {
			return nil, fmt.Errorf("name segment on %s", cur.typ)
		}
		if seg.Index >= len(v) {
			return nil, fmt.Errorf("index %d out of range (len %d)", seg.Index, len(v))
		}
		return v[seg.Index], nil
	case *OrderedMap:
		if seg.IsIndex {
			_, c, ok := v.At(seg.Index)
			if !ok {
				return nil, fmt.Errorf("index %d out of range (len %d)", seg.Index, v.Len())
			}
			return c, nil
		}
		c, ok := v.Get(seg.Name)
		if !ok {
			return nil, fmt.Errorf("no key %q", seg.Name)
		}
		return c, nil
	case nil:
		return nil, fmt.Errorf("null %s", cur.typ)
	}
	return nil, fmt.Errorf("%s is not a container", cur.typ)
}

// putChild stores v under seg in cur. A null container of the right type is
// given an empty value first.
func putChild(cur *Field, seg Segment, v *Field) error {
	if cur.value == nil {
		switch cur.typ {
		case Map:
			cur.value = make(map[string]*Field)
		case List:
			cur.value = []*Field{}
		case ListMap:
			cur.value = NewOrderedMap()
		}
	}
	switch c := cur.value.(type) {
	case map[string]*Field:
		if seg.IsIndex {
			return fmt.Errorf("index segment on %s", cur.typ)
		}
		c[seg.Name] = v
		return nil
	case []*Field:
		if !seg.IsIndex {
			return fmt.Errorf("name segment on %s", cur.typ)
		}
		switch {
		case seg.Index < len(c):
			c[seg.Index] = v
		case seg.Index == len(c):
			cur.value = append(c, v)
		default:
			return fmt.Errorf("index %d out of range (len %d)", seg.Index, len(c))
		}
		return nil
	case *OrderedMap:
		if seg.IsIndex {
			return c.SetAt(seg.Index, v)
		}
		c.Put(seg.Name, v)
		return nil
	}
	return fmt.Errorf("%s is not a container", cur.typ)
}
