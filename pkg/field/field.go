// Package field implements the typed value model carried by records.
//
// A Field pairs an immutable Type with a value that may be null. Container
// fields (LIST, MAP, LIST_MAP) hold child fields by pointer, so a child
// reached through two addressing paths is one node.
package field

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"slices"
	"time"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// FileHandle is a reference to out-of-band file content held by a FILE_REF field.
type FileHandle interface {
	// Open returns a reader over the referenced content.
	Open(ctx context.Context) (io.ReadCloser, error)
	// String describes the reference, for example a URI.
	String() string
}

// Field is a typed, possibly null value.
type Field struct {
	typ   Type
	value any
	attrs map[string]string
}

// Create builds a Field of type t holding v. A nil v produces a typed null.
// Values are normalized to the canonical Go representation of t:
//
//	BOOLEAN bool, CHAR rune, BYTE int8, SHORT int16, INTEGER int32, LONG int64,
//	FLOAT float32, DOUBLE float64, DATE/TIME/DATETIME time.Time, DECIMAL *big.Rat,
//	STRING string, BYTE_ARRAY []byte, LIST []*Field, MAP map[string]*Field,
//	LIST_MAP *OrderedMap, FILE_REF FileHandle
//
// Lossless inputs (such as an int that fits an INTEGER) are accepted.
func Create(t Type, v any) (*Field, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: invalid field type %d", sdkerrors.ErrTypeMismatch, int(t))
	}
	normalized, err := normalize(t, v)
	if err != nil {
		return nil, err
	}
	return &Field{typ: t, value: normalized}, nil
}

// MustCreate is like Create but panics on error. Intended for literals and tests.
func MustCreate(t Type, v any) *Field {
	f, err := Create(t, v)
	if err != nil {
		panic(err)
	}
	return f
}

// Null returns a null Field of type t.
func Null(t Type) *Field {
	return &Field{typ: t}
}

func NewBool(v bool) *Field          { return &Field{typ: Boolean, value: v} }
func NewChar(v rune) *Field          { return &Field{typ: Char, value: v} }
func NewByte(v int8) *Field          { return &Field{typ: Byte, value: v} }
func NewShort(v int16) *Field        { return &Field{typ: Short, value: v} }
func NewInteger(v int32) *Field      { return &Field{typ: Integer, value: v} }
func NewLong(v int64) *Field         { return &Field{typ: Long, value: v} }
func NewFloat(v float32) *Field      { return &Field{typ: Float, value: v} }
func NewDouble(v float64) *Field     { return &Field{typ: Double, value: v} }
func NewDate(v time.Time) *Field     { return &Field{typ: Date, value: v} }
func NewTime(v time.Time) *Field     { return &Field{typ: Time, value: v} }
func NewDatetime(v time.Time) *Field { return &Field{typ: Datetime, value: v} }
func NewString(v string) *Field      { return &Field{typ: String, value: v} }
func NewFileRef(v FileHandle) *Field { return &Field{typ: FileRef, value: v} }

// NewDecimal copies v; a nil v yields a null DECIMAL.
func NewDecimal(v *big.Rat) *Field {
	if v == nil {
		return Null(Decimal)
	}
	return &Field{typ: Decimal, value: new(big.Rat).Set(v)}
}

// NewByteArray holds v without copying; a nil v yields a null BYTE_ARRAY.
func NewByteArray(v []byte) *Field {
	if v == nil {
		return Null(ByteArray)
	}
	return &Field{typ: ByteArray, value: v}
}

// NewList builds a LIST from the given children.
func NewList(children ...*Field) *Field {
	list := make([]*Field, 0, len(children))
	list = append(list, children...)
	return &Field{typ: List, value: list}
}

// NewMap builds a MAP; a nil m yields an empty map.
func NewMap(m map[string]*Field) *Field {
	if m == nil {
		m = make(map[string]*Field)
	}
	return &Field{typ: Map, value: m}
}

// NewListMap wraps lm; a nil lm yields an empty list-map.
func NewListMap(lm *OrderedMap) *Field {
	if lm == nil {
		lm = NewOrderedMap()
	}
	return &Field{typ: ListMap, value: lm}
}

// Type returns the declared type. It is defined even when the value is null.
func (f *Field) Type() Type {
	return f.typ
}

// Value returns the canonical Go value, or nil when the field is null.
func (f *Field) Value() any {
	return f.value
}

// IsNull reports whether the field holds no value.
func (f *Field) IsNull() bool {
	return f.value == nil
}

// Set replaces the value in place. v must be nil or already of the field's
// canonical Go type; changing the type requires replacing the Field at its path.
func (f *Field) Set(v any) error {
	if v == nil {
		f.value = nil
		return nil
	}
	if !isCanonical(f.typ, v) {
		return fmt.Errorf("%w: cannot assign %T to %s field", sdkerrors.ErrTypeMismatch, v, f.typ)
	}
	f.value = v
	return nil
}

// Attribute returns a field-level attribute.
func (f *Field) Attribute(name string) (string, bool) {
	v, ok := f.attrs[name]
	return v, ok
}

// SetAttribute sets a field-level attribute.
func (f *Field) SetAttribute(name, value string) {
	if f.attrs == nil {
		f.attrs = make(map[string]string)
	}
	f.attrs[name] = value
}

// DeleteAttribute removes a field-level attribute.
func (f *Field) DeleteAttribute(name string) {
	delete(f.attrs, name)
}

// AttributeNames returns the attribute names in sorted order.
func (f *Field) AttributeNames() []string {
	names := make([]string, 0, len(f.attrs))
	for k := range f.attrs {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func (f *Field) String() string {
	if f == nil {
		return "<nil>"
	}
	if f.value == nil {
		return f.typ.String() + "(null)"
	}
	switch v := f.value.(type) {
	case rune:
		if f.typ == Char {
			return fmt.Sprintf("%s(%q)", f.typ, v)
		}
	case *big.Rat:
		return fmt.Sprintf("%s(%s)", f.typ, v.RatString())
	case time.Time:
		return fmt.Sprintf("%s(%s)", f.typ, v.Format(time.RFC3339Nano))
	case []*Field:
		return fmt.Sprintf("%s(len=%d)", f.typ, len(v))
	case map[string]*Field:
		return fmt.Sprintf("%s(len=%d)", f.typ, len(v))
	case *OrderedMap:
		return fmt.Sprintf("%s(len=%d)", f.typ, v.Len())
	}
	return fmt.Sprintf("%s(%v)", f.typ, f.value)
}

func isCanonical(t Type, v any) bool {
	switch t {
	case Boolean:
		_, ok := v.(bool)
		return ok
	case Char, Integer:
		_, ok := v.(int32)
		return ok
	case Byte:
		_, ok := v.(int8)
		return ok
	case Short:
		_, ok := v.(int16)
		return ok
	case Long:
		_, ok := v.(int64)
		return ok
	case Float:
		_, ok := v.(float32)
		return ok
	case Double:
		_, ok := v.(float64)
		return ok
	case Date, Time, Datetime:
		_, ok := v.(time.Time)
		return ok
	case Decimal:
		r, ok := v.(*big.Rat)
		return ok && r != nil
	case String:
		_, ok := v.(string)
		return ok
	case ByteArray:
		b, ok := v.([]byte)
		return ok && b != nil
	case List:
		l, ok := v.([]*Field)
		return ok && l != nil
	case Map:
		m, ok := v.(map[string]*Field)
		return ok && m != nil
	case ListMap:
		lm, ok := v.(*OrderedMap)
		return ok && lm != nil
	case FileRef:
		_, ok := v.(FileHandle)
		return ok
	}
	return false
}

func normalize(t Type, v any) (any, error) {
	if v == nil || isNilPointer(v) {
		return nil, nil
	}
	if isCanonical(t, v) {
		if r, ok := v.(*big.Rat); ok {
			return new(big.Rat).Set(r), nil
		}
		return v, nil
	}
	mismatch := func(reason string) error {
		if reason != "" {
			return fmt.Errorf("%w: cannot create %s from %T: %s", sdkerrors.ErrTypeMismatch, t, v, reason)
		}
		return fmt.Errorf("%w: cannot create %s from %T", sdkerrors.ErrTypeMismatch, t, v)
	}

	switch t {
	case Char:
		if s, ok := v.(string); ok {
			r := []rune(s)
			if len(r) != 1 {
				return nil, mismatch("string must hold exactly one character")
			}
			return r[0], nil
		}
		n, ok := goInt(v)
		if !ok {
			return nil, mismatch("")
		}
		if n < 0 || n > math.MaxInt32 {
			return nil, mismatch("code point out of range")
		}
		return rune(n), nil
	case Byte, Short, Integer, Long:
		n, ok := goInt(v)
		if !ok {
			return nil, mismatch("")
		}
		out, err := narrowInt(t, n)
		if err != nil {
			return nil, mismatch(err.Error())
		}
		return out, nil
	case Float:
		switch x := v.(type) {
		case float64:
			return float32(x), nil
		}
		if n, ok := goInt(v); ok {
			return float32(n), nil
		}
	case Double:
		switch x := v.(type) {
		case float32:
			return float64(x), nil
		}
		if n, ok := goInt(v); ok {
			return float64(n), nil
		}
	case Decimal:
		switch x := v.(type) {
		case string:
			r, ok := new(big.Rat).SetString(x)
			if !ok {
				return nil, mismatch("not a decimal number")
			}
			return r, nil
		case float64:
			r := new(big.Rat)
			if r.SetFloat64(x) == nil {
				return nil, mismatch("not a finite number")
			}
			return r, nil
		case *big.Int:
			return new(big.Rat).SetInt(x), nil
		}
		if n, ok := goInt(v); ok {
			return new(big.Rat).SetInt64(n), nil
		}
	}
	return nil, mismatch("")
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// goInt extracts a Go integer of any width.
func goInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	}
	return 0, false
}

func narrowInt(t Type, n int64) (any, error) {
	switch t {
	case Byte:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, fmt.Errorf("%d overflows BYTE", n)
		}
		return int8(n), nil
	case Short:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("%d overflows SHORT", n)
		}
		return int16(n), nil
	case Integer:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%d overflows INTEGER", n)
		}
		return int32(n), nil
	case Long:
		return n, nil
	}
	return nil, fmt.Errorf("%s is not an integral type", t)
}
