package field

import (
	"fmt"
	"strings"
)

// Type is the declared type of a Field. It never changes for the lifetime of a Field.
type Type int

const (
	Boolean Type = iota
	Char
	Byte
	Short
	Integer
	Long
	Float
	Double
	Date
	Time
	Datetime
	Decimal
	String
	ByteArray
	List
	Map
	ListMap
	FileRef
)

var typeNames = [...]string{
	Boolean:   "BOOLEAN",
	Char:      "CHAR",
	Byte:      "BYTE",
	Short:     "SHORT",
	Integer:   "INTEGER",
	Long:      "LONG",
	Float:     "FLOAT",
	Double:    "DOUBLE",
	Date:      "DATE",
	Time:      "TIME",
	Datetime:  "DATETIME",
	Decimal:   "DECIMAL",
	String:    "STRING",
	ByteArray: "BYTE_ARRAY",
	List:      "LIST",
	Map:       "MAP",
	ListMap:   "LIST_MAP",
	FileRef:   "FILE_REF",
}

// Types returns every field type in declaration order.
func Types() []Type {
	out := make([]Type, len(typeNames))
	for i := range typeNames {
		out[i] = Type(i)
	}
	return out
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the declared field types.
func (t Type) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

// ParseType resolves a type name such as "LIST_MAP". Matching is case-insensitive.
func ParseType(name string) (Type, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range typeNames {
		if n == upper {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

// IsNumeric reports whether values of t are numbers.
func (t Type) IsNumeric() bool {
	switch t {
	case Byte, Short, Integer, Long, Float, Double, Decimal:
		return true
	}
	return false
}

// IsIntegral reports whether t holds whole numbers.
func (t Type) IsIntegral() bool {
	switch t {
	case Byte, Short, Integer, Long:
		return true
	}
	return false
}

// IsTemporal reports whether t holds an instant.
func (t Type) IsTemporal() bool {
	return t == Date || t == Time || t == Datetime
}

// IsContainer reports whether t holds child fields.
func (t Type) IsContainer() bool {
	return t == List || t == Map || t == ListMap
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid field type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
