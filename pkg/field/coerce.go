package field

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// The ValueAs family views a field's value as another type. Compatible pairs
// convert (numeric widening and narrowing within range, string parsing,
// epoch milliseconds to and from instants, LIST_MAP as LIST or MAP).
// Incompatible pairs return a *errors.CoercionError. A null value yields the
// zero value of the target type.

func (f *Field) coercionError(to Type, cause error) error {
	return &sdkerrors.CoercionError{From: f.typ.String(), To: to.String(), Cause: cause}
}

// ValueAsBoolean views the value as a BOOLEAN.
func (f *Field) ValueAsBoolean() (bool, error) {
	switch v := f.value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, f.coercionError(Boolean, err)
		}
		return b, nil
	}
	if f.typ.IsNumeric() {
		d, err := f.ValueAsDouble()
		if err != nil {
			return false, f.coercionError(Boolean, err)
		}
		return d != 0, nil
	}
	return false, f.coercionError(Boolean, nil)
}

// ValueAsChar views the value as a CHAR.
func (f *Field) ValueAsChar() (rune, error) {
	if f.value == nil {
		return 0, nil
	}
	if f.typ == Char {
		return f.value.(rune), nil
	}
	if s, ok := f.value.(string); ok {
		if utf8.RuneCountInString(s) != 1 {
			return 0, f.coercionError(Char, errors.New("string must hold exactly one character"))
		}
		r, _ := utf8.DecodeRuneInString(s)
		return r, nil
	}
	if f.typ.IsIntegral() {
		n, err := f.ValueAsLong()
		if err != nil || n < 0 || n > utf8.MaxRune {
			return 0, f.coercionError(Char, errors.New("code point out of range"))
		}
		return rune(n), nil
	}
	return 0, f.coercionError(Char, nil)
}

// ValueAsByte views the value as a BYTE.
func (f *Field) ValueAsByte() (int8, error) {
	n, err := f.asIntegral(Byte)
	return int8(n), err
}

// ValueAsShort views the value as a SHORT.
func (f *Field) ValueAsShort() (int16, error) {
	n, err := f.asIntegral(Short)
	return int16(n), err
}

// ValueAsInteger views the value as an INTEGER.
func (f *Field) ValueAsInteger() (int32, error) {
	n, err := f.asIntegral(Integer)
	return int32(n), err
}

// ValueAsLong views the value as a LONG. Instants convert to epoch milliseconds.
func (f *Field) ValueAsLong() (int64, error) {
	return f.asIntegral(Long)
}

func (f *Field) asIntegral(to Type) (int64, error) {
	var n int64
	switch v := f.value.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			n = 1
		}
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case float32:
		return f.floatToIntegral(float64(v), to)
	case float64:
		return f.floatToIntegral(v, to)
	case *big.Rat:
		if !v.IsInt() {
			fv, _ := v.Float64()
			return f.floatToIntegral(fv, to)
		}
		if !v.Num().IsInt64() {
			return 0, f.coercionError(to, errors.New("value overflows 64 bits"))
		}
		n = v.Num().Int64()
	case string:
		s := strings.TrimSpace(v)
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			fv, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return 0, f.coercionError(to, err)
			}
			return f.floatToIntegral(fv, to)
		}
		n = parsed
	case time.Time:
		n = v.UnixMilli()
	default:
		return 0, f.coercionError(to, nil)
	}
	if _, err := narrowInt(to, n); err != nil {
		return 0, f.coercionError(to, err)
	}
	return n, nil
}

func (f *Field) floatToIntegral(v float64, to Type) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v >= math.MaxInt64 || v < math.MinInt64 {
		return 0, f.coercionError(to, fmt.Errorf("%v is not representable", v))
	}
	n := int64(v)
	if _, err := narrowInt(to, n); err != nil {
		return 0, f.coercionError(to, err)
	}
	return n, nil
}

// ValueAsFloat views the value as a FLOAT.
func (f *Field) ValueAsFloat() (float32, error) {
	d, err := f.asFloating(Float)
	if err != nil {
		return 0, err
	}
	if !math.IsInf(d, 0) && math.Abs(d) > math.MaxFloat32 {
		return 0, f.coercionError(Float, fmt.Errorf("%v overflows FLOAT", d))
	}
	return float32(d), nil
}

// ValueAsDouble views the value as a DOUBLE.
func (f *Field) ValueAsDouble() (float64, error) {
	return f.asFloating(Double)
}

func (f *Field) asFloating(to Type) (float64, error) {
	switch v := f.value.(type) {
	case nil:
		return 0, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case *big.Rat:
		d, _ := v.Float64()
		return d, nil
	case string:
		d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, f.coercionError(to, err)
		}
		return d, nil
	case time.Time:
		return float64(v.UnixMilli()), nil
	}
	return 0, f.coercionError(to, nil)
}

// ValueAsDecimal views the value as a DECIMAL. The result is a fresh copy.
func (f *Field) ValueAsDecimal() (*big.Rat, error) {
	switch v := f.value.(type) {
	case nil:
		return new(big.Rat), nil
	case *big.Rat:
		return new(big.Rat).Set(v), nil
	case bool:
		if v {
			return big.NewRat(1, 1), nil
		}
		return new(big.Rat), nil
	case float32:
		return f.ratFromFloat(float64(v))
	case float64:
		return f.ratFromFloat(v)
	case string:
		r, ok := new(big.Rat).SetString(strings.TrimSpace(v))
		if !ok {
			return nil, f.coercionError(Decimal, fmt.Errorf("%q is not a decimal number", v))
		}
		return r, nil
	}
	if f.typ.IsIntegral() {
		n, err := f.ValueAsLong()
		if err != nil {
			return nil, err
		}
		return new(big.Rat).SetInt64(n), nil
	}
	return nil, f.coercionError(Decimal, nil)
}

func (f *Field) ratFromFloat(v float64) (*big.Rat, error) {
	// Parse the shortest decimal representation so 0.1 stays 1/10.
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'g', -1, 64))
	if !ok {
		return nil, f.coercionError(Decimal, fmt.Errorf("%v is not a finite number", v))
	}
	return r, nil
}

// ValueAsDate views the value as a DATE instant.
func (f *Field) ValueAsDate() (time.Time, error) {
	return f.asInstant(Date)
}

// ValueAsTime views the value as a TIME instant.
func (f *Field) ValueAsTime() (time.Time, error) {
	return f.asInstant(Time)
}

// ValueAsDatetime views the value as a DATETIME instant.
func (f *Field) ValueAsDatetime() (time.Time, error) {
	return f.asInstant(Datetime)
}

func (f *Field) asInstant(to Type) (time.Time, error) {
	switch v := f.value.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case string:
		t, err := dateparse.ParseAny(strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, f.coercionError(to, err)
		}
		return t, nil
	}
	if f.typ.IsIntegral() {
		ms, err := f.ValueAsLong()
		if err != nil {
			return time.Time{}, f.coercionError(to, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, f.coercionError(to, nil)
}

// ValueAsString views the value as a STRING. Containers and file references
// have no string view.
func (f *Field) ValueAsString() (string, error) {
	switch v := f.value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		if f.typ == Char {
			return string(rune(v)), nil
		}
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case *big.Rat:
		return FormatDecimal(v), nil
	case time.Time:
		switch f.typ {
		case Date:
			return v.Format(time.DateOnly), nil
		case Time:
			return v.Format("15:04:05.000"), nil
		}
		return v.Format(time.RFC3339Nano), nil
	case []byte:
		if !utf8.Valid(v) {
			return "", f.coercionError(String, errors.New("bytes are not valid UTF-8"))
		}
		return string(v), nil
	}
	return "", f.coercionError(String, nil)
}

// ValueAsByteArray views the value as a BYTE_ARRAY. STRING converts to its UTF-8 bytes.
func (f *Field) ValueAsByteArray() ([]byte, error) {
	switch v := f.value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, f.coercionError(ByteArray, nil)
}

// ValueAsList views the value as a LIST. A LIST_MAP yields its entries in
// order; the slice is new but the fields are shared.
func (f *Field) ValueAsList() ([]*Field, error) {
	switch v := f.value.(type) {
	case nil:
		return nil, nil
	case []*Field:
		return v, nil
	case *OrderedMap:
		return v.Values(), nil
	}
	return nil, f.coercionError(List, nil)
}

// ValueAsMap views the value as a MAP. A LIST_MAP yields a map sharing its fields.
func (f *Field) ValueAsMap() (map[string]*Field, error) {
	switch v := f.value.(type) {
	case nil:
		return nil, nil
	case map[string]*Field:
		return v, nil
	case *OrderedMap:
		return v.AsMap(), nil
	}
	return nil, f.coercionError(Map, nil)
}

// ValueAsListMap views the value as a LIST_MAP.
func (f *Field) ValueAsListMap() (*OrderedMap, error) {
	switch v := f.value.(type) {
	case nil:
		return nil, nil
	case *OrderedMap:
		return v, nil
	}
	return nil, f.coercionError(ListMap, nil)
}

// ValueAsFileRef views the value as a FILE_REF.
func (f *Field) ValueAsFileRef() (FileHandle, error) {
	switch v := f.value.(type) {
	case nil:
		return nil, nil
	case FileHandle:
		return v, nil
	}
	return nil, f.coercionError(FileRef, nil)
}

// Coerce returns a new field of type t holding this value viewed as t.
func (f *Field) Coerce(t Type) (*Field, error) {
	if f.typ == t {
		return f.Clone(), nil
	}
	if f.value == nil {
		return Null(t), nil
	}
	var (
		v   any
		err error
	)
	switch t {
	case Boolean:
		v, err = f.ValueAsBoolean()
	case Char:
		v, err = f.ValueAsChar()
	case Byte:
		v, err = f.ValueAsByte()
	case Short:
		v, err = f.ValueAsShort()
	case Integer:
		v, err = f.ValueAsInteger()
	case Long:
		v, err = f.ValueAsLong()
	case Float:
		v, err = f.ValueAsFloat()
	case Double:
		v, err = f.ValueAsDouble()
	case Decimal:
		v, err = f.ValueAsDecimal()
	case Date:
		v, err = f.ValueAsDate()
	case Time:
		v, err = f.ValueAsTime()
	case Datetime:
		v, err = f.ValueAsDatetime()
	case String:
		v, err = f.ValueAsString()
	case ByteArray:
		v, err = f.ValueAsByteArray()
	case List:
		v, err = f.ValueAsList()
	case Map:
		v, err = f.ValueAsMap()
	case ListMap:
		v, err = f.ValueAsListMap()
	case FileRef:
		v, err = f.ValueAsFileRef()
	default:
		return nil, f.coercionError(t, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Field{typ: t, value: v}, nil
}

// FormatDecimal renders r as a plain decimal string, exact when the
// denominator is a power of ten.
func FormatDecimal(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	// Count decimal places needed for an exact rendering, capped.
	den := new(big.Int).Set(r.Denom())
	places := 0
	ten := big.NewInt(10)
	for places < 34 {
		if new(big.Int).Mod(new(big.Int).Exp(ten, big.NewInt(int64(places)), nil), den).Sign() == 0 {
			break
		}
		places++
	}
	s := r.FloatString(places)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
