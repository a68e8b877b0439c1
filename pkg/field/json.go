package field

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// FromJSON decodes a JSON document into a field tree. Objects become
// LIST_MAP fields keeping key order, arrays become LIST, integral numbers
// that fit 64 bits become LONG, other numbers DOUBLE and null becomes a
// null STRING.
func FromJSON(data []byte) (*Field, error) {
	if !gjson.ValidBytes(data) {
		return nil, sdkerrors.NewError("JSON_INVALID", "invalid JSON document", nil)
	}
	return FromGJSON(gjson.ParseBytes(data)), nil
}

// FromGJSON converts an already parsed gjson result.
func FromGJSON(r gjson.Result) *Field {
	switch r.Type {
	case gjson.Null:
		return Null(String)
	case gjson.False:
		return NewBool(false)
	case gjson.True:
		return NewBool(true)
	case gjson.String:
		return NewString(r.Str)
	case gjson.Number:
		raw := strings.TrimSpace(r.Raw)
		if !strings.ContainsAny(raw, ".eE") {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return NewLong(n)
			}
		}
		return NewDouble(r.Num)
	case gjson.JSON:
		if r.IsArray() {
			list := []*Field{}
			r.ForEach(func(_, v gjson.Result) bool {
				list = append(list, FromGJSON(v))
				return true
			})
			return &Field{typ: List, value: list}
		}
		lm := NewOrderedMap()
		r.ForEach(func(k, v gjson.Result) bool {
			lm.Put(k.Str, FromGJSON(v))
			return true
		})
		return NewListMap(lm)
	}
	return Null(String)
}

// ToJSON encodes the tree rooted at f. LIST_MAP keys keep their order and
// MAP keys are sorted. Instants encode as RFC 3339, BYTE_ARRAY as base64 and
// DECIMAL as a JSON number. FILE_REF values cannot be encoded.
func ToJSON(f *Field) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, f *Field) error {
	if f == nil || f.value == nil {
		buf.WriteString("null")
		return nil
	}
	switch v := f.value.(type) {
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		if f.typ == Char {
			writeJSONString(buf, string(rune(v)))
			return nil
		}
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case float32:
		return writeJSONFloat(buf, float64(v), 32)
	case float64:
		return writeJSONFloat(buf, v, 64)
	case time.Time:
		s, _ := f.ValueAsString()
		writeJSONString(buf, s)
	case string:
		writeJSONString(buf, v)
	case []byte:
		writeJSONString(buf, base64.StdEncoding.EncodeToString(v))
	case []*Field:
		buf.WriteByte('[')
		for i, child := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, child); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]*Field:
		buf.WriteByte('{')
		i := 0
		for k, child := range sortedChildren(v) {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if err := writeJSON(buf, child); err != nil {
				return err
			}
			i++
		}
		buf.WriteByte('}')
	case *OrderedMap:
		buf.WriteByte('{')
		i := 0
		for k, child := range v.All() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if err := writeJSON(buf, child); err != nil {
				return err
			}
			i++
		}
		buf.WriteByte('}')
	default:
		if f.typ == Decimal {
			s, _ := f.ValueAsString()
			buf.WriteString(s)
			return nil
		}
		return &sdkerrors.CoercionError{From: f.typ.String(), To: "JSON"}
	}
	return nil
}

func sortedChildren(m map[string]*Field) func(func(string, *Field) bool) {
	return func(yield func(string, *Field) bool) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if !yield(k, m[k]) {
				return
			}
		}
	}
}

func writeJSONFloat(buf *bytes.Buffer, v float64, bits int) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v has no JSON representation", sdkerrors.ErrTypeCoercion, v)
	}
	buf.WriteString(strconv.FormatFloat(v, 'g', -1, bits))
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
