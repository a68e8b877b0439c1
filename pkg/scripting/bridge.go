package scripting

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Conduit/pkg/field"
)

// NumericInference decides the Field type of a JavaScript number that has no
// original type to restore.
type NumericInference string

const (
	// InferDouble makes every number a DOUBLE.
	InferDouble NumericInference = "DOUBLE"
	// InferInteger makes integral numbers INTEGER (LONG beyond 32 bits) and
	// the rest DOUBLE.
	InferInteger NumericInference = "INTEGER"
)

// typedNull is the host value behind the NULL_* script constants.
type typedNull struct {
	Type field.Type
}

func (n *typedNull) String() string { return "NULL_" + n.Type.String() }

var (
	mapExportType   = reflect.TypeOf(map[string]any(nil))
	sliceExportType = reflect.TypeOf([]any(nil))
	timeExportType  = reflect.TypeOf(time.Time{})
)

// Bridge converts Fields to goja values and back. Script values lose most
// type information; on the way back the Bridge restores it from the field
// found at the same position in the original tree, and otherwise applies
// its numeric inference.
//
// A Bridge is bound to one VM and is not safe for concurrent use.
type Bridge struct {
	vm         *goja.Runtime
	inference  NumericInference
	listMaps   map[*goja.Object]bool
	dateCtor   goja.Value
	newOrdered goja.Callable
}

// orderedObjectSource builds a script object that remembers the insertion
// order of its string keys, integer-like keys included. Plain objects
// enumerate integer-like keys first in ascending order.
const orderedObjectSource = `(function () {
  var hasOwn = Object.prototype.hasOwnProperty;
  var defineProperty = Object.defineProperty;
  var symbols = Object.getOwnPropertySymbols;
  var order = [];
  function track(t, k) {
    if (typeof k === 'string' && !hasOwn.call(t, k)) {
      order.push(k);
    }
  }
  return new Proxy({}, {
    set: function (t, k, v) {
      track(t, k);
      t[k] = v;
      return true;
    },
    defineProperty: function (t, k, d) {
      track(t, k);
      defineProperty(t, k, d);
      return true;
    },
    deleteProperty: function (t, k) {
      var i = order.indexOf(k);
      if (i >= 0) {
        order.splice(i, 1);
      }
      return delete t[k];
    },
    ownKeys: function (t) {
      return order.concat(symbols(t));
    }
  });
})`

// NewBridge creates a bridge for vm.
func NewBridge(vm *goja.Runtime, inference NumericInference) *Bridge {
	if inference == "" {
		inference = InferDouble
	}
	b := &Bridge{
		vm:        vm,
		inference: inference,
		listMaps:  make(map[*goja.Object]bool),
		dateCtor:  vm.Get("Date"),
	}
	if v, err := vm.RunString(orderedObjectSource); err == nil {
		b.newOrdered, _ = goja.AssertFunction(v)
	}
	return b
}

// Reset forgets the list-map markers of previous runs.
func (b *Bridge) Reset() {
	clear(b.listMaps)
}

// NewListMapObject creates an empty script object that converts back to a LIST_MAP.
// Its keys convert back in insertion order.
func (b *Bridge) NewListMapObject() *goja.Object {
	obj := b.vm.NewObject()
	if b.newOrdered != nil {
		if v, err := b.newOrdered(goja.Undefined()); err == nil {
			if o, ok := v.(*goja.Object); ok {
				obj = o
			}
		}
	}
	b.listMaps[obj] = true
	return obj
}

// ToValue converts f to a script value. Null values become JS null.
func (b *Bridge) ToValue(f *field.Field) (goja.Value, error) {
	if f == nil || f.IsNull() {
		return goja.Null(), nil
	}
	switch f.Type() {
	case field.Boolean:
		return b.vm.ToValue(f.Value().(bool)), nil
	case field.Char:
		return b.vm.ToValue(string(f.Value().(rune))), nil
	case field.Byte, field.Short, field.Integer, field.Long:
		n, err := f.ValueAsLong()
		if err != nil {
			return nil, err
		}
		return b.vm.ToValue(n), nil
	case field.Float, field.Double, field.Decimal:
		d, err := f.ValueAsDouble()
		if err != nil {
			return nil, err
		}
		return b.vm.ToValue(d), nil
	case field.Date, field.Time, field.Datetime:
		return b.newDate(f.Value().(time.Time))
	case field.String:
		return b.vm.ToValue(f.Value().(string)), nil
	case field.ByteArray:
		return b.vm.ToValue(slices.Clone(f.Value().([]byte))), nil
	case field.FileRef:
		return b.vm.ToValue(f.Value()), nil
	case field.List:
		children := f.Value().([]*field.Field)
		items := make([]any, len(children))
		for i, c := range children {
			v, err := b.ToValue(c)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return b.vm.NewArray(items...), nil
	case field.Map:
		m := f.Value().(map[string]*field.Field)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		obj := b.vm.NewObject()
		for _, k := range keys {
			if err := b.setProp(obj, k, m[k]); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case field.ListMap:
		obj := b.NewListMapObject()
		for k, c := range f.Value().(*field.OrderedMap).All() {
			if err := b.setProp(obj, k, c); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
	return nil, fmt.Errorf("cannot convert %s to a script value", f.Type())
}

func (b *Bridge) setProp(obj *goja.Object, key string, f *field.Field) error {
	v, err := b.ToValue(f)
	if err != nil {
		return err
	}
	return obj.Set(key, v)
}

func (b *Bridge) newDate(t time.Time) (goja.Value, error) {
	return b.vm.New(b.dateCtor, b.vm.ToValue(t.UnixMilli()))
}

// ToField converts a script value back to a Field. orig is the field at the
// same position before the script ran, or nil.
func (b *Bridge) ToField(v goja.Value, orig *field.Field) (*field.Field, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		if orig != nil {
			return field.Null(orig.Type()), nil
		}
		return field.Null(field.String), nil
	}

	obj, isObj := v.(*goja.Object)
	if !isObj {
		return b.primitiveToField(v.Export(), orig)
	}
	if b.listMaps[obj] {
		return b.objectToField(obj, orig)
	}

	switch obj.ExportType() {
	case mapExportType:
		return b.objectToField(obj, orig)
	case sliceExportType:
		return b.arrayToField(obj, orig)
	case timeExportType:
		return b.dateToField(obj.Export().(time.Time), orig)
	}

	switch x := obj.Export().(type) {
	case *typedNull:
		return field.Null(x.Type), nil
	case *field.Field:
		return x, nil
	case []byte:
		return field.NewByteArray(slices.Clone(x)), nil
	case goja.ArrayBuffer:
		return field.NewByteArray(slices.Clone(x.Bytes())), nil
	case field.FileHandle:
		return field.NewFileRef(x), nil
	case []any:
		return b.arrayToField(obj, orig)
	case map[string]any:
		return b.objectToField(obj, orig)
	}
	return nil, fmt.Errorf("unsupported script value of class %s", obj.ClassName())
}

func (b *Bridge) primitiveToField(x any, orig *field.Field) (*field.Field, error) {
	switch n := x.(type) {
	case bool:
		return field.NewBool(n), nil
	case string:
		if orig != nil && orig.Type() == field.Char {
			if r := []rune(n); len(r) == 1 {
				return field.NewChar(r[0]), nil
			}
		}
		return field.NewString(n), nil
	case int64:
		return b.numberToField(float64(n), n, true, orig)
	case float64:
		integral := !math.IsInf(n, 0) && !math.IsNaN(n) && n == math.Trunc(n) &&
			n >= math.MinInt64 && n <= math.MaxInt64
		return b.numberToField(n, int64(n), integral, orig)
	case *big.Int:
		if n.IsInt64() {
			return b.numberToField(float64(n.Int64()), n.Int64(), true, orig)
		}
		return field.NewDecimal(new(big.Rat).SetInt(n)), nil
	}
	return field.NewString(fmt.Sprint(x)), nil
}

// numberToField restores the original numeric type when there is one.
func (b *Bridge) numberToField(f float64, i int64, integral bool, orig *field.Field) (*field.Field, error) {
	if orig != nil && orig.Type().IsNumeric() {
		var src *field.Field
		if integral {
			src = field.NewLong(i)
		} else {
			src = field.NewDouble(f)
		}
		if out, err := src.Coerce(orig.Type()); err == nil {
			return out, nil
		}
	}
	if b.inference == InferInteger && integral {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return field.NewInteger(int32(i)), nil
		}
		return field.NewLong(i), nil
	}
	return field.NewDouble(f), nil
}

func (b *Bridge) dateToField(t time.Time, orig *field.Field) (*field.Field, error) {
	if orig != nil {
		switch orig.Type() {
		case field.Date:
			return field.NewDate(t), nil
		case field.Time:
			return field.NewTime(t), nil
		}
	}
	return field.NewDatetime(t), nil
}

func (b *Bridge) arrayToField(obj *goja.Object, orig *field.Field) (*field.Field, error) {
	var origChildren []*field.Field
	if orig != nil && orig.Type() == field.List && !orig.IsNull() {
		origChildren = orig.Value().([]*field.Field)
	}
	n := int(obj.Get("length").ToInteger())
	children := make([]*field.Field, n)
	for i := range n {
		var o *field.Field
		if i < len(origChildren) {
			o = origChildren[i]
		}
		c, err := b.ToField(obj.Get(strconv.Itoa(i)), o)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		children[i] = c
	}
	return field.NewList(children...), nil
}

func (b *Bridge) objectToField(obj *goja.Object, orig *field.Field) (*field.Field, error) {
	origChild := func(string) *field.Field { return nil }
	tracked := b.listMaps[obj]
	asListMap := tracked
	keys := obj.Keys()
	if orig != nil && !orig.IsNull() {
		switch orig.Type() {
		case field.Map:
			m := orig.Value().(map[string]*field.Field)
			origChild = func(k string) *field.Field { return m[k] }
		case field.ListMap:
			lm := orig.Value().(*field.OrderedMap)
			origChild = func(k string) *field.Field { f, _ := lm.Get(k); return f }
			asListMap = true
			if !tracked {
				keys = keepOrder(lm.Keys(), keys)
			}
		}
	} else if orig != nil && orig.Type() == field.ListMap {
		asListMap = true
	}

	if asListMap {
		lm := field.NewOrderedMap()
		for _, k := range keys {
			c, err := b.ToField(obj.Get(k), origChild(k))
			if err != nil {
				return nil, fmt.Errorf("/%s: %w", k, err)
			}
			lm.Put(k, c)
		}
		return field.NewListMap(lm), nil
	}

	m := make(map[string]*field.Field)
	for _, k := range keys {
		c, err := b.ToField(obj.Get(k), origChild(k))
		if err != nil {
			return nil, fmt.Errorf("/%s: %w", k, err)
		}
		m[k] = c
	}
	return field.NewMap(m), nil
}

// keepOrder returns keys ordered like prev, with keys not in prev appended
// in their current order. Keys of prev that are gone are skipped.
func keepOrder(prev, keys []string) []string {
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range prev {
		if present[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	for _, k := range keys {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// NullConstants returns the NULL_<TYPE> script constants.
func (b *Bridge) NullConstants() map[string]goja.Value {
	out := make(map[string]goja.Value)
	for _, t := range field.Types() {
		out["NULL_"+t.String()] = b.vm.ToValue(&typedNull{Type: t})
	}
	return out
}
