package scripting

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conduit/pkg/field"
)

func roundTrip(t *testing.T, b *Bridge, f *field.Field) *field.Field {
	t.Helper()
	v, err := b.ToValue(f)
	require.NoError(t, err)
	out, err := b.ToField(v, f)
	require.NoError(t, err)
	return out
}

func TestBridge_RoundTripPrimitives(t *testing.T) {
	b := NewBridge(goja.New(), InferDouble)
	now := time.UnixMilli(time.Now().UnixMilli()).UTC()

	fields := []*field.Field{
		field.NewBool(true),
		field.NewChar('c'),
		field.NewByte(7),
		field.NewShort(300),
		field.NewInteger(70000),
		field.NewLong(1 << 40),
		field.NewFloat(1.5),
		field.NewDouble(2.25),
		field.NewDate(now),
		field.NewTime(now),
		field.NewDatetime(now),
		field.NewDecimal(big.NewRat(5, 4)),
		field.NewString("hello"),
		field.NewByteArray([]byte{1, 2, 3}),
	}
	for _, f := range fields {
		t.Run(f.Type().String(), func(t *testing.T) {
			out := roundTrip(t, b, f)
			assert.Equal(t, f.Type(), out.Type())
			assert.True(t, f.Equal(out), "got %s want %s", out, f)
		})
	}
}

func TestBridge_NullKeepsType(t *testing.T) {
	b := NewBridge(goja.New(), InferDouble)
	for _, typ := range field.Types() {
		t.Run(typ.String(), func(t *testing.T) {
			out := roundTrip(t, b, field.Null(typ))
			assert.Equal(t, typ, out.Type())
			assert.True(t, out.IsNull())
		})
	}
}

func TestBridge_NumericInference(t *testing.T) {
	vm := goja.New()
	tests := []struct {
		inference NumericInference
		script    string
		want      *field.Field
	}{
		{InferDouble, "5", field.NewDouble(5)},
		{InferDouble, "1.5", field.NewDouble(1.5)},
		{InferInteger, "5", field.NewInteger(5)},
		{InferInteger, "1.5", field.NewDouble(1.5)},
		{InferInteger, "4294967296", field.NewLong(4294967296)},
		{InferInteger, "2 * 3", field.NewInteger(6)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.inference, tt.script), func(t *testing.T) {
			b := NewBridge(vm, tt.inference)
			v, err := vm.RunString(tt.script)
			require.NoError(t, err)
			out, err := b.ToField(v, nil)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(out), "got %s want %s", out, tt.want)
		})
	}
}

func TestBridge_OriginalNumericTypeRestored(t *testing.T) {
	vm := goja.New()
	b := NewBridge(vm, InferDouble)
	v, err := vm.RunString("41 + 1")
	require.NoError(t, err)

	out, err := b.ToField(v, field.NewShort(0))
	require.NoError(t, err)
	assert.True(t, field.NewShort(42).Equal(out))

	out, err = b.ToField(v, field.NewLong(0))
	require.NoError(t, err)
	assert.True(t, field.NewLong(42).Equal(out))
}

func TestBridge_ListMapOrderAndMapKind(t *testing.T) {
	vm := goja.New()
	b := NewBridge(vm, InferDouble)

	lm := field.NewOrderedMap()
	for i := range 20 {
		lm.Put(fmt.Sprintf("key%02d", 19-i), field.NewInteger(int32(i)))
	}
	orig := field.NewListMap(lm)

	out := roundTrip(t, b, orig)
	require.Equal(t, field.ListMap, out.Type())
	got, err := out.ValueAsListMap()
	require.NoError(t, err)
	assert.Equal(t, lm.Keys(), got.Keys())

	m := field.NewMap(map[string]*field.Field{"a": field.NewString("x")})
	out = roundTrip(t, b, m)
	assert.Equal(t, field.Map, out.Type())
}

func TestBridge_PlainObjectFollowsListMapOrder(t *testing.T) {
	vm := goja.New()
	b := NewBridge(vm, InferDouble)

	lm := field.NewOrderedMap()
	for _, k := range []string{"b", "10", "a", "2"} {
		lm.Put(k, field.NewString(k))
	}
	orig := field.NewListMap(lm)

	v, err := vm.RunString(`({'2': 'two', a: 'a', b: 'b', '5': 'five'})`)
	require.NoError(t, err)
	out, err := b.ToField(v, orig)
	require.NoError(t, err)

	got, err := out.ValueAsListMap()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "2", "5"}, got.Keys())
}

func TestBridge_NewListMapObjectKeepsInsertionOrder(t *testing.T) {
	vm := goja.New()
	b := NewBridge(vm, InferDouble)

	obj := b.NewListMapObject()
	for _, k := range []string{"z", "10", "a", "1"} {
		require.NoError(t, obj.Set(k, k))
	}
	out, err := b.ToField(obj, nil)
	require.NoError(t, err)
	require.Equal(t, field.ListMap, out.Type())
	got, err := out.ValueAsListMap()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "10", "a", "1"}, got.Keys())
}

func TestBridge_TypedNullConstants(t *testing.T) {
	vm := goja.New()
	b := NewBridge(vm, InferDouble)
	for name, v := range b.NullConstants() {
		require.NoError(t, vm.Set(name, v))
	}
	v, err := vm.RunString("NULL_INTEGER")
	require.NoError(t, err)
	out, err := b.ToField(v, nil)
	require.NoError(t, err)
	assert.Equal(t, field.Integer, out.Type())
	assert.True(t, out.IsNull())
}

func TestBridge_NewObjectsWithoutOriginal(t *testing.T) {
	vm := goja.New()
	b := NewBridge(vm, InferInteger)
	v, err := vm.RunString(`({s: "x", b: true, l: [1, "two"], d: new Date(0), n: null})`)
	require.NoError(t, err)

	out, err := b.ToField(v, nil)
	require.NoError(t, err)
	require.Equal(t, field.Map, out.Type())

	for path, typ := range map[string]field.Type{
		"/s":    field.String,
		"/b":    field.Boolean,
		"/l":    field.List,
		"/l[0]": field.Integer,
		"/l[1]": field.String,
		"/d":    field.Datetime,
		"/n":    field.String,
	} {
		f, err := out.Get(path)
		require.NoError(t, err, path)
		assert.Equal(t, typ, f.Type(), path)
	}
}
