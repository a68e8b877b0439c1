package field

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSON(t *testing.T) {
	f, err := FromJSON([]byte(`{"z":1,"a":[true,null,"s"],"d":2.5,"big":1e3}`))
	require.NoError(t, err)
	require.Equal(t, ListMap, f.Type())

	lm, err := f.ValueAsListMap()
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "d", "big"}, lm.Keys())

	z, _ := f.Get("/z")
	assert.Equal(t, Long, z.Type())
	null, _ := f.Get("/a[1]")
	assert.Equal(t, String, null.Type())
	assert.True(t, null.IsNull())
	d, _ := f.Get("/d")
	assert.Equal(t, Double, d.Type())
	big3, _ := f.Get("/big")
	assert.Equal(t, Double, big3.Type())

	_, err = FromJSON([]byte(`{"broken":`))
	assert.Error(t, err)
}

func TestToJSON(t *testing.T) {
	lm := NewOrderedMap()
	lm.Put("z", NewLong(1))
	lm.Put("a", NewList(NewBool(true), Null(Integer)))
	lm.Put("dec", NewDecimal(big.NewRat(5, 4)))
	lm.Put("when", NewDate(time.Date(2020, 5, 6, 0, 0, 0, 0, time.UTC)))
	lm.Put("bytes", NewByteArray([]byte("hi")))
	lm.Put("m", NewMap(map[string]*Field{"y": NewChar('q'), "b": NewFloat(0.5)}))

	out, err := ToJSON(NewListMap(lm))
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":[true,null],"dec":1.25,"when":"2020-05-06","bytes":"aGk=","m":{"b":0.5,"y":"q"}}`, string(out))

	_, err = ToJSON(NewFileRef(nil))
	require.NoError(t, err, "a null file reference encodes as null")
}

func TestJSONRoundTripKeepsOrder(t *testing.T) {
	doc := `{"b":{"c":[1,2,{"d":"e"}]},"a":"x"}`
	f, err := FromJSON([]byte(doc))
	require.NoError(t, err)
	out, err := ToJSON(f)
	require.NoError(t, err)
	assert.JSONEq(t, doc, string(out))
	assert.Equal(t, doc, string(out))
}
