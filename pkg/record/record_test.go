package record

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
)

func newSample(t *testing.T) *Record {
	t.Helper()
	r := New("src::1", "origin", nil)
	require.NoError(t, r.Set("/name", field.NewString("conduit")))
	require.NoError(t, r.Set("/tags", field.NewList(field.NewString("a"), field.NewString("b"))))
	lm := field.NewOrderedMap()
	lm.Put("x/y", field.NewLong(1))
	lm.Put("plain", field.Null(field.Double))
	require.NoError(t, r.Set("/cols", field.NewListMap(lm)))
	return r
}

func TestRecordPathOperations(t *testing.T) {
	r := newSample(t)

	f, err := r.Get("/name")
	require.NoError(t, err)
	assert.Equal(t, "conduit", f.Value())

	assert.True(t, r.Has("/tags[1]"))
	assert.False(t, r.Has("/tags[2]"))

	_, err = r.Get("/nope/deeper")
	assert.True(t, sdkerrors.IsPathNotFound(err))

	removed, err := r.Delete("/tags")
	require.NoError(t, err)
	assert.Equal(t, field.List, removed.Type())
	assert.False(t, r.Has("/tags"))

	require.NoError(t, r.Set("", field.NewString("scalar root")))
	root, err := r.Get("/")
	require.NoError(t, err)
	assert.Equal(t, "scalar root", root.Value())
}

func TestEscapedFieldPaths(t *testing.T) {
	r := newSample(t)

	paths := slices.Collect(r.EscapedFieldPaths())
	assert.Equal(t, []string{
		"",
		"/cols",
		"/cols/'x/y'",
		"/cols/plain",
		"/name",
		"/tags",
		"/tags[0]",
		"/tags[1]",
	}, paths)

	for _, p := range paths {
		assert.True(t, r.Has(p), p)
	}

	// Restartable: a second pass yields the same sequence.
	assert.Equal(t, paths, slices.Collect(r.EscapedFieldPaths()))
}

func TestHeaderAttributesAndClone(t *testing.T) {
	r := newSample(t)
	r.Header().SetAttribute("key1", "value1")
	r.Header().AppendStage("origin")

	clone := r.Clone()
	assert.NotEqual(t, r.Header().ID(), clone.Header().ID())
	assert.Equal(t, "src::1", clone.Header().SourceID())
	assert.Equal(t, "origin", clone.Header().StageCreator())
	v, ok := clone.Header().Attribute("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", v)
	assert.True(t, clone.Root().Equal(r.Root()))

	clone.Header().SetAttribute("key1", "changed")
	require.NoError(t, clone.Set("/name", field.NewString("other")))
	v, _ = r.Header().Attribute("key1")
	assert.Equal(t, "value1", v)
	f, _ := r.Get("/name")
	assert.Equal(t, "conduit", f.Value())

	snap := r.Snapshot()
	assert.Equal(t, r.Header().ID(), snap.Header().ID())
}

func TestAttachErrorIsWriteOnce(t *testing.T) {
	r := newSample(t)
	assert.Nil(t, r.Header().ErrorInfo())

	require.NoError(t, r.Header().AttachError(ErrorInfo{StageID: "js1", Code: "SCRIPT_ERROR", Message: "boom"}))
	info := r.Header().ErrorInfo()
	require.NotNil(t, info)
	assert.Equal(t, "js1", info.StageID)
	assert.False(t, info.Timestamp.IsZero())

	err := r.Header().AttachError(ErrorInfo{StageID: "js2"})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidState)
	assert.Equal(t, "js1", r.Header().ErrorInfo().StageID)
}

func TestEventRecord(t *testing.T) {
	ev := NewEvent("js1", "file-closed", 2)
	assert.True(t, ev.IsEvent())
	typ, _ := ev.Header().Attribute(EventTypeAttr)
	assert.Equal(t, "file-closed", typ)
	version, _ := ev.Header().Attribute(EventVersionAttr)
	assert.Equal(t, "2", version)

	require.NoError(t, ev.Set("/a", field.NewInteger(1)))
	require.NoError(t, ev.Set("/b", field.NewInteger(2)))

	other := NewEvent("js1", "file-closed", 2)
	assert.NotEqual(t, ev.Header().ID(), other.Header().ID())
	assert.False(t, other.Has("/a"))
	assert.False(t, newSample(t).IsEvent())
}

func TestEncodeDecode(t *testing.T) {
	r := newSample(t)
	r.Header().SetAttribute("a.b", "dotted")
	r.Header().AppendStage("origin")
	r.Header().AppendStage("js1")
	r.Header().SetRaw([]byte("raw,line"), "text/csv")
	require.NoError(t, r.Header().AttachError(ErrorInfo{
		StageID:   "js1",
		Code:      "E1",
		Message:   "bad",
		Timestamp: time.UnixMilli(1700000000000),
	}))

	data, err := Encode(r)
	require.NoError(t, err)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, r.Header().ID(), back.Header().ID())
	assert.Equal(t, "origin:js1", back.Header().StagesPath())
	v, _ := back.Header().Attribute("a.b")
	assert.Equal(t, "dotted", v)
	raw, mime := back.Header().Raw()
	assert.Equal(t, "raw,line", string(raw))
	assert.Equal(t, "text/csv", mime)
	require.NotNil(t, back.Header().ErrorInfo())
	assert.Equal(t, int64(1700000000000), back.Header().ErrorInfo().Timestamp.UnixMilli())

	name, err := back.Get("/name")
	require.NoError(t, err)
	assert.Equal(t, "conduit", name.Value())
	n, err := back.Get("/cols/'x/y'")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Value())

	_, err = Decode([]byte(`{"header":{}}`))
	assert.Error(t, err)
}
