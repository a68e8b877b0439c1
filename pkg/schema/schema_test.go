package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

const personSchema = `
type: object
properties:
  name:
    type: string
    required: true
    validation:
      minLength: 3
  age:
    type: number
    validation:
      minimum: 0
      maximum: 120
  email:
    type: string
    validation:
      format: email
  status:
    type: string
    default: active
    validation:
      enum: [active, inactive]
  tags:
    type: array
    items:
      type: string
    validation:
      uniqueItems: true
      maxItems: 3
  address:
    type: object
    properties:
      city:
        type: string
        required: true
      zip:
        type: string
        validation:
          pattern: "^[0-9]{5}$"
`

func mustParse(t *testing.T, doc string) *Schema {
	t.Helper()
	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	return s
}

func mustJSON(t *testing.T, doc string) *field.Field {
	t.Helper()
	f, err := field.FromJSON([]byte(doc))
	require.NoError(t, err)
	return f
}

func codesByPath(vs []Violation) map[string]string {
	out := make(map[string]string, len(vs))
	for _, v := range vs {
		out[v.Path] = v.Code
	}
	return out
}

func TestParse(t *testing.T) {
	s := mustParse(t, personSchema)
	assert.Equal(t, KindObject, s.Type)
	require.Contains(t, s.Properties, "address")
	assert.Equal(t, KindObject, s.Properties["address"].Type)
	assert.True(t, s.Properties["address"].Properties["city"].Required)
	assert.Equal(t, KindString, s.Properties["tags"].Items.Type)
	assert.Equal(t, "active", s.Properties["status"].Default)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "no type", doc: "properties: {}", want: "schema type is required"},
		{name: "unknown kind", doc: "type: object\nproperties:\n  a: {type: thing}", want: "invalid type: THING"},
		{name: "missing property type", doc: "type: object\nproperties:\n  a: {required: true}", want: "must have a type"},
		{name: "length on number", doc: "type: object\nproperties:\n  a: {type: number, validation: {minLength: 1}}", want: "minLength/maxLength"},
		{name: "minimum on string", doc: "type: object\nproperties:\n  a: {type: string, validation: {minimum: 1}}", want: "number validation rules"},
		{name: "bad pattern", doc: "type: object\nproperties:\n  a: {type: string, validation: {pattern: '('}}", want: "invalid pattern"},
		{name: "unknown format", doc: "type: object\nproperties:\n  a: {type: string, validation: {format: ipv9}}", want: "unknown format"},
		{name: "properties on string", doc: "type: object\nproperties:\n  a:\n    type: string\n    properties:\n      b: {type: string}", want: "non-object type"},
		{name: "not yaml", doc: "type: [", want: "failed to parse schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFromMap(t *testing.T) {
	s, err := FromMap(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{"type": "string", "required": true, "validation": map[string]any{"format": "uuid"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "uuid", s.Properties["id"].Validation.Format)
}

func TestValidate_Valid(t *testing.T) {
	s := mustParse(t, personSchema)
	doc := mustJSON(t, `{"name":"Alice","age":30,"email":"alice@example.com","tags":["a","b"],"address":{"city":"Auckland","zip":"10001"}}`)
	assert.Empty(t, NewValidator().Validate(doc, s))
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	s := mustParse(t, personSchema)
	doc := mustJSON(t, `{"name":"Al","age":150,"email":"nope","status":"gone","tags":["a","b","a","c"],"address":{"zip":"12"}}`)

	got := codesByPath(NewValidator().Validate(doc, s))
	assert.Equal(t, map[string]string{
		"/address/city": "REQUIRED",
		"/address/zip":  "PATTERN_MISMATCH",
		"/age":          "MAX_VALUE",
		"/email":        "FORMAT_MISMATCH",
		"/name":         "MIN_LENGTH",
		"/status":       "ENUM_MISMATCH",
		"/tags[2]":      "DUPLICATE_ITEM",
		"/tags":         "MAX_ITEMS",
	}, got)
}

func TestValidate_TypesAndNulls(t *testing.T) {
	s := mustParse(t, personSchema)

	got := codesByPath(NewValidator().Validate(mustJSON(t, `{"name":null,"age":"old","tags":[1]}`), s))
	assert.Equal(t, "REQUIRED", got["/name"])
	assert.Equal(t, "TYPE_MISMATCH", got["/age"])
	assert.Equal(t, "TYPE_MISMATCH", got["/tags[0]"])

	got = codesByPath(NewValidator().Validate(mustJSON(t, `{}`), s))
	assert.Equal(t, map[string]string{"/name": "REQUIRED"}, got)
}

func TestValidate_NumericTypes(t *testing.T) {
	s := mustParse(t, "type: object\nproperties:\n  n: {type: number, validation: {minimum: 1}}")
	v := NewValidator()

	for _, f := range []*field.Field{field.NewInteger(5), field.NewFloat(2.5), field.NewShort(3), field.NewLong(9)} {
		root := field.NewMap(map[string]*field.Field{"n": f})
		assert.Empty(t, v.Validate(root, s), f.Type().String())
	}
	root := field.NewMap(map[string]*field.Field{"n": field.NewByte(0)})
	assert.Equal(t, "MIN_VALUE", codesByPath(v.Validate(root, s))["/n"])
}

func TestValidate_DatesAndBytes(t *testing.T) {
	s := mustParse(t, `
type: object
properties:
  day: {type: date}
  at: {type: datetime}
  blob: {type: byte, validation: {maxLength: 2}}
`)
	v := NewValidator()

	ok := mustJSON(t, `{"day":"2024-01-02","at":"2024-01-02T03:04:05Z","blob":"AQI="}`)
	assert.Empty(t, v.Validate(ok, s))

	bad := mustJSON(t, `{"day":"yesterday","at":"2024-01-02","blob":"AQID"}`)
	assert.Equal(t, map[string]string{
		"/day":  "FORMAT_MISMATCH",
		"/at":   "FORMAT_MISMATCH",
		"/blob": "MAX_LENGTH",
	}, codesByPath(v.Validate(bad, s)))

	notBase64 := mustJSON(t, `{"blob":"***"}`)
	assert.Equal(t, "INVALID_BASE64", codesByPath(v.Validate(notBase64, s))["/blob"])
}

func TestValidate_CustomFormat(t *testing.T) {
	s := mustParse(t, "type: object\nproperties:\n  code: {type: string}")
	s.Properties["code"].Validation = &Rules{Format: "upper"}

	v := NewValidator()
	assert.Equal(t, "UNKNOWN_FORMAT", codesByPath(v.Validate(mustJSON(t, `{"code":"AB"}`), s))["/code"])

	v.RegisterFormat("upper", func(s string) bool { return s == "AB" })
	assert.Empty(t, v.Validate(mustJSON(t, `{"code":"AB"}`), s))
}

func TestApplyDefaults(t *testing.T) {
	s := mustParse(t, `
type: object
properties:
  name: {type: string}
  retries: {type: number, default: 3}
  ratio: {type: number, default: 0.5}
  status: {type: string, default: active}
  items:
    type: array
    items:
      type: object
      properties:
        qty: {type: number, default: 1}
`)
	doc := mustJSON(t, `{"name":"x","status":null,"items":[{"qty":4},{}]}`)
	require.NoError(t, ApplyDefaults(doc, s))

	retries, err := doc.Get("/retries")
	require.NoError(t, err)
	assert.Equal(t, field.Long, retries.Type())
	assert.Equal(t, int64(3), retries.Value())

	ratio, err := doc.Get("/ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.5, ratio.Value())

	status, err := doc.Get("/status")
	require.NoError(t, err)
	assert.Equal(t, "active", status.Value())

	qty, err := doc.Get("/items[0]/qty")
	require.NoError(t, err)
	assert.Equal(t, int64(4), qty.Value())
	qty, err = doc.Get("/items[1]/qty")
	require.NoError(t, err)
	assert.Equal(t, int64(1), qty.Value())
}

func TestDropUndeclared(t *testing.T) {
	s := mustParse(t, `
type: object
properties:
  name: {type: string}
  address:
    type: object
    properties:
      city: {type: string}
  extra: {type: object}
`)
	doc := mustJSON(t, `{"name":"x","debug":true,"address":{"city":"c","lat":1},"extra":{"anything":1}}`)

	dropped := DropUndeclared(doc, s)
	assert.ElementsMatch(t, []string{"/debug", "/address/lat"}, dropped)
	assert.False(t, doc.Has("/debug"))
	assert.False(t, doc.Has("/address/lat"))
	assert.True(t, doc.Has("/extra/anything"))
}

func newStageRuntime(t *testing.T, s stage.Stage, policy stage.OnRecordError) *stage.Runtime {
	t.Helper()
	rt, err := stage.NewRuntime(stage.Info{ID: "validate", Type: StageType}, s,
		stage.DefaultRuntimeConfig().WithOnRecordError(policy))
	require.NoError(t, err)
	require.NoError(t, rt.Init(context.Background()))
	t.Cleanup(rt.Destroy)
	return rt
}

func newRecord(t *testing.T, id, doc string) *record.Record {
	t.Helper()
	return record.New(id, "test", mustJSON(t, doc))
}

func TestStage_RoutesInvalidRecords(t *testing.T) {
	rt := newStageRuntime(t, NewStage(mustParse(t, personSchema), true, true), stage.PolicyToError)

	out, err := rt.Process(context.Background(), []*record.Record{
		newRecord(t, "r1", `{"name":"Alice","debug":1}`),
		newRecord(t, "r2", `{"name":"Al"}`),
	})
	require.NoError(t, err)

	recs := out.Records()
	require.Len(t, recs, 1)
	status, err := recs[0].Get("/status")
	require.NoError(t, err)
	assert.Equal(t, "active", status.Value())
	assert.False(t, recs[0].Has("/debug"))

	require.Len(t, out.Errors, 1)
	info := out.Errors[0].Header().ErrorInfo()
	require.NotNil(t, info)
	assert.Equal(t, "SCHEMA_02", info.Code)
	assert.Contains(t, info.Message, "/name")
}

func TestStage_StopPipeline(t *testing.T) {
	rt := newStageRuntime(t, NewStage(mustParse(t, personSchema), false, false), stage.PolicyStopPipeline)
	_, err := rt.Process(context.Background(), []*record.Record{newRecord(t, "r1", `{}`)})
	assert.True(t, stage.IsFatal(err))
}

func TestRegister(t *testing.T) {
	r := registry.New()
	Register(r)

	tests := []struct {
		name    string
		schema  any
		wantErr string
	}{
		{name: "mapping", schema: map[string]any{"type": "object"}},
		{name: "document", schema: "type: object\nproperties:\n  a: {type: string}"},
		{name: "missing", wantErr: "no schema configured"},
		{name: "invalid", schema: "type: object\nproperties:\n  a: {type: nope}", wantErr: "invalid type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := registry.Config{}
			if tt.schema != nil {
				cfg["schema"] = tt.schema
			}
			s, err := r.Create(registry.StageConfig{ID: "v", Type: StageType, Config: cfg})
			require.NoError(t, err)

			rt, err := stage.NewRuntime(stage.Info{ID: "v", Type: StageType}, s, stage.DefaultRuntimeConfig())
			require.NoError(t, err)
			defer rt.Destroy()

			err = rt.Init(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
