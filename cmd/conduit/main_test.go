package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
	"github.com/wehubfusion/Conduit/pkg/store"
)

const helloScript = `
for (var i = 0; i < records.length; i++) {
  var r = records[i];
  if (r.value.Hello === 'Bye') {
    throw 'Exception';
  }
  r.value.Hello = 'World';
  output.write(r);
}
`

func setup(t *testing.T) (configPath string) {
	t.Helper()
	dir := t.TempDir()
	pipelines := filepath.Join(dir, "pipelines")

	fs, err := store.NewFileStore(pipelines, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), &store.PipelineDefinition{
		Name: "hello",
		Stages: []registry.StageConfig{
			{ID: "stdin", Type: "json_lines"},
			{ID: "js", Type: "javascript", Config: registry.Config{"script": helloScript}},
		},
	}))
	require.NoError(t, fs.Save(context.Background(), &store.PipelineDefinition{
		Name: "checked",
		Stages: []registry.StageConfig{
			{ID: "stdin", Type: "json_lines"},
			{ID: "check", Type: "schema_validator", Config: registry.Config{"schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":   map[string]any{"type": "number", "required": true},
					"name": map[string]any{"type": "string", "default": "anon"},
				},
			}}},
		},
	}))

	configPath = filepath.Join(dir, "conduit.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
logging:
  level: error
store:
  dir: ${PIPELINES_DIR}
`), 0o600))
	t.Setenv("PIPELINES_DIR", pipelines)
	return configPath
}

func decodeLines(t *testing.T, data []byte) []*record.Record {
	t.Helper()
	var out []*record.Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		rec, err := record.Decode(sc.Bytes())
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func hello(t *testing.T, rec *record.Record) string {
	t.Helper()
	f, err := rec.Get("/Hello")
	require.NoError(t, err)
	return f.Value().(string)
}

func TestRun_Pipeline(t *testing.T) {
	cfg := setup(t)
	in := strings.NewReader("{\"Hello\":\"Hello\"}\n{\"Hello\":\"Bye\"}\n{\"Hello\":\"Hi\"}\n")
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"-config", cfg, "-pipeline", "hello", "-instances", "3"}, in, &stdout, &stderr, os.Getenv)
	require.NoError(t, err)

	target := decodeLines(t, stdout.Bytes())
	require.Len(t, target, 2)
	assert.Equal(t, "World", hello(t, target[0]))
	assert.Equal(t, "World", hello(t, target[1]))

	errs := decodeLines(t, stderr.Bytes())
	require.Len(t, errs, 1)
	assert.Equal(t, "Bye", hello(t, errs[0]))
	require.NotNil(t, errs[0].Header().ErrorInfo())
	assert.Equal(t, "js", errs[0].Header().ErrorInfo().StageID)
}

func TestRun_List(t *testing.T) {
	cfg := setup(t)
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-config", cfg, "-list"}, strings.NewReader(""), &stdout, &bytes.Buffer{}, os.Getenv))
	assert.Equal(t, "checked\nhello\n", stdout.String())
}

func TestRun_SchemaValidator(t *testing.T) {
	cfg := setup(t)
	in := strings.NewReader("{\"id\":1}\n{\"id\":\"x\"}\n")
	var stdout, stderr bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"-config", cfg, "-pipeline", "checked"}, in, &stdout, &stderr, os.Getenv))

	target := decodeLines(t, stdout.Bytes())
	require.Len(t, target, 1)
	name, err := target[0].Get("/name")
	require.NoError(t, err)
	assert.Equal(t, "anon", name.Value())

	errs := decodeLines(t, stderr.Bytes())
	require.Len(t, errs, 1)
	assert.Equal(t, "SCHEMA_02", errs[0].Header().ErrorInfo().Code)
	assert.Equal(t, "check", errs[0].Header().ErrorInfo().StageID)
}

func TestRun_Errors(t *testing.T) {
	cfg := setup(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "no pipeline", args: []string{"-config", cfg}, want: "no pipeline to run"},
		{name: "unknown pipeline", args: []string{"-config", cfg, "-pipeline", "missing"}, want: "not found"},
		{name: "stray argument", args: []string{"-config", cfg, "extra"}, want: "unexpected arguments"},
		{name: "missing config", args: []string{"-config", filepath.Join(t.TempDir(), "none.yaml")}, want: "failed to read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, os.Getenv)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, nil, &stdout, &bytes.Buffer{}, os.Getenv))
	assert.Contains(t, stdout.String(), "conduit dev")
}
