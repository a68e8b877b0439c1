package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Conduit/pkg/store"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, store.BackendFile, cfg.Store.Backend)
	assert.Equal(t, "conduit.errors", cfg.NATS.ErrorSubject)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "TO_ERROR", cfg.Pipeline.OnRecordError)
}

func TestLoad_FileWithInterpolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: console
store:
  mode: slave
  backend: blob
  blob:
    connection_string: ${AZURE_CONN}
    container: ${CONTAINER:-pipelines}
nats:
  enabled: true
  url: nats://broker:4222
  reconnect_wait: 500ms
pipeline:
  name: orders
  instances: 4
`), 0o600))

	cfg, err := Load(path, env(map[string]string{"AZURE_CONN": "DefaultEndpointsProtocol=https;AccountName=a;AccountKey=k"}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "DefaultEndpointsProtocol=https;AccountName=a;AccountKey=k", cfg.Store.Blob.ConnectionString)
	assert.Equal(t, "pipelines", cfg.Store.Blob.Container)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)
	// defaults survive partial sections
	assert.Equal(t, "conduit.events", cfg.NATS.EventSubject)
	assert.Equal(t, "orders", cfg.Pipeline.Name)
	assert.Equal(t, 4, cfg.Pipeline.Instances)

	mode, opts, err := cfg.StoreOptions()
	require.NoError(t, err)
	assert.Equal(t, store.Slave, mode)
	assert.Equal(t, store.BackendBlob, opts.Backend)
	assert.Equal(t, "pipelines", opts.BlobContainer)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Logging.Format = "xml"
	cfg.Store.Mode = "master"
	cfg.Store.Backend = store.BackendBlob
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	cfg.Pipeline.OnRecordError = "IGNORE"
	cfg.Pipeline.BatchSize = -1

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"logging.format", "store.mode", "store.blob", "nats.url", "pipeline.on_record_error", "pipeline.batch_size"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	err := Parse(Defaults(), []byte("logging: ["), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestInterpolateEnv(t *testing.T) {
	got := interpolateEnv([]byte("a: ${A}\nb: ${B:-fallback}\nc: ${C:-}"), env(map[string]string{"A": "x"}))
	assert.Equal(t, "a: x\nb: fallback\nc: ", string(got))
}

func TestNewLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "warn", Format: "console", Development: true}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	_, err = LoggingConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
