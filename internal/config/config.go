// Package config loads the Conduit process configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Conduit/internal/nats"
	"github.com/wehubfusion/Conduit/internal/tracing"
	"github.com/wehubfusion/Conduit/pkg/pipeline"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/store"
)

// Config is the process configuration.
type Config struct {
	Logging  LoggingConfig         `yaml:"logging"`
	Store    StoreConfig           `yaml:"store"`
	NATS     NATSConfig            `yaml:"nats"`
	Tracing  tracing.Config        `yaml:"tracing"`
	Sentry   pipeline.SentryConfig `yaml:"sentry"`
	Pipeline PipelineConfig        `yaml:"pipeline"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is json or console
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// StoreConfig selects where pipeline definitions are read from.
type StoreConfig struct {
	// Mode is STANDALONE or SLAVE
	Mode    string        `yaml:"mode"`
	Backend store.Backend `yaml:"backend"`
	Dir     string        `yaml:"dir"`
	Blob    BlobConfig    `yaml:"blob"`
}

// BlobConfig configures the Azure Blob Storage backend.
type BlobConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
	Prefix           string `yaml:"prefix"`
}

// NATSConfig enables publishing error and event records to NATS.
type NATSConfig struct {
	Enabled               bool `yaml:"enabled"`
	nats.ConnectionConfig `yaml:",inline"`
}

// PipelineConfig holds defaults for running a pipeline.
type PipelineConfig struct {
	// Name of the stored definition to run
	Name string `yaml:"name"`
	// BatchSize overrides the definition's batch size when set
	BatchSize int `yaml:"batch_size"`
	// Instances is the number of parallel pipeline instances; 0 sizes it
	// from the available CPUs
	Instances int `yaml:"instances"`
	// OnRecordError is the policy used when a definition sets none
	OnRecordError string `yaml:"on_record_error"`
}

// Defaults returns a configuration with defaults applied.
func Defaults() *Config {
	natsCfg := nats.DefaultConnectionConfig("nats://127.0.0.1:4222")
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Mode:    string(store.Standalone),
			Backend: store.BackendFile,
			Dir:     "pipelines",
		},
		NATS:    NATSConfig{ConnectionConfig: *natsCfg},
		Tracing: tracing.DefaultConfig("conduit"),
		Sentry:  pipeline.SentryConfig{Environment: "development", SampleRate: 1},
		Pipeline: PipelineConfig{
			BatchSize:     pipeline.DefaultBatchSize,
			OnRecordError: stage.PolicyToError.String(),
		},
	}
}

// Load reads path, interpolates ${VAR} and ${VAR:-default} from getenv,
// decodes it over Defaults and validates the result. An empty path returns
// the defaults.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, cfg.Validate()
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(cfg, data, getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data into cfg and validates it.
func Parse(cfg *Config, data []byte, getenv func(string) string) error {
	data = interpolateEnv(data, getenv)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Validate()
}

// envPattern matches ${VAR} or ${VAR:-default}
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func interpolateEnv(data []byte, getenv func(string) string) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envPattern.FindSubmatch(match)
		value := getenv(string(parts[1]))
		if value == "" && len(parts[2]) > 0 {
			value = string(parts[2])
		}
		return []byte(value)
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}

	if _, err := store.ParseRuntimeMode(c.Store.Mode); err != nil {
		errs = append(errs, "store.mode: "+err.Error())
	}
	switch c.Store.Backend {
	case store.BackendFile, "":
		if c.Store.Dir == "" {
			errs = append(errs, "store.dir is required for the file backend")
		}
	case store.BackendBlob:
		if c.Store.Blob.ConnectionString == "" || c.Store.Blob.Container == "" {
			errs = append(errs, "store.blob.connection_string and store.blob.container are required for the blob backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be file or blob", c.Store.Backend))
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, "nats.url is required when nats is enabled")
		}
		if c.NATS.ErrorSubject == "" && c.NATS.EventSubject == "" {
			errs = append(errs, "nats needs an error_subject or an event_subject")
		}
	}

	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Pipeline.BatchSize < 0 {
		errs = append(errs, "pipeline.batch_size must not be negative")
	}
	if c.Pipeline.Instances < 0 {
		errs = append(errs, "pipeline.instances must not be negative")
	}
	if c.Pipeline.OnRecordError != "" {
		if _, err := stage.ParseOnRecordError(c.Pipeline.OnRecordError); err != nil {
			errs = append(errs, "pipeline.on_record_error: "+err.Error())
		}
	}

	if len(errs) > 0 {
		return errors.New("invalid configuration:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// StoreOptions converts the store section for store.New.
func (c *Config) StoreOptions() (store.RuntimeMode, store.Options, error) {
	mode, err := store.ParseRuntimeMode(c.Store.Mode)
	if err != nil {
		return "", store.Options{}, err
	}
	return mode, store.Options{
		Backend:              c.Store.Backend,
		Dir:                  c.Store.Dir,
		BlobConnectionString: c.Store.Blob.ConnectionString,
		BlobContainer:        c.Store.Blob.Container,
		BlobPrefix:           c.Store.Blob.Prefix,
	}, nil
}
