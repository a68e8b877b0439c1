package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Conduit/pkg/stage"
)

// ErrorReporter receives errors that stopped a pipeline.
type ErrorReporter interface {
	Report(err error, tags map[string]string)
	Flush(timeout time.Duration) bool
}

// NopReporter drops every report.
type NopReporter struct{}

func (NopReporter) Report(error, map[string]string) {}
func (NopReporter) Flush(time.Duration) bool      { return true }

// SentryConfig configures a SentryReporter.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	Release     string  `yaml:"release"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// SentryReporter sends pipeline-fatal errors to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a reporter with its own client and hub, so it
// never touches the global Sentry hub.
func NewSentryReporter(cfg SentryConfig) (*SentryReporter, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Report captures err with tags. A StageFatalError also tags the stage,
// the phase and the triggering record.
func (r *SentryReporter) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		var fatal *stage.StageFatalError
		if errors.As(err, &fatal) {
			scope.SetTag("stage", fatal.StageID)
			scope.SetTag("phase", fatal.Phase)
			if fatal.Record != nil {
				scope.SetTag("record", fatal.Record.Header().ID())
			}
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered reports to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

var (
	_ ErrorReporter = NopReporter{}
	_ ErrorReporter = (*SentryReporter)(nil)
)
