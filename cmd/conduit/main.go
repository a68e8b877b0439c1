// Command conduit runs a stored pipeline definition.
//
// Records read by a json_lines source come from stdin; target records are
// written to stdout as JSON lines. Error and event records go to NATS when
// it is enabled, otherwise error records are written to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/internal/config"
	"github.com/wehubfusion/Conduit/internal/nats"
	"github.com/wehubfusion/Conduit/internal/tracing"
	"github.com/wehubfusion/Conduit/pkg/concurrency"
	"github.com/wehubfusion/Conduit/pkg/jdbc"
	"github.com/wehubfusion/Conduit/pkg/jsonl"
	"github.com/wehubfusion/Conduit/pkg/pipeline"
	"github.com/wehubfusion/Conduit/pkg/schema"
	"github.com/wehubfusion/Conduit/pkg/scripting"
	"github.com/wehubfusion/Conduit/pkg/sink"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
	"github.com/wehubfusion/Conduit/pkg/store"
)

// Version information, set at build time via -ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	pipeline   string
	instances  int
	batchSize  int
	list       bool
	version    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	flags := flag.NewFlagSet("conduit", flag.ContinueOnError)
	flags.SetOutput(stderr)

	o := &options{}
	flags.StringVar(&o.configPath, "config", "", "Path to config file (default: built-in defaults)")
	flags.StringVar(&o.pipeline, "pipeline", "", "Name of the stored pipeline to run (overrides pipeline.name)")
	flags.IntVar(&o.instances, "instances", 0, "Parallel pipeline instances (overrides pipeline.instances)")
	flags.IntVar(&o.batchSize, "batch-size", 0, "Records per batch (overrides pipeline.batch_size)")
	flags.BoolVar(&o.list, "list", false, "List stored pipelines and exit")
	flags.BoolVar(&o.version, "version", false, "Show version")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}
	return o, nil
}

// run is the entry point, kept free of process globals for tests.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.version {
		fmt.Fprintf(stdout, "conduit %s (%s)\n", Version, Commit)
		return nil
	}

	cfg, err := config.Load(o.configPath, getenv)
	if err != nil {
		return err
	}
	if o.pipeline != "" {
		cfg.Pipeline.Name = o.pipeline
	}
	if o.batchSize > 0 {
		cfg.Pipeline.BatchSize = o.batchSize
	}
	if o.instances > 0 {
		cfg.Pipeline.Instances = o.instances
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	undo := concurrency.SetMaxProcs(logger)
	defer undo()

	mode, storeOpts, err := cfg.StoreOptions()
	if err != nil {
		return err
	}
	storeOpts.Logger = logger
	st, err := store.New(mode, storeOpts)
	if err != nil {
		return fmt.Errorf("failed to open pipeline store: %w", err)
	}

	if o.list {
		names, err := st.List(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}
	if cfg.Pipeline.Name == "" {
		return errors.New("no pipeline to run: set pipeline.name or -pipeline")
	}

	shutdown, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.Shutdown(shutdown, 10*time.Second, logger) }()

	var reporter pipeline.ErrorReporter = pipeline.NopReporter{}
	if cfg.Sentry.DSN != "" {
		sr, err := pipeline.NewSentryReporter(cfg.Sentry)
		if err != nil {
			return err
		}
		reporter = sr
		defer sr.Flush(5 * time.Second)
	}

	def, err := st.Load(ctx, cfg.Pipeline.Name)
	if err != nil {
		return fmt.Errorf("failed to load pipeline %s: %w", cfg.Pipeline.Name, err)
	}
	if def.OnRecordError == "" {
		def.OnRecordError = cfg.Pipeline.OnRecordError
	}

	pools := scripting.NewPools(scripting.DefaultPoolConfig())
	defer func() { _ = pools.Close() }()
	reg := registry.New()
	scripting.Register(reg, pools)
	jdbc.Register(reg)
	jsonl.Register(reg, stdin)
	schema.Register(reg)

	errSink, eventSink, closeSinks, err := recordSinks(ctx, cfg, stderr, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	target := sink.NewWriterSink(stdout)

	conc := concurrency.LoadConfig()
	instances := cfg.Pipeline.Instances
	if instances == 0 {
		instances = conc.Instances
	}
	if def.Stages[0].Type == jsonl.StageType && instances > 1 {
		logger.Info("Reading stdin with a single pipeline instance", zap.Int("requested", instances))
		instances = 1
	}
	logger.Info("Running pipeline",
		zap.String("pipeline", def.Name),
		zap.String("mode", string(mode)),
		zap.Int("instances", instances),
		zap.String("concurrency", conc.String()))

	sums, err := pipeline.RunLimited(ctx, instances, concurrency.NewLimiter(conc.MaxConcurrent), func(i int) (*pipeline.Pipeline, error) {
		return pipeline.FromDefinition(def, reg, pipeline.Options{
			Name:      fmt.Sprintf("%s-%d", def.Name, i),
			BatchSize: cfg.Pipeline.BatchSize,
			Target:    target,
			Errors:    errSink,
			Events:    eventSink,
			Logger:    logger,
			Reporter:  reporter,
		})
	})
	if ferr := target.Close(); ferr != nil && err == nil {
		err = ferr
	}

	var delivered, errored int
	for _, s := range sums {
		delivered += s.Delivered
		errored += s.Errors
	}
	logger.Info("Pipeline run complete", zap.Int("delivered", delivered), zap.Int("errors", errored))
	return err
}

// recordSinks returns the error and event sinks: NATS subjects when NATS is
// enabled, otherwise stderr for errors and nothing for events.
func recordSinks(ctx context.Context, cfg *config.Config, stderr io.Writer, logger *zap.Logger) (sink.Sink, sink.Sink, func(), error) {
	if !cfg.NATS.Enabled {
		return sink.NewWriterSink(nopCloser{stderr}), sink.Discard{}, func() {}, nil
	}

	conn, err := nats.Connect(ctx, &cfg.NATS.ConnectionConfig, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closeConn := func() { _ = nats.Close(conn) }

	natsSink := func(subject string) (sink.Sink, error) {
		if subject == "" {
			return sink.Discard{}, nil
		}
		return sink.NewNATSSink(conn, sink.NATSConfig{
			Subject:    subject,
			MaxRetries: cfg.NATS.PublishMaxRetries,
			RetryWait:  cfg.NATS.ReconnectWait,
		}, logger)
	}
	errSink, err := natsSink(cfg.NATS.ErrorSubject)
	if err != nil {
		closeConn()
		return nil, nil, nil, err
	}
	eventSink, err := natsSink(cfg.NATS.EventSubject)
	if err != nil {
		closeConn()
		return nil, nil, nil, err
	}
	return errSink, eventSink, closeConn, nil
}

// nopCloser keeps WriterSink from closing stderr.
type nopCloser struct{ io.Writer }
