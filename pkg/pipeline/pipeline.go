// Package pipeline chains a source stage and processor stages into a linear
// pipeline and drives batches through it until the source is exhausted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/sink"
	"github.com/wehubfusion/Conduit/pkg/stage"
)

// DefaultBatchSize is used when Options.BatchSize is not set.
const DefaultBatchSize = 1000

// Processor is a processor stage and the lanes of the previous stage it
// consumes. No InputLanes means every lane.
type Processor struct {
	Runtime    *stage.Runtime
	InputLanes []string
}

// Options configures a Pipeline.
type Options struct {
	// Name identifies the pipeline in logs, spans and reports
	Name string
	// BatchSize is the maximum number of records the source produces per batch
	BatchSize int
	// InitialOffset is handed to the source on the first batch
	InitialOffset string

	// Target receives the records leaving the last stage
	Target sink.Sink
	// Errors receives error records of every stage
	Errors sink.Sink
	// Events receives event records of every stage
	Events sink.Sink

	Logger   *zap.Logger
	Tracer   trace.Tracer
	Reporter ErrorReporter
}

func (o *Options) applyDefaults() {
	if o.Name == "" {
		o.Name = "pipeline"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Target == nil {
		o.Target = sink.Discard{}
	}
	if o.Errors == nil {
		o.Errors = sink.Discard{}
	}
	if o.Events == nil {
		o.Events = sink.Discard{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("conduit/pipeline")
	}
	if o.Reporter == nil {
		o.Reporter = NopReporter{}
	}
}

// Summary accounts for one pipeline run.
type Summary struct {
	Batches   int
	Produced  int
	Delivered int
	Errors    int
	Events    int
	// Offset is the last offset the source returned
	Offset   string
	Duration time.Duration
}

// Pipeline is one source followed by processors in order. A Pipeline runs
// once; its stage runtimes are destroyed when Run returns.
type Pipeline struct {
	source     *stage.Runtime
	processors []Processor
	opts       Options
	logger     *zap.Logger
}

// New assembles a pipeline. The source runtime must wrap a stage.Source and
// every processor a record or batch processor.
func New(source *stage.Runtime, processors []Processor, opts Options) (*Pipeline, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if _, ok := source.Stage().(stage.Source); !ok {
		return nil, fmt.Errorf("stage %s: %w", source.Info().ID, stage.ErrNotASource)
	}
	opts.applyDefaults()

	prev := source
	seen := map[string]bool{source.Info().ID: true}
	for i, p := range processors {
		if p.Runtime == nil {
			return nil, fmt.Errorf("processor %d cannot be nil", i)
		}
		id := p.Runtime.Info().ID
		if seen[id] {
			return nil, fmt.Errorf("duplicate stage id %s", id)
		}
		seen[id] = true
		switch p.Runtime.Stage().(type) {
		case stage.BatchProcessor, stage.RecordProcessor:
		default:
			return nil, fmt.Errorf("stage %s: %w", id, stage.ErrNotAProcessor)
		}
		for _, lane := range p.InputLanes {
			if !slices.Contains(prev.Lanes(), lane) {
				return nil, fmt.Errorf("stage %s consumes lane %q which stage %s does not declare", id, lane, prev.Info().ID)
			}
		}
		prev = p.Runtime
	}

	return &Pipeline{
		source:     source,
		processors: processors,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("pipeline", opts.Name)),
	}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.opts.Name }

func (p *Pipeline) runtimes() []*stage.Runtime {
	rts := make([]*stage.Runtime, 0, len(p.processors)+1)
	rts = append(rts, p.source)
	for _, proc := range p.processors {
		rts = append(rts, proc.Runtime)
	}
	return rts
}

// Run initializes every stage, then produces and processes batches until
// the source reports end of data or ctx is cancelled. Every stage is
// destroyed before Run returns. Fatal errors are sent to the reporter.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	ctx, span := p.opts.Tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("pipeline.name", p.opts.Name),
			attribute.Int("pipeline.stages", len(p.processors)+1),
			attribute.Int("pipeline.batch_size", p.opts.BatchSize),
		))
	defer span.End()

	sum := Summary{Offset: p.opts.InitialOffset}
	defer p.destroy()

	if err := p.init(ctx); err != nil {
		p.fail(span, err)
		return sum, err
	}
	p.logger.Info("Pipeline started", zap.Int("stages", len(p.processors)+1))

	for {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			p.logger.Info("Pipeline cancelled", zap.Int("batches", sum.Batches))
			return sum, err
		}

		eod, err := p.runBatch(ctx, &sum)
		if err != nil {
			sum.Duration = time.Since(start)
			if ctx.Err() != nil && errors.Is(err, stage.ErrInterrupted) {
				return sum, ctx.Err()
			}
			p.fail(span, err)
			return sum, err
		}
		if eod {
			break
		}
	}

	sum.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("pipeline.batches", sum.Batches),
		attribute.Int("pipeline.delivered", sum.Delivered),
		attribute.Int("pipeline.errors", sum.Errors),
	)
	span.SetStatus(codes.Ok, "Pipeline finished")
	p.logger.Info("Pipeline finished",
		zap.Int("batches", sum.Batches),
		zap.Int("produced", sum.Produced),
		zap.Int("delivered", sum.Delivered),
		zap.Int("errors", sum.Errors),
		zap.Int("events", sum.Events),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// init initializes every stage, collecting validation issues of all of
// them before failing.
func (p *Pipeline) init(ctx context.Context) error {
	var issues []sdkerrors.ValidationIssue
	var errs []error
	for _, rt := range p.runtimes() {
		err := rt.Init(ctx)
		if err == nil {
			continue
		}
		var verr *sdkerrors.ValidationError
		if errors.As(err, &verr) {
			issues = append(issues, verr.Issues...)
			continue
		}
		errs = append(errs, &stage.StageFatalError{StageID: rt.Info().ID, Phase: "init", Cause: err})
	}
	if len(issues) > 0 {
		errs = append([]error{sdkerrors.NewValidationError(issues)}, errs...)
	}
	if len(errs) > 0 {
		p.logger.Error("Pipeline failed to initialize", zap.Int("issues", len(issues)))
		return errors.Join(errs...)
	}
	return nil
}

// runBatch produces one batch, pushes it through the processors and
// delivers the results. It reports whether the source is exhausted.
func (p *Pipeline) runBatch(ctx context.Context, sum *Summary) (bool, error) {
	out, next, err := p.source.Produce(ctx, sum.Offset, p.opts.BatchSize)
	eod := errors.Is(err, stage.ErrEndOfData)
	if err != nil && !eod {
		return false, p.fatal(p.source, "produce", err)
	}
	sum.Offset = next
	sum.Batches++
	sum.Produced += len(out.Records())

	errs := slices.Clone(out.Errors)
	events := slices.Clone(out.Events)
	for _, proc := range p.processors {
		in := out.Records(proc.InputLanes...)
		out, err = proc.Runtime.Process(ctx, in)
		if err != nil {
			return false, p.fatal(proc.Runtime, "process", err)
		}
		errs = append(errs, out.Errors...)
		events = append(events, out.Events...)
	}
	target := out.Records()

	if err := p.deliver(ctx, p.opts.Errors, "errors", errs); err != nil {
		return false, err
	}
	if err := p.deliver(ctx, p.opts.Events, "events", events); err != nil {
		return false, err
	}
	if err := p.deliver(ctx, p.opts.Target, "target", target); err != nil {
		return false, err
	}
	sum.Delivered += len(target)
	sum.Errors += len(errs)
	sum.Events += len(events)
	return eod, nil
}

func (p *Pipeline) deliver(ctx context.Context, s sink.Sink, name string, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := s.Write(ctx, recs); err != nil {
		return fmt.Errorf("deliver %d records to %s sink: %w", len(recs), name, err)
	}
	return nil
}

// fatal wraps a runtime error as a StageFatalError unless it already is one.
func (p *Pipeline) fatal(rt *stage.Runtime, phase string, err error) error {
	if stage.IsFatal(err) || errors.Is(err, stage.ErrInterrupted) {
		return err
	}
	return &stage.StageFatalError{StageID: rt.Info().ID, Phase: phase, Cause: err}
}

func (p *Pipeline) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Error("Pipeline stopped", zap.Error(err))
	p.opts.Reporter.Report(err, map[string]string{"pipeline": p.opts.Name})
}

// destroy releases every stage, last stage first.
func (p *Pipeline) destroy() {
	rts := p.runtimes()
	for i := len(rts) - 1; i >= 0; i-- {
		rts[i].Destroy()
	}
}
