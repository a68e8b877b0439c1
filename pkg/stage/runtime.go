package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/el"
	"github.com/wehubfusion/Conduit/pkg/record"
)

// Runtime drives one stage instance through its lifecycle:
//
//	CREATED -> INITIALIZED -> (PROCESSING)* -> DESTROYED
//
// Batches run one at a time; Destroy may be called from any goroutine at any
// time and waits for an in-flight batch to stop at the next record boundary.
type Runtime struct {
	info     Info
	stage    Stage
	cfg      RuntimeConfig
	lanes    []string
	declared map[string]bool
	logger   *zap.Logger
	metrics  MetricsCollector

	mu            sync.Mutex
	state         atomic.Int32
	processing    atomic.Bool
	destroying    atomic.Bool
	initAttempted bool
	initOK        bool
	destroyOnce   sync.Once
}

// NewRuntime wraps s. The runtime starts in the CREATED state.
func NewRuntime(info Info, s Stage, cfg RuntimeConfig) (*Runtime, error) {
	if s == nil {
		return nil, errors.New("stage cannot be nil")
	}
	if info.ID == "" {
		return nil, errors.New("stage id cannot be empty")
	}
	cfg.Validate()

	rt := &Runtime{
		info:     info,
		stage:    s,
		cfg:      cfg,
		lanes:    info.lanes(),
		declared: make(map[string]bool),
		logger:   cfg.Logger.With(zap.String("stage", info.ID), zap.String("stageType", info.Type)),
	}
	for _, lane := range rt.lanes {
		rt.declared[lane] = true
	}
	if cfg.EnableMetrics {
		rt.metrics = NewMetricsCollector()
	} else {
		rt.metrics = &NoOpMetricsCollector{}
	}
	return rt, nil
}

// Info returns the stage identity.
func (r *Runtime) Info() Info { return r.info }

// Stage returns the wrapped stage.
func (r *Runtime) Stage() Stage { return r.stage }

// Lanes returns the declared output lanes.
func (r *Runtime) Lanes() []string { return r.lanes }

// State returns the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Metrics returns the cumulative metrics.
func (r *Runtime) Metrics() Metrics { return r.metrics.GetMetrics() }

// Init validates and initializes the stage. Validation failures are returned
// as a *errors.ValidationError; the runtime then refuses to process but can
// still be destroyed.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateDestroyed:
		return ErrDestroyed
	case StateCreated:
		if r.initAttempted {
			return fmt.Errorf("%w: init already attempted", sdkerrors.ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: init called in state %s", sdkerrors.ErrInvalidState, r.State())
	}
	r.initAttempted = true

	sc := &stageContext{ctx: ctx, rt: r}
	issues := r.safeInit(sc)
	if len(issues) > 0 {
		for i := range issues {
			if issues[i].Stage == "" {
				issues[i].Stage = r.info.ID
			}
		}
		r.logger.Error("Stage failed validation", zap.Int("issues", len(issues)))
		return sdkerrors.NewValidationError(issues)
	}

	r.initOK = true
	r.state.Store(int32(StateInitialized))
	r.logger.Debug("Stage initialized", zap.Strings("lanes", r.lanes))
	return nil
}

func (r *Runtime) safeInit(sc *stageContext) (issues []sdkerrors.ValidationIssue) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Stage panicked during init", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			issues = []sdkerrors.ValidationIssue{{
				Stage:   r.info.ID,
				Code:    "STAGE_PANIC",
				Message: fmt.Sprintf("panic during init: %v", p),
			}}
		}
	}()
	return r.stage.Init(sc)
}

// Process runs one batch through a processor stage. Concurrent calls are
// rejected with ErrConcurrentProcess. A *StageFatalError aborts the batch and
// no output is returned for it.
func (r *Runtime) Process(ctx context.Context, batch []*record.Record) (*Output, error) {
	var run func(sc *stageContext, batch []*record.Record) error
	switch s := r.stage.(type) {
	case BatchProcessor:
		run = func(sc *stageContext, batch []*record.Record) error {
			return r.processBatch(sc, s, batch)
		}
	case RecordProcessor:
		run = func(sc *stageContext, batch []*record.Record) error {
			return r.processRecords(sc, s, batch)
		}
	default:
		return nil, ErrNotAProcessor
	}
	return r.runBatch(ctx, "stage.process", batch, run)
}

// Produce asks a source stage for up to maxBatchSize records. It returns the
// output, the next offset and ErrEndOfData once the source is exhausted.
func (r *Runtime) Produce(ctx context.Context, lastOffset string, maxBatchSize int) (*Output, string, error) {
	src, ok := r.stage.(Source)
	if !ok {
		return nil, lastOffset, ErrNotASource
	}
	next := lastOffset
	var eod bool
	out, err := r.runBatch(ctx, "stage.produce", nil, func(sc *stageContext, _ []*record.Record) error {
		err := r.safeCall(sc, nil, func() error {
			var perr error
			next, perr = src.Produce(sc, lastOffset, maxBatchSize)
			return perr
		})
		if sc.fatal != nil {
			return sc.fatal
		}
		if errors.Is(err, ErrEndOfData) {
			eod = true
			err = nil
		}
		if err != nil {
			if IsFatal(err) {
				return err
			}
			return sc.fail(nil, err)
		}
		sc.commit(sc.st)
		return nil
	})
	if err != nil {
		return nil, lastOffset, err
	}
	if eod {
		return out, next, ErrEndOfData
	}
	return out, next, nil
}

func (r *Runtime) runBatch(ctx context.Context, spanName string, batch []*record.Record, run func(*stageContext, []*record.Record) error) (*Output, error) {
	if !r.processing.CompareAndSwap(false, true) {
		return nil, ErrConcurrentProcess
	}
	defer r.processing.Store(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateDestroyed:
		return nil, ErrDestroyed
	case StateCreated:
		return nil, ErrNotInitialized
	}
	if !r.initOK {
		return nil, ErrNotInitialized
	}
	r.state.Store(int32(StateProcessing))
	defer r.state.CompareAndSwap(int32(StateProcessing), int32(StateInitialized))

	ctx, span := r.cfg.Tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("stage.id", r.info.ID),
			attribute.String("stage.type", r.info.Type),
			attribute.String("stage.policy", r.cfg.OnRecordError.String()),
			attribute.Int("batch.size", len(batch)),
		))
	defer span.End()

	start := time.Now()
	sc := &stageContext{
		ctx:   ctx,
		rt:    r,
		scope: el.NewBatchScope(r.cfg.Clock()),
		out:   newOutput(r.info.ID, r.lanes),
		st:    newStaging(),
	}
	sc.out.Report.Input = len(batch)

	if err := run(sc, batch); err != nil {
		r.metrics.RecordFatal()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Batch aborted", zap.Int("batchSize", len(batch)), zap.Error(err))
		return nil, err
	}

	out := sc.out
	out.Report.ErrorCount = len(out.Errors)
	out.Report.EventCount = len(out.Events)
	out.Report.Duration = time.Since(start)
	r.metrics.RecordBatch(out.Report)

	span.SetAttributes(
		attribute.Int("batch.passed", out.Report.Passed),
		attribute.Int("batch.errored", out.Report.Errored),
		attribute.Int("batch.discarded", out.Report.Discarded),
		attribute.Int("batch.events", out.Report.EventCount),
		attribute.Int64("processing.duration_ms", out.Report.Duration.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "Batch processed successfully")
	r.logger.Debug("Batch processed",
		zap.Int("input", out.Report.Input),
		zap.Int("passed", out.Report.Passed),
		zap.Int("errored", out.Report.Errored),
		zap.Int("discarded", out.Report.Discarded),
		zap.Int("events", out.Report.EventCount),
		zap.Duration("duration", out.Report.Duration))
	return out, nil
}

func (r *Runtime) interrupted(ctx context.Context) error {
	if r.destroying.Load() {
		return fmt.Errorf("%w: stage is being destroyed", ErrInterrupted)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

func (r *Runtime) processRecords(sc *stageContext, s RecordProcessor, batch []*record.Record) error {
	for _, rec := range batch {
		if err := r.interrupted(sc.ctx); err != nil {
			return err
		}

		// Keep the pre-transform record for the error sink.
		sc.snapshots = nil
		if r.cfg.OnRecordError == PolicyToError {
			sc.snapshots = map[*record.Record]*record.Record{rec: rec.Snapshot()}
		}
		sc.st = newStaging()

		err := r.safeCall(sc, rec, func() error { return s.ProcessRecord(sc, rec) })
		if sc.fatal != nil {
			return sc.fatal
		}
		if err != nil {
			if IsFatal(err) {
				return err
			}
			// The record failed: drop everything it staged and apply the policy.
			sc.st = newStaging()
			if perr := sc.OnRecordError(rec, err); perr != nil {
				return perr
			}
		}

		committed := sc.commit(sc.st)
		sc.classify(sc.st, rec, committed > 0)
	}
	return nil
}

func (r *Runtime) processBatch(sc *stageContext, s BatchProcessor, batch []*record.Record) error {
	if err := r.interrupted(sc.ctx); err != nil {
		return err
	}
	if r.cfg.OnRecordError == PolicyToError {
		sc.snapshots = make(map[*record.Record]*record.Record, len(batch))
		for _, rec := range batch {
			sc.snapshots[rec] = rec.Snapshot()
		}
	}

	err := r.safeCall(sc, nil, func() error { return s.ProcessBatch(sc, batch) })
	if sc.fatal != nil {
		return sc.fatal
	}
	if err != nil {
		if IsFatal(err) {
			return err
		}
		return sc.fail(nil, err)
	}

	sc.commit(sc.st)
	for _, rec := range batch {
		sc.classify(sc.st, rec, sc.st.emitted[rec])
	}
	return nil
}

// safeCall runs fn, converting a panic into a *StageFatalError.
func (r *Runtime) safeCall(sc *stageContext, rec *record.Record, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Stage panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = sc.fail(rec, fmt.Errorf("panic: %v", p))
		}
	}()
	return fn()
}

// Destroy releases the stage. It is idempotent, safe to call in any state and
// from any goroutine, and calls the stage's Destroy at most once (and only if
// Init was attempted).
func (r *Runtime) Destroy() {
	r.destroying.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateDestroyed {
		return
	}
	if r.initAttempted {
		r.destroyOnce.Do(func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Stage panicked during destroy", zap.Any("panic", p))
				}
			}()
			r.stage.Destroy()
		})
	}
	r.state.Store(int32(StateDestroyed))
	r.logger.Debug("Stage destroyed")
}
