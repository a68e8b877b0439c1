// Package scripting runs user JavaScript over records inside a pipeline stage.
//
// Records are exposed to scripts as plain objects; the Bridge converts them
// back into typed Fields, restoring the original types and applying the
// configured numeric inference where no original type exists.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

// StageType is the registry name of the JavaScript evaluator.
const StageType = "javascript"

// Evaluator is the JavaScript evaluator stage. Use NewEvaluator to get the
// variant matching the configured processing mode.
type Evaluator struct {
	cfg    Config
	pools  *Pools
	logger *zap.Logger

	program        *goja.Program
	initProgram    *goja.Program
	destroyProgram *goja.Program

	pool    *VMPool
	vm      *PooledVM
	bridge  *Bridge
	state   *goja.Object
	current *run
}

// RecordEvaluator runs the script once per record.
type RecordEvaluator struct{ *Evaluator }

// BatchEvaluator runs the script once per batch.
type BatchEvaluator struct{ *Evaluator }

// NewEvaluator creates an evaluator stage drawing its VM from pools.
func NewEvaluator(cfg Config, pools *Pools) stage.Stage {
	cfg.ApplyDefaults()
	e := &Evaluator{cfg: cfg, pools: pools, logger: zap.NewNop()}
	if cfg.ProcessingMode == ModeRecord {
		return &RecordEvaluator{e}
	}
	return &BatchEvaluator{e}
}

// Register adds the evaluator to a stage registry.
func Register(r *registry.Registry, pools *Pools) {
	r.Register(StageType, func(sc registry.StageConfig) (stage.Stage, error) {
		if pools == nil {
			return nil, errors.New("scripting: no VM pools configured")
		}
		return NewEvaluator(ConfigFromStage(sc.Config), pools), nil
	})
}

// compile wraps src in a function so top-level declarations do not leak
// into the VM between runs.
func compile(name, src string) (*goja.Program, error) {
	if src == "" {
		return nil, nil
	}
	return goja.Compile(name, "(function() {\n"+src+"\n})();", false)
}

// Init compiles the scripts, acquires a VM and runs the init script.
func (e *Evaluator) Init(ctx stage.Context) []sdkerrors.ValidationIssue {
	e.logger = ctx.Logger()
	issues := e.cfg.Validate(ctx.StageID())

	var err error
	for _, s := range []struct {
		key  string
		src  string
		prog **goja.Program
	}{
		{"script", e.cfg.Script, &e.program},
		{"init_script", e.cfg.InitScript, &e.initProgram},
		{"destroy_script", e.cfg.DestroyScript, &e.destroyProgram},
	} {
		if *s.prog, err = compile(s.key, s.src); err != nil {
			issues = append(issues, sdkerrors.ValidationIssue{
				Stage:   ctx.StageID(),
				Config:  s.key,
				Code:    CodeScriptSyntax,
				Message: wrapError(err, false).Error(),
			})
		}
	}
	if len(issues) > 0 {
		return issues
	}

	issue := func(code string, err error) []sdkerrors.ValidationIssue {
		return []sdkerrors.ValidationIssue{{Stage: ctx.StageID(), Code: code, Message: err.Error()}}
	}
	if e.pools == nil {
		return issue(CodeScriptInternal, errors.New("no VM pools configured"))
	}
	if e.pool, err = e.pools.Get(e.cfg.SecurityLevel); err != nil {
		return issue(CodeScriptInternal, err)
	}
	if e.vm, err = e.pool.Acquire(ctx.Context()); err != nil {
		return issue(CodeScriptInternal, fmt.Errorf("failed to acquire VM: %w", err))
	}

	vm := e.vm.Runtime()
	vm.SetMaxCallStackSize(e.cfg.MaxCallStackSize)
	e.bridge = NewBridge(vm, e.cfg.NumericInference)
	e.state = vm.NewObject()
	if err := e.installAPI(); err != nil {
		return issue(CodeScriptInternal, err)
	}

	if e.initProgram != nil {
		e.current = newRun(ctx)
		defer func() { e.current = nil }()
		if err := e.execute(ctx.Context(), e.initProgram); err != nil {
			return []sdkerrors.ValidationIssue{{
				Stage:   ctx.StageID(),
				Config:  "init_script",
				Code:    err.Code(),
				Message: err.Error(),
			}}
		}
	}
	e.logger.Debug("Script evaluator initialized",
		zap.String("mode", string(e.cfg.ProcessingMode)),
		zap.String("securityLevel", e.cfg.SecurityLevel))
	return nil
}

// Destroy runs the destroy script and returns the VM to its pool.
func (e *Evaluator) Destroy() {
	if e.vm == nil {
		return
	}
	if e.destroyProgram != nil {
		if err := e.execute(context.Background(), e.destroyProgram); err != nil {
			e.logger.Warn("Destroy script failed", zap.Error(err))
		}
	}
	if err := e.pool.Release(e.vm); err != nil {
		e.logger.Warn("Failed to release VM", zap.Error(err))
	}
	e.vm = nil
}

// execute runs prog, interrupting it on timeout or cancellation.
func (e *Evaluator) execute(ctx context.Context, prog *goja.Program) *ScriptError {
	vm := e.vm.Runtime()
	var interrupted atomic.Bool
	interrupt := func(reason string) func() {
		return func() {
			interrupted.Store(true)
			e.vm.Interrupt(reason)
		}
	}
	timer := time.AfterFunc(e.cfg.Timeout, interrupt(fmt.Sprintf("execution timeout after %s", e.cfg.Timeout)))
	stopCancel := context.AfterFunc(ctx, interrupt("execution cancelled"))
	defer func() {
		timer.Stop()
		stopCancel()
		vm.ClearInterrupt()
		if e.bridge != nil {
			e.bridge.Reset()
		}
	}()

	_, err := vm.RunProgram(prog)
	if err != nil {
		return wrapError(err, interrupted.Load())
	}
	return nil
}

// runOn executes the main script with `records` bound to batch.
func (e *Evaluator) runOn(ctx stage.Context, batch []*record.Record) (*run, *ScriptError) {
	e.current = newRun(ctx)
	defer func() { e.current = nil }()
	rn := e.current

	vm := e.vm.Runtime()
	items := make([]any, len(batch))
	for i, rec := range batch {
		obj, err := e.safeWrap(rec)
		if err != nil {
			return rn, err
		}
		items[i] = obj
	}
	if err := vm.Set("records", vm.NewArray(items...)); err != nil {
		return rn, wrapError(err, false)
	}
	return rn, e.execute(ctx.Context(), e.program)
}

func (e *Evaluator) safeWrap(rec *record.Record) (obj *goja.Object, serr *ScriptError) {
	defer func() {
		if p := recover(); p != nil {
			serr = &ScriptError{Type: ErrorTypeInternal, Message: fmt.Sprintf("cannot expose record %s: %v", rec.Header().ID(), p)}
		}
	}()
	return e.wrap(rec), nil
}

func recordError(err *ScriptError) error {
	return stage.NewRecordError(err.Code(), "script failed", err)
}

// ProcessRecord runs the script over a single record. A script exception
// fails that record only.
func (e *RecordEvaluator) ProcessRecord(ctx stage.Context, rec *record.Record) error {
	if _, err := e.runOn(ctx, []*record.Record{rec}); err != nil {
		return recordError(err)
	}
	return nil
}

// ProcessBatch runs the script once over the batch. On a script exception
// every record the script had not yet written is handed to the error policy.
func (e *BatchEvaluator) ProcessBatch(ctx stage.Context, batch []*record.Record) error {
	rn, err := e.runOn(ctx, batch)
	if err == nil {
		return nil
	}
	ctx.Logger().Debug("Script failed for batch", zap.Int("batchSize", len(batch)), zap.Error(err))
	cause := recordError(err)
	for _, rec := range batch {
		if rn.written[rec] {
			continue
		}
		if perr := ctx.OnRecordError(rec, cause); perr != nil {
			return perr
		}
	}
	return nil
}

var (
	_ stage.RecordProcessor = (*RecordEvaluator)(nil)
	_ stage.BatchProcessor  = (*BatchEvaluator)(nil)
)
