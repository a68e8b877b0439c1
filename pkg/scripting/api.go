package scripting

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/el"
	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
)

// run is the state of one script execution.
type run struct {
	ctx      stage.Context
	bindings map[*goja.Object]*record.Record
	// written holds records the script emitted or routed to the error sink
	written map[*record.Record]bool
}

func newRun(ctx stage.Context) *run {
	return &run{
		ctx:      ctx,
		bindings: make(map[*goja.Object]*record.Record),
		written:  make(map[*record.Record]bool),
	}
}

// installAPI defines the globals scripts use. Functions resolve the current
// run lazily so the same bindings serve every batch.
func (e *Evaluator) installAPI() error {
	vm := e.vm.Runtime()

	output := vm.NewObject()
	_ = output.Set("write", func(call goja.FunctionCall) goja.Value {
		r := e.recordArg(call.Argument(0))
		e.throwIf(e.active().ctx.Emit(r))
		e.active().written[r] = true
		return goja.Undefined()
	})
	_ = output.Set("writeTo", func(call goja.FunctionCall) goja.Value {
		lane := call.Argument(0).String()
		r := e.recordArg(call.Argument(1))
		e.throwIf(e.active().ctx.Emit(r, lane))
		e.active().written[r] = true
		return goja.Undefined()
	})

	errSink := vm.NewObject()
	_ = errSink.Set("write", func(call goja.FunctionCall) goja.Value {
		r := e.recordArg(call.Argument(0))
		msg := "record routed to error by script"
		if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			msg = arg.String()
		}
		e.throwIf(e.active().ctx.ToError(r, stage.NewRecordError(CodeScriptError, msg, nil)))
		e.active().written[r] = true
		return goja.Undefined()
	})

	sdc := vm.NewObject()
	_ = sdc.Set("createRecord", func(call goja.FunctionCall) goja.Value {
		rn := e.active()
		return e.wrap(rn.ctx.CreateRecord(call.Argument(0).String()))
	})
	_ = sdc.Set("createEvent", func(call goja.FunctionCall) goja.Value {
		rn := e.active()
		return e.wrap(rn.ctx.CreateEventRecord(call.Argument(0).String(), int(call.Argument(1).ToInteger())))
	})
	_ = sdc.Set("toEvent", func(call goja.FunctionCall) goja.Value {
		r := e.recordArg(call.Argument(0))
		e.throwIf(e.active().ctx.EmitEvent(r))
		return goja.Undefined()
	})
	_ = sdc.Set("createMap", func(call goja.FunctionCall) goja.Value {
		if call.Argument(0).ToBoolean() {
			return e.bridge.NewListMapObject()
		}
		return vm.NewObject()
	})
	_ = sdc.Set("typed", func(call goja.FunctionCall) goja.Value {
		t, err := field.ParseType(call.Argument(0).String())
		e.throwIf(err)
		f, err := e.bridge.ToField(call.Argument(1), field.Null(t))
		e.throwIf(err)
		if f.Type() != t {
			f, err = f.Coerce(t)
			e.throwIf(err)
		}
		return vm.ToValue(f)
	})
	_ = sdc.Set("now", func(goja.FunctionCall) goja.Value {
		v, err := e.bridge.newDate(el.Now(e.scope()))
		e.throwIf(err)
		return v
	})
	_ = sdc.Set("fn", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		args := make([]*field.Field, 0, len(call.Arguments))
		for _, a := range call.Arguments[min(1, len(call.Arguments)):] {
			f, err := e.bridge.ToField(a, nil)
			e.throwIf(err)
			args = append(args, f)
		}
		out, err := el.Default().Call(e.scope(), name, args...)
		e.throwIf(err)
		v, err := e.bridge.ToValue(out)
		e.throwIf(err)
		return v
	})

	log := vm.NewObject()
	for level, fn := range map[string]func(string, ...zap.Field){
		"debug": e.logger.Debug,
		"info":  e.logger.Info,
		"warn":  e.logger.Warn,
		"error": e.logger.Error,
	} {
		_ = log.Set(level, func(call goja.FunctionCall) goja.Value {
			fn(call.Argument(0).String(), zap.Any("args", exportArgs(call.Arguments[min(1, len(call.Arguments)):])))
			return goja.Undefined()
		})
	}

	globals := map[string]any{
		"output":  output,
		"error":   errSink,
		"sdc":     sdc,
		"log":     log,
		"console": log,
		"state":   e.state,
	}
	for name, v := range e.bridge.NullConstants() {
		globals[name] = v
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	return nil
}

func exportArgs(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}

// active returns the current run or throws when called outside a batch.
func (e *Evaluator) active() *run {
	if e.current == nil {
		panic(e.vm.Runtime().NewGoError(fmt.Errorf("records cannot be created or written here")))
	}
	return e.current
}

func (e *Evaluator) scope() *el.Scope {
	if e.current == nil {
		return nil
	}
	return e.current.ctx.Scope()
}

func (e *Evaluator) throwIf(err error) {
	if err != nil {
		panic(e.vm.Runtime().NewGoError(err))
	}
}

// wrap exposes rec to the script as {value, attributes, id, sourceId}.
func (e *Evaluator) wrap(rec *record.Record) *goja.Object {
	vm := e.vm.Runtime()
	value, err := e.bridge.ToValue(rec.Root())
	e.throwIf(err)

	attrs := vm.NewObject()
	for k, v := range rec.Header().Attributes() {
		_ = attrs.Set(k, v)
	}

	obj := vm.NewObject()
	_ = obj.Set("value", value)
	_ = obj.Set("attributes", attrs)
	_ = obj.Set("id", rec.Header().ID())
	_ = obj.Set("sourceId", rec.Header().SourceID())
	e.active().bindings[obj] = rec
	return obj
}

// recordArg resolves a script record and copies the script's changes back into it.
func (e *Evaluator) recordArg(v goja.Value) *record.Record {
	obj, ok := v.(*goja.Object)
	var rec *record.Record
	if ok {
		rec = e.active().bindings[obj]
	}
	if rec == nil {
		panic(e.vm.Runtime().NewTypeError("argument is not a record"))
	}
	e.throwIf(e.sync(obj, rec))
	return rec
}

// sync writes the script view of a record into rec. Types are restored from
// rec's current root.
func (e *Evaluator) sync(obj *goja.Object, rec *record.Record) error {
	root, err := e.bridge.ToField(obj.Get("value"), rec.Root())
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.Header().ID(), err)
	}
	if err := rec.Set("", root); err != nil {
		return err
	}

	attrs, ok := obj.Get("attributes").(*goja.Object)
	if !ok {
		return nil
	}
	keep := make(map[string]bool)
	for _, k := range attrs.Keys() {
		rec.Header().SetAttribute(k, attrs.Get(k).String())
		keep[k] = true
	}
	for _, k := range rec.Header().AttributeNames() {
		if !keep[k] {
			rec.Header().DeleteAttribute(k)
		}
	}
	return nil
}
