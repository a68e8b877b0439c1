package el

import (
	"fmt"
	"slices"
	"sync"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
)

// Impl evaluates a function. Arguments have already been coerced to the
// declared parameter types.
type Impl func(scope *Scope, args []*field.Field) (*field.Field, error)

// Function describes one registered function.
type Function struct {
	Namespace   string
	Name        string
	Description string
	Params      []field.Type
	Returns     field.Type
	Impl        Impl
}

// QualifiedName returns "namespace:name".
func (f Function) QualifiedName() string {
	return f.Namespace + ":" + f.Name
}

// Registry is an immutable table of functions keyed by qualified name.
type Registry struct {
	fns map[string]Function
}

// NewRegistry builds a registry from fns. Duplicate names are an error.
func NewRegistry(fns ...Function) (*Registry, error) {
	r := &Registry{fns: make(map[string]Function, len(fns))}
	for _, fn := range fns {
		if fn.Impl == nil {
			return nil, fmt.Errorf("function %s has no implementation", fn.QualifiedName())
		}
		if _, dup := r.fns[fn.QualifiedName()]; dup {
			return nil, fmt.Errorf("function %s registered twice", fn.QualifiedName())
		}
		r.fns[fn.QualifiedName()] = fn
	}
	return r, nil
}

// Default returns the built-in registry. It is built once on first use.
var Default = sync.OnceValue(func() *Registry {
	fns := append(timeFunctions(), stringFunctions()...)
	r, err := NewRegistry(fns...)
	if err != nil {
		panic(err)
	}
	return r
})

// Lookup finds a function by qualified name, for example "time:now".
func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the qualified names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Call evaluates the named function. Arguments are coerced to the declared
// parameter types; the result always has the declared return type.
func (r *Registry) Call(scope *Scope, name string, args ...*field.Field) (*field.Field, error) {
	fn, ok := r.fns[name]
	if !ok {
		return nil, sdkerrors.NewError("EL_UNKNOWN_FUNCTION", "unknown function "+name, nil)
	}
	if len(args) != len(fn.Params) {
		return nil, sdkerrors.NewError("EL_ARITY", fmt.Sprintf("%s expects %d arguments, got %d", name, len(fn.Params), len(args)), nil)
	}
	coerced := make([]*field.Field, len(args))
	for i, arg := range args {
		if arg == nil {
			coerced[i] = field.Null(fn.Params[i])
			continue
		}
		c, err := arg.Coerce(fn.Params[i])
		if err != nil {
			return nil, sdkerrors.NewError("EL_ARGUMENT", fmt.Sprintf("%s argument %d", name, i+1), err)
		}
		coerced[i] = c
	}
	out, err := fn.Impl(scope, coerced)
	if err != nil {
		return nil, sdkerrors.NewError("EL_EVALUATION", "evaluating "+name, err)
	}
	return out, nil
}
