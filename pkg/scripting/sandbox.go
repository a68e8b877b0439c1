package scripting

import (
	"fmt"
	"slices"

	"github.com/dop251/goja"
)

// Sandbox applies the security restrictions of one level to a VM.
type Sandbox struct {
	securityLevel string
}

// NewSandbox creates a sandbox for the given security level.
func NewSandbox(securityLevel string) *Sandbox {
	return &Sandbox{securityLevel: securityLevel}
}

// Apply applies sandbox restrictions to a VM runtime.
func (s *Sandbox) Apply(vm *goja.Runtime) error {
	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return s.injectSecurityAPI(vm)
}

func (s *Sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"__dirname",
		"__filename",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	}
	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		restrictedEval := func(goja.FunctionCall) goja.Value {
			panic(vm.NewGoError(newSecurityError("eval is not allowed in strict security mode")))
		}
		if err := vm.Set("eval", restrictedEval); err != nil {
			return err
		}
	}
	return nil
}

// freezeBuiltins freezes built-in constructors and their prototypes so
// scripts cannot tamper with them. Permissive VMs are left alone.
func (s *Sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}
	builtins := []string{
		"Object", "Array", "Function", "String", "Number",
		"Boolean", "Date", "RegExp", "Error", "Math", "JSON",
	}

	val, err := vm.RunString(`(function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	})`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}
	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}
	return nil
}

// ValidateOperation checks if an operation is allowed at the sandbox's security level.
func (s *Sandbox) ValidateOperation(operation string) error {
	if slices.Contains(s.restrictions(), operation) {
		return newSecurityError(fmt.Sprintf("operation '%s' is not allowed at security level '%s'",
			operation, s.securityLevel))
	}
	return nil
}

func (s *Sandbox) restrictions() []string {
	switch s.securityLevel {
	case SecurityLevelStrict:
		return []string{"eval", "Function", "setTimeout", "setInterval", "fetch", "importScripts"}
	case SecurityLevelStandard:
		return []string{"fetch", "importScripts"}
	case SecurityLevelPermissive:
		return []string{"importScripts"}
	}
	return nil
}

func (s *Sandbox) injectSecurityAPI(vm *goja.Runtime) error {
	securityObj := vm.NewObject()
	if err := securityObj.Set("level", s.securityLevel); err != nil {
		return err
	}
	err := securityObj.Set("isAllowed", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		return vm.ToValue(s.ValidateOperation(call.Argument(0).String()) == nil)
	})
	if err != nil {
		return err
	}
	return vm.Set("__security__", securityObj)
}
