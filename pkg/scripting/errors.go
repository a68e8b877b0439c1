package scripting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeSyntax   ErrorType = "syntax_error"
	ErrorTypeRuntime  ErrorType = "runtime_error"
	ErrorTypeTimeout  ErrorType = "timeout_error"
	ErrorTypeSecurity ErrorType = "security_error"
	ErrorTypeInternal ErrorType = "internal_error"
)

// Error codes attached to records that failed in a script.
const (
	CodeScriptSyntax   = "SCRIPTING_SYNTAX"
	CodeScriptRuntime  = "SCRIPTING_RUNTIME"
	CodeScriptTimeout  = "SCRIPTING_TIMEOUT"
	CodeScriptSecurity = "SCRIPTING_SECURITY"
	CodeScriptInternal = "SCRIPTING_INTERNAL"
	CodeScriptError    = "SCRIPTING_ERROR_WRITE"
)

// ScriptError is a structured JavaScript failure.
type ScriptError struct {
	Type       ErrorType    `json:"type"`
	Message    string       `json:"message"`
	StackTrace []StackFrame `json:"stack_trace,omitempty"`
	Line       int          `json:"line,omitempty"`
	Column     int          `json:"column,omitempty"`
}

// StackFrame is a single frame of a script stack trace.
type StackFrame struct {
	FunctionName string `json:"function_name,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Type, e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, ", column %d", e.Column)
		}
	}
	return b.String()
}

// Code maps the error type to a record error code.
func (e *ScriptError) Code() string {
	switch e.Type {
	case ErrorTypeSyntax:
		return CodeScriptSyntax
	case ErrorTypeRuntime:
		return CodeScriptRuntime
	case ErrorTypeTimeout:
		return CodeScriptTimeout
	case ErrorTypeSecurity:
		return CodeScriptSecurity
	}
	return CodeScriptInternal
}

// wrapError converts anything returned by goja into a *ScriptError.
func wrapError(err error, interrupted bool) *ScriptError {
	if err == nil {
		return nil
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	var ie *goja.InterruptedError
	if interrupted || errors.As(err, &ie) {
		return &ScriptError{Type: ErrorTypeTimeout, Message: err.Error()}
	}
	var syn *goja.CompilerSyntaxError
	if errors.As(err, &syn) {
		return &ScriptError{Type: ErrorTypeSyntax, Message: syn.Error()}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return parseException(exc)
	}
	return &ScriptError{Type: ErrorTypeInternal, Message: err.Error()}
}

// parseException converts a goja exception into a structured error.
func parseException(exc *goja.Exception) *ScriptError {
	se := &ScriptError{Type: ErrorTypeRuntime, Message: exc.Error()}

	if obj, ok := exc.Value().(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			se.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			se.StackTrace = parseStackTrace(stack.String())
		}
	} else if v := exc.Value(); v != nil && !goja.IsUndefined(v) {
		// throw "plain string"
		se.Message = v.String()
	}
	if len(se.StackTrace) > 0 {
		se.Line = se.StackTrace[0].Line
		se.Column = se.StackTrace[0].Column
	}

	msg := strings.ToLower(se.Message)
	switch {
	case strings.Contains(msg, "syntaxerror"):
		se.Type = ErrorTypeSyntax
	case strings.Contains(msg, "not allowed"):
		se.Type = ErrorTypeSecurity
	}
	return se
}

// parseStackTrace parses goja stack output, one "at fn (file:line:col)" per line.
func parseStackTrace(stack string) []StackFrame {
	var frames []StackFrame
	for line := range strings.SplitSeq(stack, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "at ") {
			continue
		}
		frames = append(frames, parseStackFrame(strings.TrimPrefix(line, "at ")))
	}
	return frames
}

func parseStackFrame(line string) StackFrame {
	var frame StackFrame
	location := line
	if idx := strings.Index(line, "("); idx != -1 {
		frame.FunctionName = strings.TrimSpace(line[:idx])
		if end := strings.Index(line[idx:], ")"); end != -1 {
			location = line[idx+1 : idx+end]
		}
	}
	parseLocation(location, &frame)
	return frame
}

// parseLocation reads "file:line:col(pc)" as produced by goja.
func parseLocation(location string, frame *StackFrame) {
	if idx := strings.Index(location, "("); idx != -1 {
		location = location[:idx]
	}
	parts := strings.Split(location, ":")
	switch len(parts) {
	case 3:
		frame.FileName = parts[0]
		fmt.Sscanf(parts[1], "%d", &frame.Line)
		fmt.Sscanf(parts[2], "%d", &frame.Column)
	case 2:
		fmt.Sscanf(parts[0], "%d", &frame.Line)
		fmt.Sscanf(parts[1], "%d", &frame.Column)
	}
}

// newSecurityError creates a security error.
func newSecurityError(message string) *ScriptError {
	return &ScriptError{Type: ErrorTypeSecurity, Message: message}
}
