package scripting

import (
	"fmt"
	"strings"
	"time"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

// Security levels for script execution.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// ProcessingMode selects how records are handed to the script.
type ProcessingMode string

const (
	// ModeRecord runs the script once per record; a script exception fails that record only.
	ModeRecord ProcessingMode = "RECORD"
	// ModeBatch runs the script once per batch with every record in `records`.
	ModeBatch ProcessingMode = "BATCH"
)

// Config configures a JavaScript evaluator stage.
type Config struct {
	// Script runs for every record or batch
	Script string
	// InitScript runs once at Init, with `state` available
	InitScript string
	// DestroyScript runs once at Destroy
	DestroyScript string

	ProcessingMode   ProcessingMode
	NumericInference NumericInference

	// Timeout bounds a single script run
	Timeout time.Duration

	// SecurityLevel is strict, standard or permissive
	SecurityLevel string

	// MaxCallStackSize bounds script recursion
	MaxCallStackSize int
}

// ConfigFromStage reads the evaluator settings of a stage definition.
func ConfigFromStage(c registry.Config) Config {
	return Config{
		Script:           c.String("script"),
		InitScript:       c.String("init_script"),
		DestroyScript:    c.String("destroy_script"),
		ProcessingMode:   ProcessingMode(strings.ToUpper(c.String("processing_mode"))),
		NumericInference: NumericInference(strings.ToUpper(c.String("numeric_inference"))),
		Timeout:          c.Duration("timeout", 0),
		SecurityLevel:    strings.ToLower(c.String("security_level")),
		MaxCallStackSize: c.Int("max_call_stack_size", 0),
	}
}

// ApplyDefaults sets default values for configuration fields.
func (c *Config) ApplyDefaults() {
	if c.ProcessingMode == "" {
		c.ProcessingMode = ModeBatch
	}
	if c.NumericInference == "" {
		c.NumericInference = InferDouble
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.MaxCallStackSize == 0 {
		c.MaxCallStackSize = 1000
	}
}

// Validate reports every configuration problem as a validation issue.
func (c *Config) Validate(stageID string) []sdkerrors.ValidationIssue {
	var issues []sdkerrors.ValidationIssue
	add := func(config, code, msg string, args ...any) {
		issues = append(issues, sdkerrors.ValidationIssue{
			Stage:   stageID,
			Config:  config,
			Code:    code,
			Message: fmt.Sprintf(msg, args...),
		})
	}

	if strings.TrimSpace(c.Script) == "" {
		add("script", "SCRIPTING_01", "script is required")
	}
	if c.ProcessingMode != ModeRecord && c.ProcessingMode != ModeBatch {
		add("processing_mode", "SCRIPTING_02", "invalid processing mode %q", c.ProcessingMode)
	}
	if c.NumericInference != InferDouble && c.NumericInference != InferInteger {
		add("numeric_inference", "SCRIPTING_03", "invalid numeric inference %q", c.NumericInference)
	}
	if c.Timeout <= 0 {
		add("timeout", "SCRIPTING_04", "timeout must be positive")
	}
	switch c.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
	default:
		add("security_level", "SCRIPTING_05", "invalid security level %q", c.SecurityLevel)
	}
	if c.MaxCallStackSize < 0 {
		add("max_call_stack_size", "SCRIPTING_06", "max_call_stack_size must be positive")
	}
	return issues
}
