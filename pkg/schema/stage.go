package schema

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

// StageType is the registry name of the validator stage.
const StageType = "schema_validator"

// Stage validates each record's root against a schema. Records that fail
// are handed to the on-record-error policy with every violation listed.
type Stage struct {
	cfg            registry.Config
	applyDefaults  bool
	dropUndeclared bool

	schema    *Schema
	validator *Validator
	logger    *zap.Logger
}

// Register adds the stage to r.
//
// Config keys: schema (a mapping, or a YAML/JSON document as a string),
// apply_defaults (default true), drop_undeclared (default false).
func Register(r *registry.Registry) {
	r.Register(StageType, func(sc registry.StageConfig) (stage.Stage, error) {
		return &Stage{
			cfg:            sc.Config,
			applyDefaults:  sc.Config.Bool("apply_defaults", true),
			dropUndeclared: sc.Config.Bool("drop_undeclared", false),
		}, nil
	})
}

// NewStage builds the stage around an already parsed schema.
func NewStage(s *Schema, applyDefaults, dropUndeclared bool) *Stage {
	return &Stage{schema: s, applyDefaults: applyDefaults, dropUndeclared: dropUndeclared}
}

func (s *Stage) Init(ctx stage.Context) []sdkerrors.ValidationIssue {
	s.logger = ctx.Logger()
	s.validator = NewValidator()
	if s.schema != nil {
		return nil
	}

	var (
		parsed *Schema
		err    error
	)
	switch v := s.cfg.Get("schema").(type) {
	case string:
		parsed, err = Parse([]byte(v))
	case map[string]any:
		parsed, err = FromMap(v)
	case registry.Config:
		parsed, err = FromMap(v)
	case nil:
		err = fmt.Errorf("no schema configured")
	default:
		err = fmt.Errorf("unsupported schema value of type %T", v)
	}
	if err != nil {
		return []sdkerrors.ValidationIssue{{Config: "schema", Code: "SCHEMA_01", Message: err.Error()}}
	}
	s.schema = parsed
	return nil
}

func (s *Stage) Destroy() {}

func (s *Stage) ProcessRecord(ctx stage.Context, rec *record.Record) error {
	root := rec.Root()
	if s.applyDefaults {
		if err := ApplyDefaults(root, s.schema); err != nil {
			return stage.NewRecordError("SCHEMA_03", "failed to apply defaults", err)
		}
	}

	violations := s.validator.Validate(root, s.schema)
	if len(violations) > 0 {
		msgs := make([]string, len(violations))
		for i, v := range violations {
			msgs[i] = v.String()
		}
		return stage.NewRecordError("SCHEMA_02", strings.Join(msgs, "; "), nil)
	}

	if s.dropUndeclared {
		if dropped := DropUndeclared(root, s.schema); len(dropped) > 0 {
			s.logger.Debug("Dropped undeclared fields",
				zap.String("record", rec.Header().ID()),
				zap.Strings("paths", dropped))
		}
	}
	return ctx.Emit(rec)
}
