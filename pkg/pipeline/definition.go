package pipeline

import (
	"errors"
	"fmt"

	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
	"github.com/wehubfusion/Conduit/pkg/store"
)

// FromDefinition builds a pipeline from a stored definition. The first stage
// is the source. A stage without its own on_record_error uses the
// definition's, and TO_ERROR when neither is set. Options.Name and
// Options.BatchSize default to the definition's values.
func FromDefinition(def *store.PipelineDefinition, reg *registry.Registry, opts Options) (*Pipeline, error) {
	if def == nil {
		return nil, errors.New("definition cannot be nil")
	}
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	policy := stage.PolicyToError
	if def.OnRecordError != "" {
		p, err := stage.ParseOnRecordError(def.OnRecordError)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", def.Name, err)
		}
		policy = p
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}

	var source *stage.Runtime
	var processors []Processor
	for i, sc := range def.Stages {
		rt, err := newRuntime(reg, sc, policy, opts)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", def.Name, err)
		}
		if i == 0 {
			if len(sc.InputLanes) > 0 {
				return nil, fmt.Errorf("pipeline %s: source stage %s cannot consume input lanes", def.Name, sc.ID)
			}
			source = rt
			continue
		}
		processors = append(processors, Processor{Runtime: rt, InputLanes: sc.InputLanes})
	}
	return New(source, processors, opts)
}

func newRuntime(reg *registry.Registry, sc registry.StageConfig, policy stage.OnRecordError, opts Options) (*stage.Runtime, error) {
	if sc.OnRecordError != "" {
		p, err := stage.ParseOnRecordError(sc.OnRecordError)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sc.ID, err)
		}
		policy = p
	}
	s, err := reg.Create(sc)
	if err != nil {
		return nil, err
	}
	cfg := stage.DefaultRuntimeConfig().
		WithOnRecordError(policy).
		WithLogger(opts.Logger).
		WithTracer(opts.Tracer)
	return stage.NewRuntime(sc.Info(), s, cfg)
}
