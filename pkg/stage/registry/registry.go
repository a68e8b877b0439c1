// Package registry builds stage instances from their persisted configuration.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wehubfusion/Conduit/pkg/stage"
)

// ErrUnknownStageType is returned when no creator is registered for a stage type.
var ErrUnknownStageType = errors.New("no creator registered for stage type")

// StageConfig describes one stage instance of a pipeline definition.
type StageConfig struct {
	// ID is unique within the pipeline
	ID string `yaml:"id" json:"id"`
	// Type selects the registered creator
	Type  string `yaml:"type" json:"type"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	// Lanes are the output lanes the stage declares
	Lanes []string `yaml:"lanes,omitempty" json:"lanes,omitempty"`
	// InputLanes restricts which lanes of the previous stage feed this one.
	// Empty means all of them.
	InputLanes []string `yaml:"input_lanes,omitempty" json:"input_lanes,omitempty"`
	// OnRecordError overrides the pipeline policy for this stage
	OnRecordError string `yaml:"on_record_error,omitempty" json:"on_record_error,omitempty"`
	// Config holds the stage-specific settings
	Config Config `yaml:"config,omitempty" json:"config,omitempty"`
}

// Info returns the runtime identity of the stage.
func (c StageConfig) Info() stage.Info {
	return stage.Info{ID: c.ID, Type: c.Type, Lanes: slices.Clone(c.Lanes)}
}

// Creator builds a stage from its configuration.
type Creator func(cfg StageConfig) (stage.Stage, error)

// Registry is a thread-safe table of stage creators keyed by stage type.
type Registry struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{creators: make(map[string]Creator)}
}

// Register registers a creator for a stage type, replacing any previous one.
func (r *Registry) Register(stageType string, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[stageType] = creator
}

// Create builds the stage described by cfg.
func (r *Registry) Create(cfg StageConfig) (stage.Stage, error) {
	r.mu.RLock()
	creator, exists := r.creators[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStageType, cfg.Type)
	}
	s, err := creator(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage %s (%s): %w", cfg.ID, cfg.Type, err)
	}
	return s, nil
}

// Has reports whether a creator exists for stageType.
func (r *Registry) Has(stageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.creators[stageType]
	return exists
}

// Types returns the registered stage types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.creators))
	for t := range r.creators {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Unregister removes the creator for stageType and reports whether one existed.
func (r *Registry) Unregister(stageType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.creators[stageType]; exists {
		delete(r.creators, stageType)
		return true
	}
	return false
}
