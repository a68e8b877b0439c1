// Package store persists pipeline definitions.
//
// A PipelineStore saves, loads, lists and deletes definitions by name. The
// file store keeps one YAML document per pipeline in a directory and can
// watch it for changes; the blob store keeps them in an Azure Blob Storage
// container. In SLAVE mode the store is wrapped read-only: slaves run
// pipelines that a master distributes and never edit them.
package store

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Conduit/pkg/stage/registry"
)

var (
	// ErrNotFound is returned when no definition exists under a name.
	ErrNotFound = errors.New("pipeline definition not found")
	// ErrReadOnly is returned by write operations of a slave store.
	ErrReadOnly = errors.New("pipeline store is read-only")
	// ErrInvalidName is returned for names that are not usable as file or blob names.
	ErrInvalidName = errors.New("invalid pipeline name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateName checks that name can be stored.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// PipelineDefinition is the persisted form of a pipeline: its stages in
// execution order, the first one being the source.
type PipelineDefinition struct {
	Name        string `yaml:"name" json:"name"`
	Title       string `yaml:"title,omitempty" json:"title,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// OnRecordError is the default policy for stages that set none
	OnRecordError string `yaml:"on_record_error,omitempty" json:"on_record_error,omitempty"`
	// BatchSize is the maximum number of records the source produces per batch
	BatchSize int                    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Stages    []registry.StageConfig `yaml:"stages" json:"stages"`
	Metadata  map[string]string      `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Validate checks the definition's structure. Stage types are checked when
// the pipeline is built.
func (d *PipelineDefinition) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", d.Name)
	}
	if d.BatchSize < 0 {
		return fmt.Errorf("pipeline %s: batch_size must not be negative", d.Name)
	}
	seen := make(map[string]bool, len(d.Stages))
	for i, s := range d.Stages {
		if s.ID == "" {
			return fmt.Errorf("pipeline %s: stage %d has no id", d.Name, i)
		}
		if s.Type == "" {
			return fmt.Errorf("pipeline %s: stage %s has no type", d.Name, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline %s: duplicate stage id %s", d.Name, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Marshal encodes the definition as YAML.
func Marshal(d *PipelineDefinition) ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline %s: %w", d.Name, err)
	}
	return data, nil
}

// Unmarshal decodes and validates a YAML definition.
func Unmarshal(data []byte) (*PipelineDefinition, error) {
	var d PipelineDefinition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
