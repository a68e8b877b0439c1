package store

import (
	"context"
	"fmt"
)

// SlaveStore exposes a store read-only.
type SlaveStore struct {
	base PipelineStore
}

// NewSlaveStore wraps base.
func NewSlaveStore(base PipelineStore) *SlaveStore {
	return &SlaveStore{base: base}
}

// Base returns the wrapped store.
func (s *SlaveStore) Base() PipelineStore {
	return s.base
}

func (s *SlaveStore) Save(_ context.Context, d *PipelineDefinition) error {
	return fmt.Errorf("cannot save pipeline %s: %w", d.Name, ErrReadOnly)
}

func (s *SlaveStore) Load(ctx context.Context, name string) (*PipelineDefinition, error) {
	return s.base.Load(ctx, name)
}

func (s *SlaveStore) List(ctx context.Context) ([]string, error) {
	return s.base.List(ctx)
}

func (s *SlaveStore) Delete(_ context.Context, name string) error {
	return fmt.Errorf("cannot delete pipeline %s: %w", name, ErrReadOnly)
}

var _ PipelineStore = (*SlaveStore)(nil)
