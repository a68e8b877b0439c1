package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// PipelineStore persists pipeline definitions by name.
type PipelineStore interface {
	// Save creates or replaces the definition stored under d.Name.
	Save(ctx context.Context, d *PipelineDefinition) error
	// Load returns the definition stored under name or ErrNotFound.
	Load(ctx context.Context, name string) (*PipelineDefinition, error)
	// List returns the stored names in lexical order.
	List(ctx context.Context) ([]string, error)
	// Delete removes the definition stored under name or returns ErrNotFound.
	Delete(ctx context.Context, name string) error
}

// RuntimeMode is the topology the process runs in.
type RuntimeMode string

const (
	// Standalone processes own their definitions.
	Standalone RuntimeMode = "STANDALONE"
	// Slave processes run definitions distributed to them and cannot change them.
	Slave RuntimeMode = "SLAVE"
)

// ParseRuntimeMode parses STANDALONE or SLAVE, case-insensitively.
func ParseRuntimeMode(s string) (RuntimeMode, error) {
	switch m := RuntimeMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case Standalone, Slave:
		return m, nil
	}
	return "", fmt.Errorf("unknown runtime mode %q", s)
}

// Backend selects where definitions live.
type Backend string

const (
	BackendFile Backend = "file"
	BackendBlob Backend = "blob"
)

// Options configures New.
type Options struct {
	Backend Backend
	// Dir is the file store directory
	Dir string
	// BlobConnectionString and BlobContainer configure the blob store
	BlobConnectionString string
	BlobContainer        string
	// BlobPrefix is prepended to every blob name
	BlobPrefix string
	Logger     *zap.Logger
}

// New builds the store for mode. STANDALONE returns the backend store
// itself; SLAVE wraps it read-only.
func New(mode RuntimeMode, opts Options) (PipelineStore, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var (
		base PipelineStore
		err  error
	)
	switch opts.Backend {
	case BackendFile, "":
		base, err = NewFileStore(opts.Dir, opts.Logger)
	case BackendBlob:
		var client BlobClient
		client, err = NewAzureBlobClient(opts.BlobConnectionString, opts.BlobContainer, opts.Logger)
		if err == nil {
			base = NewBlobStore(client, opts.BlobPrefix, opts.Logger)
		}
	default:
		err = fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	switch mode {
	case Standalone:
		return base, nil
	case Slave:
		return NewSlaveStore(base), nil
	}
	return nil, errors.New("runtime mode must be STANDALONE or SLAVE")
}
