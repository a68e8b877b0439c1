package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const definitionExt = ".yaml"

// ChangeOp is the kind of change a watch reports.
type ChangeOp string

const (
	ChangeSaved   ChangeOp = "SAVED"
	ChangeDeleted ChangeOp = "DELETED"
)

// ChangeEvent reports that a stored definition changed.
type ChangeEvent struct {
	Name string
	Op   ChangeOp
}

// FileStore keeps one YAML file per pipeline in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewFileStore creates the store, creating dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+definitionExt)
}

// Save writes the definition through a temporary file so readers and
// watchers never see a partial document.
func (s *FileStore) Save(_ context.Context, d *PipelineDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := Marshal(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+d.Name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", d.Name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save pipeline %s: %w", d.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", d.Name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(d.Name)); err != nil {
		return fmt.Errorf("failed to save pipeline %s: %w", d.Name, err)
	}
	s.logger.Debug("Saved pipeline definition", zap.String("pipeline", d.Name))
	return nil
}

// Load reads the named definition.
func (s *FileStore) Load(_ context.Context, name string) (*PipelineDefinition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, err := os.ReadFile(s.path(name))
	s.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", name, err)
	}
	d, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}
	return d, nil
}

// List returns the names of the stored definitions.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.dir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	var names []string
	for _, e := range entries {
		if name, ok := definitionName(e.Name()); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes the named definition.
func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("failed to delete pipeline %s: %w", name, err)
	}
	s.logger.Debug("Deleted pipeline definition", zap.String("pipeline", name))
	return nil
}

// definitionName maps a file name to a pipeline name. Temporary and hidden
// files are ignored.
func definitionName(file string) (string, bool) {
	if strings.HasPrefix(file, ".") || !strings.HasSuffix(file, definitionExt) {
		return "", false
	}
	name := strings.TrimSuffix(file, definitionExt)
	return name, ValidateName(name) == nil
}

// Watch reports changes to stored definitions until ctx is done. Bursts of
// events for the same file within debounce collapse into one event.
func (s *FileStore) Watch(ctx context.Context, debounce time.Duration) (<-chan ChangeEvent, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	out := make(chan ChangeEvent, 16)
	go s.watchLoop(ctx, w, debounce, out)
	return out, nil
}

func (s *FileStore) watchLoop(ctx context.Context, w *fsnotify.Watcher, debounce time.Duration, out chan<- ChangeEvent) {
	defer close(out)
	defer w.Close()

	lastSeen := make(map[ChangeEvent]time.Time)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			name, ok := definitionName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			var op ChangeOp
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				op = ChangeSaved
			case event.Has(fsnotify.Remove):
				op = ChangeDeleted
			case event.Has(fsnotify.Rename):
				// the old name of a rename is gone; the new name arrives as Create
				op = ChangeDeleted
			default:
				continue
			}

			change := ChangeEvent{Name: name, Op: op}
			now := time.Now()
			if last, seen := lastSeen[change]; seen && now.Sub(last) < debounce {
				continue
			}
			lastSeen[change] = now

			s.logger.Debug("Pipeline definition changed",
				zap.String("pipeline", name),
				zap.String("op", string(op)))
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

var _ PipelineStore = (*FileStore)(nil)
