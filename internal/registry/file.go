package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/rendis/agentflow/pkg/schema"
)

const reloadDebounce = 200 * time.Millisecond

// FileRegistry serves the definitions found in one directory. A reload that
// hits a bad file keeps the previous set.
type FileRegistry struct {
	dir       string
	validator DefinitionValidator
	logger    *slog.Logger

	mu     sync.RWMutex
	defs   map[string]*schema.WorkflowDefinition
	loaded time.Time

	loads singleflight.Group
}

// NewFileRegistry creates a registry over dir. Call Load before serving.
func NewFileRegistry(dir string, validator DefinitionValidator, logger *slog.Logger) *FileRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileRegistry{
		dir:       dir,
		validator: validator,
		logger:    logger.With(slog.String("component", "registry")),
		defs:      make(map[string]*schema.WorkflowDefinition),
	}
}

// Load reads every definition file in the directory. Concurrent calls share
// one read.
func (r *FileRegistry) Load(ctx context.Context) error {
	_, err, _ := r.loads.Do("load", func() (any, error) {
		defs, err := r.readDir(ctx)
		if err != nil {
			r.logger.Warn("definitions not reloaded, keeping previous set", slog.String("error", err.Error()))
			return nil, err
		}
		r.mu.Lock()
		r.defs = defs
		r.loaded = time.Now()
		r.mu.Unlock()
		r.logger.Info("definitions loaded", slog.Int("count", len(defs)))
		return nil, nil
	})
	return err
}

func (r *FileRegistry) readDir(ctx context.Context) (map[string]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	defs := make(map[string]*schema.WorkflowDefinition)
	sources := make(map[string]string)
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		def, err := ParseDefinition(entry.Name(), data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r.validator != nil {
			if err := r.validator.ValidateDefinition(def); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
				continue
			}
		}
		if prev, dup := sources[def.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: definition %q already defined in %s", entry.Name(), def.ID, prev))
			continue
		}
		sources[def.ID] = entry.Name()
		defs[def.ID] = def
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

// GetDefinition returns the definition with the given id.
func (r *FileRegistry) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, notFound(id)
	}
	return def, nil
}

// List returns all loaded definitions ordered by id.
func (r *FileRegistry) List() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedDefs(r.defs)
}

// LoadedAt returns the time of the last successful load.
func (r *FileRegistry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Watch reloads the directory whenever a definition file changes, until ctx
// is done. Bursts of events are collapsed into one reload.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			_ = r.Load(ctx)
		}
	}
}
