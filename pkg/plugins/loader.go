package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/zenith/pkg/async"
)

// Extension is the file extension of plugin modules.
const Extension = ".wasm"

// DefaultParallelism is the number of files LoadDir loads at once.
const DefaultParallelism = 4

// LoadFunc publishes bytecode. Registry.Load is the default.
type LoadFunc func(ctx context.Context, bytecode []byte, opts LoadOptions) (*Metadata, error)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithParallelism bounds how many files LoadDir loads at once.
func WithParallelism(n int) LoaderOption {
	return func(l *Loader) { l.parallelism = n }
}

// WithLoadFunc routes loads through fn, for example to persist them.
func WithLoadFunc(fn LoadFunc) LoaderOption {
	return func(l *Loader) { l.load = fn }
}

// Loader loads plugin files and directories into a registry.
type Loader struct {
	registry    *Registry
	load        LoadFunc
	parallelism int
	log         *logrus.Logger
}

// NewLoader creates a new plugin loader
func NewLoader(registry *Registry, log *logrus.Logger, opts ...LoaderOption) *Loader {
	if log == nil {
		log = logrus.New()
	}
	l := &Loader{
		registry:    registry,
		load:        registry.Load,
		parallelism: DefaultParallelism,
		log:         log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NameFromPath returns the plugin name implied by a file path: its stem.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadFile returns the bytecode and load options for a plugin file,
// honouring its sidecar manifest.
func ReadFile(path string) ([]byte, LoadOptions, error) {
	bytecode, err := os.ReadFile(path)
	if err != nil {
		return nil, LoadOptions{}, fmt.Errorf("failed to read plugin: %w", err)
	}

	opts := LoadOptions{}
	manifest, err := LoadSidecar(path)
	if err != nil {
		return nil, LoadOptions{}, err
	}
	if manifest != nil {
		if verrs := ValidateManifest(manifest); len(verrs) > 0 {
			errs := make([]error, len(verrs))
			for i, v := range verrs {
				errs[i] = v
			}
			return nil, LoadOptions{}, fmt.Errorf("manifest %s: %w", ManifestPath(path), errors.Join(errs...))
		}
		if opts, err = manifest.Options(); err != nil {
			return nil, LoadOptions{}, err
		}
	}
	if opts.Name == "" {
		opts.Name = NameFromPath(path)
	}
	opts.Source = path
	return bytecode, opts, nil
}

// LoadFile loads one plugin file.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Metadata, error) {
	bytecode, opts, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, err := l.load(ctx, bytecode, opts)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return meta, nil
}

// ListDir returns the plugin files in dir sorted by name.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Extension {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadDir loads every plugin file in dir. It returns the metadata of the
// plugins that loaded and the joined errors of those that did not.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]*Metadata, error) {
	paths, err := ListDir(dir)
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		metas []*Metadata
	)
	results := async.Batch(ctx, paths, l.parallelism, 0, func(ctx context.Context, path string) error {
		meta, err := l.LoadFile(ctx, path)
		if err != nil {
			return err
		}
		mu.Lock()
		metas = append(metas, meta)
		mu.Unlock()
		return nil
	})

	var errs []error
	for i, err := range results {
		if err != nil {
			l.log.WithError(err).WithField("path", paths[i]).Warn("Failed to load plugin")
			errs = append(errs, err)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })

	l.log.WithFields(logrus.Fields{
		"dir":    dir,
		"loaded": len(metas),
		"failed": len(errs),
	}).Info("Loaded plugin directory")
	return metas, errors.Join(errs...)
}
