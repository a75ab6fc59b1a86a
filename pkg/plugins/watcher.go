package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long a file must stay quiet before a change is reported.
const DefaultDebounce = 250 * time.Millisecond

// ChangeKind says what happened to a plugin file.
type ChangeKind int

const (
	// ChangeWrite means the plugin file exists and should be (re)loaded.
	ChangeWrite ChangeKind = iota
	// ChangeRemove means the plugin file is gone.
	ChangeRemove
)

func (k ChangeKind) String() string {
	if k == ChangeRemove {
		return "remove"
	}
	return "write"
}

// Change is a debounced change to one plugin.
type Change struct {
	// Path is the .wasm file, also for manifest edits.
	Path string
	Name string
	Kind ChangeKind
}

// Watcher reports plugin file changes in a directory.
type Watcher struct {
	debounce time.Duration
	log      *logrus.Logger
}

// NewWatcher creates a watcher. A debounce of zero uses DefaultDebounce.
func NewWatcher(debounce time.Duration, log *logrus.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{debounce: debounce, log: log}
}

// Watch starts watching dir. The returned channel delivers changes until ctx
// ends, then closes. Call Watch again to restart after an error.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan Change, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	out := make(chan Change)
	go w.loop(ctx, fsw, out)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, out chan<- Change) {
	defer close(out)
	defer fsw.Close()

	timers := make(map[string]*time.Timer)
	fired := make(chan string, 16)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			path, ok := pluginPath(event.Name)
			if !ok {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if t, ok := timers[path]; ok {
				t.Reset(w.debounce)
				continue
			}
			timers[path] = time.AfterFunc(w.debounce, func() {
				select {
				case fired <- path:
				case <-ctx.Done():
				}
			})

		case path := <-fired:
			delete(timers, path)
			change := Change{Path: path, Name: NameFromPath(path), Kind: ChangeWrite}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				change.Kind = ChangeRemove
			}
			w.log.WithFields(logrus.Fields{
				"path": path,
				"kind": change.Kind.String(),
			}).Debug("Plugin file changed")
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Watcher error")
		}
	}
}

// pluginPath maps a changed file to the plugin file it belongs to.
func pluginPath(name string) (string, bool) {
	switch filepath.Ext(name) {
	case Extension:
		return name, true
	case ".yaml":
		return strings.TrimSuffix(name, ".yaml") + Extension, true
	default:
		return "", false
	}
}
