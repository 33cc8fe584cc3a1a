// Package watcher watches the action-packages root for source and
// manifest changes, debounces bursts, and re-imports the affected
// packages with an atomic catalog swap.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/log"
)

// watchedSuffixes are the file kinds that trigger a reimport. The set is
// part of the reload contract.
var watchedSuffixes = []string{".py", ".pyx", ".yaml"}

// ReimportFunc re-runs the import subsystem for one package directory
type ReimportFunc func(ctx context.Context, dir string) error

// Watcher debounces filesystem events per package directory
type Watcher struct {
	root     string
	debounce time.Duration
	reimport ReimportFunc
	logger   zerolog.Logger

	fs     *fsnotify.Watcher
	mu     sync.Mutex
	timers map[string]*time.Timer // Package dir -> pending debounce timer
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher over the packages root. Subdirectories present at
// start are watched recursively; directories created later are picked up
// from their create events.
func New(root string, debounce time.Duration, reimport ReimportFunc) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		reimport: reimport,
		logger:   log.WithComponent("watcher"),
		fs:       fs,
		timers:   map[string]*time.Timer{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fs.Add(path)
		}
		return nil
	})
	if err != nil {
		fs.Close()
		return nil, err
	}
	return w, nil
}

// Start begins the event loop
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop shuts the watcher down and waits for the loop to exit
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.fs.Close()
	<-w.doneCh
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Filesystem watch error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	// New directories join the watch so nested source files are seen
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fs.Add(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
		}
	}

	if !w.relevant(event.Name) {
		return
	}
	pkgDir, ok := w.packageDir(event.Name)
	if !ok {
		return
	}
	w.schedule(ctx, pkgDir)
}

// relevant reports whether a path is a source or manifest file
func (w *Watcher) relevant(path string) bool {
	for _, suffix := range watchedSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// packageDir maps a changed file to its top-level package directory
// under the root
func (w *Watcher) packageDir(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		// A file directly under the root belongs to no package
		return "", false
	}
	return filepath.Join(w.root, parts[0]), true
}

// schedule coalesces events for one package into a single reimport per
// debounce window
func (w *Watcher) schedule(ctx context.Context, pkgDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[pkgDir]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[pkgDir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, pkgDir)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}

		w.logger.Info().Str("dir", pkgDir).Msg("Change detected, reimporting package")
		if err := w.reimport(ctx, pkgDir); err != nil {
			w.logger.Error().Err(err).Str("dir", pkgDir).Msg("Reimport failed")
		}
	})
}
