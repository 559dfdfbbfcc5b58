package namespace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/rs/zerolog"
)

// Attribute file names inside an instance directory.
const (
	PathFile   = "path"
	StatusFile = "status"
	ErrorFile  = "error"
)

// DefaultDebounce is used when Config.Debounce is zero.
const DefaultDebounce = 200 * time.Millisecond

// Registry is the part of overlay.Registry the namespace drives.
type Registry interface {
	overlay.Group

	Lookup(name string) (*overlay.Instance, bool)
	WritePath(ctx context.Context, name, value string) error
	ReadPath(name string) (string, error)
	ReadStatus(name string) (overlay.Status, error)
}

// Config configures a Watcher.
type Config struct {
	// Root holds one directory per instance. It is created if missing.
	Root string

	// Debounce is how long a path file must stay quiet before it is applied.
	Debounce time.Duration

	// Logger receives namespace logs. The zero value discards.
	Logger zerolog.Logger
}

// Watcher mirrors a directory tree onto a registry: mkdir creates an
// instance, writing its path file applies an overlay, rmdir drops it.
//
// All registry calls happen on the Run goroutine, one at a time.
type Watcher struct {
	root     string
	debounce time.Duration
	reg      Registry
	logger   zerolog.Logger

	pending chan string

	mu      sync.Mutex
	timers  map[string]*time.Timer
	written map[string]selfWrite
}

// selfWrite identifies the path file as the watcher last left it. A user
// write of the same bytes still changes the modification time.
type selfWrite struct {
	content string
	modTime time.Time
}

// NewWatcher creates a watcher for cfg.Root. Nothing is watched until Run.
func NewWatcher(cfg Config, reg Registry) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("namespace root is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve namespace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create namespace root: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Watcher{
		root:     root,
		debounce: cfg.Debounce,
		reg:      reg,
		logger:   cfg.Logger.With().Str("component", "namespace").Str("root", root).Logger(),
		pending:  make(chan string, 16),
		timers:   make(map[string]*time.Timer),
		written:  make(map[string]selfWrite),
	}, nil
}

// Root returns the absolute namespace root.
func (w *Watcher) Root() string {
	return w.root
}

// Run watches the namespace until ctx is done. Directories already present
// under the root are adopted as instances first.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", w.root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.adopt(ctx, fsw, e.Name())
		}
	}

	w.logger.Info().Int("instances", len(entries)).Msg("namespace watching")

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil

		case name := <-w.pending:
			w.handlePathWrite(ctx, name)

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.dispatch(ctx, fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	dir, base := filepath.Split(event.Name)
	dir = filepath.Clean(dir)

	switch {
	case dir == w.root:
		switch {
		case event.Has(fsnotify.Create):
			if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
				w.adopt(ctx, fsw, base)
			}
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			w.handleRemove(ctx, base)
		}

	case filepath.Dir(dir) == w.root && base == PathFile:
		if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
			w.schedule(ctx, filepath.Base(dir))
		}
	}
}

// adopt creates the instance for a new directory and starts watching it.
func (w *Watcher) adopt(ctx context.Context, fsw *fsnotify.Watcher, name string) {
	if !w.handleCreate(ctx, name) {
		return
	}
	if err := fsw.Add(filepath.Join(w.root, name)); err != nil {
		w.logger.Error().Err(err).Str("instance", name).Msg("failed to watch instance directory")
	}
}

// schedule debounces writes to path files.
func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()

		select {
		case w.pending <- name:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
}

// handleCreate makes the instance for directory name and writes its
// attribute files. A refused create removes the directory again.
func (w *Watcher) handleCreate(ctx context.Context, name string) bool {
	if _, exists := w.reg.Lookup(name); exists {
		return true
	}

	dir := filepath.Join(w.root, name)
	if _, err := w.reg.Make(ctx, name); err != nil {
		w.logger.Warn().Err(err).Str("instance", name).Msg("instance refused, removing directory")
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			w.logger.Error().Err(rmErr).Str("dir", dir).Msg("failed to remove refused directory")
		}
		return false
	}

	w.sync(name, nil)
	w.logger.Info().Str("instance", name).Msg("instance created")
	return true
}

// handlePathWrite feeds the path file to the registry and refreshes the
// attribute files. The file as the watcher last wrote it is ignored.
func (w *Watcher) handlePathWrite(ctx context.Context, name string) {
	if _, ok := w.reg.Lookup(name); !ok {
		return
	}

	file := filepath.Join(w.root, name, PathFile)
	info, err := os.Stat(file)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Error().Err(err).Str("instance", name).Msg("failed to stat path file")
		}
		return
	}
	data, err := os.ReadFile(file)
	if err != nil {
		w.logger.Error().Err(err).Str("instance", name).Msg("failed to read path file")
		return
	}

	w.mu.Lock()
	last, ok := w.written[name]
	w.mu.Unlock()
	if ok && last.content == string(data) && last.modTime.Equal(info.ModTime()) {
		return
	}

	err = w.reg.WritePath(ctx, name, string(data))
	if err != nil {
		w.logger.Warn().Err(err).Str("instance", name).Msg("path write failed")
	}
	w.sync(name, err)
}

// handleRemove drops the instance of a removed directory.
func (w *Watcher) handleRemove(ctx context.Context, name string) {
	w.mu.Lock()
	if t, ok := w.timers[name]; ok {
		t.Stop()
		delete(w.timers, name)
	}
	delete(w.written, name)
	w.mu.Unlock()

	inst, ok := w.reg.Lookup(name)
	if !ok {
		return
	}
	w.reg.Drop(ctx, inst)
	w.logger.Info().Str("instance", name).Msg("instance dropped")
}

// sync rewrites the path, status and error files from the registry.
func (w *Watcher) sync(name string, lastErr error) {
	dir := filepath.Join(w.root, name)
	if _, err := os.Stat(dir); err != nil {
		return
	}

	path, err := w.reg.ReadPath(name)
	if err != nil {
		return
	}
	status, err := w.reg.ReadStatus(name)
	if err != nil {
		return
	}

	content := overlay.FormatPath(path)

	msg := ""
	if lastErr != nil {
		msg = lastErr.Error() + "\n"
	}

	files := []struct {
		name string
		data string
	}{
		{PathFile, content},
		{StatusFile, overlay.FormatStatus(status)},
		{ErrorFile, msg},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.data), 0o644); err != nil {
			w.logger.Error().Err(err).Str("instance", name).Str("file", f.name).Msg("failed to write attribute")
		}
	}

	mark := selfWrite{content: content}
	if info, err := os.Stat(filepath.Join(dir, PathFile)); err == nil {
		mark.modTime = info.ModTime()
	}
	w.mu.Lock()
	w.written[name] = mark
	w.mu.Unlock()
}
