package readsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
)

// DefaultDebounce is the quiet period after the last write before a reload.
const DefaultDebounce = 250 * time.Millisecond

// FileSource serves values from a JSON (comments allowed) file shaped
// {"WEIGHT": {"Person/Alice": "71.5"}}. Watch reloads it when it changes.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.RWMutex
	values Static

	watcher  *fsnotify.Watcher
	done     chan struct{}
	reloaded chan struct{}
}

// FileOption configures a FileSource.
type FileOption func(*FileSource)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) FileOption {
	return func(f *FileSource) { f.debounce = d }
}

// WithFileLogger sets the logger used for reload failures.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(f *FileSource) {
		if l != nil {
			f.logger = l
		}
	}
}

// OpenFile reads path once. Call Watch to follow later edits.
func OpenFile(path string, opts ...FileOption) (*FileSource, error) {
	f := &FileSource{
		path:     path,
		debounce: DefaultDebounce,
		logger:   slog.New(slog.DiscardHandler),
		reloaded: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Fetch implements domain.ReadSource.
func (f *FileSource) Fetch(ctx context.Context, source, key string) (string, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values.Fetch(ctx, source, key)
}

// Reloaded signals after each successful reload triggered by Watch.
func (f *FileSource) Reloaded() <-chan struct{} { return f.reloaded }

func (f *FileSource) reload() error {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	var values Static
	if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
		return fmt.Errorf("parse source file %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

// Watch starts following the file. It returns once the watcher is armed;
// reloading stops when ctx is done or Close is called.
func (f *FileSource) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(f.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	f.watcher = fsw
	f.done = make(chan struct{})
	go f.loop(ctx)
	return nil
}

// Close stops watching.
func (f *FileSource) Close() error {
	if f.watcher == nil {
		return nil
	}
	close(f.done)
	err := f.watcher.Close()
	f.watcher = nil
	return err
}

func (f *FileSource) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	base := filepath.Base(f.path)
	events, errs, done := f.watcher.Events, f.watcher.Errors, f.done
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(f.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(f.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := f.reload(); err != nil {
				f.logger.Warn("read source reload failed", "path", f.path, "error", err)
				continue
			}
			f.logger.Debug("read source reloaded", "path", f.path)
			select {
			case f.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			f.logger.Warn("read source watcher error", "path", f.path, "error", err)
		case <-done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
