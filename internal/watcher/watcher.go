// Package watcher picks up pipeline definition files dropped into a
// submissions directory and hands them to the scheduler.
package watcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
)

// SubmitFunc receives a parsed pipeline definition.
type SubmitFunc func(ctx context.Context, cfg domain.PipelineConfig) error

// Watcher monitors one directory for *.json pipeline definitions. Writes are
// debounced so a file still being copied in is only parsed once it settles.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	submit   SubmitFunc
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Watcher for dir, creating the directory if needed.
func New(dir string, submit SubmitFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = observability.NewLogger("watcher")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		fsw:      fsw,
		submit:   submit,
		debounce: 500 * time.Millisecond,
		logger:   logger,
		pending:  make(map[string]struct{}),
	}, nil
}

// SetDebounce overrides the settle window for batching file writes.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start processes any definitions already present, then watches for new
// ones until Stop is called or ctx expires.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.ctx = ctx
	w.cancel = cancel
	w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			w.process(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Stop ends the watch loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.fsw.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	ctx := w.ctx
	w.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	for path := range pending {
		w.process(ctx, path)
	}
}

// process parses one definition file and submits it. Bad files are renamed
// with a .rejected suffix so they are not retried; accepted files are
// renamed with .submitted.
func (w *Watcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read pipeline definition", "path", path, "error", err.Error())
		return
	}

	var cfg domain.PipelineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		w.logger.Warn("invalid pipeline definition", "path", path, "error", err.Error())
		w.markDone(path, ".rejected")
		return
	}

	if err := w.submit(ctx, cfg); err != nil {
		w.logger.Warn("pipeline rejected", "path", path, "error", err.Error())
		w.markDone(path, ".rejected")
		return
	}

	w.logger.Info("pipeline definition submitted", "path", path)
	w.markDone(path, ".submitted")
}

func (w *Watcher) markDone(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		w.logger.Warn("rename processed definition", "path", path, "error", err.Error())
	}
}
