package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	configs []domain.PipelineConfig
	err     error
}

func (r *recorder) submit(ctx context.Context, cfg domain.PipelineConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.configs = append(r.configs, cfg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

const validDefinition = `{
	"generation": {"models": ["model-a"], "templates": ["web"]},
	"analysis": {"enabled": true, "tools": ["bandit"]}
}`

func newTestWatcher(t *testing.T, rec *recorder) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := New(dir, rec.submit, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.SetDebounce(10 * time.Millisecond)
	t.Cleanup(w.Stop)
	return w, dir
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessesExistingFilesOnStart(t *testing.T) {
	rec := &recorder{}
	dir := t.TempDir()
	path := filepath.Join(dir, "run.json")
	if err := os.WriteFile(path, []byte(validDefinition), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New(dir, rec.submit, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return rec.count() == 1 })
	if _, err := os.Stat(path + ".submitted"); err != nil {
		t.Errorf("processed file not renamed: %v", err)
	}

	rec.mu.Lock()
	cfg := rec.configs[0]
	rec.mu.Unlock()
	if len(cfg.Generation.Models) != 1 || cfg.Generation.Models[0] != "model-a" {
		t.Errorf("parsed models = %v", cfg.Generation.Models)
	}
	if !cfg.Analysis.Enabled {
		t.Error("analysis flag not parsed")
	}
}

func TestPicksUpNewFiles(t *testing.T) {
	rec := &recorder{}
	w, dir := newTestWatcher(t, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(dir, "new.json")
	if err := os.WriteFile(path, []byte(validDefinition), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestIgnoresNonJSONFiles(t *testing.T) {
	rec := &recorder{}
	w, dir := newTestWatcher(t, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("non-JSON file was submitted")
	}
}

func TestRejectsInvalidDefinition(t *testing.T) {
	rec := &recorder{}
	w, dir := newTestWatcher(t, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, err := os.Stat(path + ".rejected")
		return err == nil
	})
	if rec.count() != 0 {
		t.Errorf("invalid definition was submitted")
	}
}

func TestRejectedBySchedulerIsMarked(t *testing.T) {
	rec := &recorder{err: errors.New("no capacity")}
	w, dir := newTestWatcher(t, rec)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	path := filepath.Join(dir, "run.json")
	if err := os.WriteFile(path, []byte(validDefinition), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, err := os.Stat(path + ".rejected")
		return err == nil
	})
}
