package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
languages:
  ru: {model_path: /models/ru}
  en: {model_path: /models/en}
`

const watcherUpdatedYAML = `
server:
  log_level: debug
languages:
  ru: {model_path: /models/ru-large}
  en: {model_path: /models/en}
  de: {model_path: /models/de}
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeConfig writes content and bumps the mtime so that back-to-back writes
// within the filesystem's timestamp granularity are still observed.
func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	bump(t, path)
}

var mtimeStep = time.Now()

func bump(t *testing.T, path string) {
	t.Helper()
	mtimeStep = mtimeStep.Add(time.Second)
	if err := os.Chtimes(path, mtimeStep, mtimeStep); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

type reload struct{ old, new *config.Config }

func newWatcher(t *testing.T, content string) (*config.Watcher, string, *[]reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livescribe.yaml")
	writeConfig(t, path, content)

	var reloads []reload
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads = append(reloads, reload{old, new})
	},
		config.WithInterval(10*time.Millisecond),
		config.WithLoadOptions(config.WithLookup(noEnv)),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path, &reloads
}

func TestWatcher_InitialLoad(t *testing.T) {
	w, _, reloads := newWatcher(t, watcherValidYAML)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Languages["ru"].ModelPath != "/models/ru" {
		t.Errorf("initial config = %+v", cfg)
	}
	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check on untouched file = %v, %v", changed, err)
	}
	if len(*reloads) != 0 {
		t.Errorf("callback ran %d times without a change", len(*reloads))
	}
}

func TestWatcher_AcceptsChange(t *testing.T) {
	w, path, reloads := newWatcher(t, watcherValidYAML)
	writeConfig(t, path, watcherUpdatedYAML)

	changed, err := w.Check()
	if !changed || err != nil {
		t.Fatalf("Check = %v, %v", changed, err)
	}
	if len(*reloads) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(*reloads))
	}

	d := config.Diff((*reloads)[0].old, (*reloads)[0].new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if len(d.LanguageChanges) != 2 ||
		d.LanguageChanges[0].Tag != "de" || !d.LanguageChanges[0].Added ||
		d.LanguageChanges[1].Tag != "ru" || d.LanguageChanges[1].NewPath != "/models/ru-large" {
		t.Errorf("language changes = %+v, want de added and ru re-pointed", d.LanguageChanges)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current() not updated")
	}
}

func TestWatcher_RejectsInvalidOnce(t *testing.T) {
	w, path, reloads := newWatcher(t, watcherValidYAML)
	writeConfig(t, path, watcherInvalidYAML)

	if changed, err := w.Check(); changed || err == nil {
		t.Fatalf("Check of invalid file = %v, %v; want rejection", changed, err)
	}
	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("second Check of the same invalid file = %v, %v; want silent", changed, err)
	}
	if len(*reloads) != 0 || w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("invalid file leaked: calls=%d level=%s", len(*reloads), w.Current().Server.LogLevel)
	}

	// Fixing the file is picked up.
	writeConfig(t, path, watcherUpdatedYAML)
	if changed, err := w.Check(); !changed || err != nil {
		t.Errorf("Check after fix = %v, %v", changed, err)
	}
}

func TestWatcher_RevertToAppliedIsNotAChange(t *testing.T) {
	w, path, reloads := newWatcher(t, watcherValidYAML)

	writeConfig(t, path, watcherInvalidYAML)
	_, _ = w.Check()
	writeConfig(t, path, watcherValidYAML)

	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check after revert = %v, %v", changed, err)
	}
	if len(*reloads) != 0 {
		t.Errorf("callback calls = %d, want 0", len(*reloads))
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	w, path, reloads := newWatcher(t, watcherValidYAML)
	bump(t, path)

	if changed, err := w.Check(); changed || err != nil {
		t.Errorf("Check after touch = %v, %v", changed, err)
	}
	if len(*reloads) != 0 {
		t.Errorf("callback calls = %d, want 0", len(*reloads))
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file succeeded")
	}

	w, path, _ := newWatcher(t, watcherValidYAML)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Check(); err == nil {
		t.Error("Check on a removed file returned no error")
	}
	if w.Current() == nil {
		t.Error("Current() lost the config when the file vanished")
	}
}

func TestWatcher_RunPicksUpReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livescribe.yaml")
	writeConfig(t, path, watcherValidYAML)

	got := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(_, new *config.Config) { got <- new },
		config.WithInterval(time.Hour),
		config.WithLoadOptions(config.WithLookup(noEnv)),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	writeConfig(t, path, watcherUpdatedYAML)
	w.Reload()

	select {
	case cfg := <-got:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("reloaded log level = %s", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reload did not trigger a check")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
