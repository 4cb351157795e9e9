package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] polls the file.
const DefaultWatchInterval = 5 * time.Second

// fileStamp identifies one observed version of the config file.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher reloads a config file when its content changes and hands every
// valid new version to a callback together with the one it replaces.
// Invalid versions are rejected once and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	loadOpts []LoadOption
	reload   chan struct{}

	mu      sync.Mutex
	current *Config
	seen    fileStamp
	applied [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLoadOptions passes opts to every load, typically [WithLookup].
func WithLoadOptions(opts ...LoadOption) WatcherOption {
	return func(w *Watcher) { w.loadOpts = append(w.loadOpts, opts...) }
}

// NewWatcher loads path once and returns a Watcher for it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	stamp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen, w.applied = cfg, stamp, stamp.sum
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to check the file now instead of waiting
// for the next tick. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.reload:
		}
		if _, err := w.Check(); err != nil {
			slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		}
	}
}

// Check examines the file once. It reports whether a new config was
// accepted; the callback has returned by then. A version that fails to
// parse or validate is returned as an error the first time it is seen and
// ignored afterwards.
func (w *Watcher) Check() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	unchanged := info.Size() == w.seen.size && info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	stamp, data, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	sameAsSeen := stamp.sum == w.seen.sum
	w.seen = stamp
	applied := stamp.sum == w.applied
	w.mu.Unlock()
	if sameAsSeen || applied {
		return false, nil
	}

	cfg, err := LoadFromReader(bytes.NewReader(data), w.loadOpts...)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current, w.applied = cfg, stamp.sum
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (fileStamp, []byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fileStamp{}, nil, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return fileStamp{}, nil, err
	}
	data := buf.Bytes()
	return fileStamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, data, nil
}
