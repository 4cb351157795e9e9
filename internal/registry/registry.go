// Package registry resolves languages to loaded engine models.
//
// A [Registry] holds a table from normalized language to resource path and
// the models loaded from it. Each language is loaded at most once: concurrent
// callers for a language that is still loading wait on the same in-flight
// load, while loads and lookups for other languages proceed independently.
// A loaded model stays resident until [Registry.Close]; a failed load is not
// cached, so the next caller retries.
//
// All methods are safe for concurrent use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/speech"
	"github.com/MrWong99/livescribe/pkg/engine"
)

// Handle is a model loaded for one language. Immutable after load.
type Handle struct {
	Language string
	Path     string
	Model    engine.Model
	LoadedAt time.Time
}

// entry tracks one language's load. ready is closed once handle or err is set.
type entry struct {
	ready  chan struct{}
	handle *Handle
	err    error
}

// Registry is the process-wide model cache.
type Registry struct {
	engine  engine.Engine
	paths   atomic.Pointer[map[string]string]
	metrics *observe.Metrics

	breakerCfg resilience.CircuitBreakerConfig
	preloadMax int

	// use is held shared by [Registry.Use] and exclusively by
	// [Registry.Seal], so no model is used once Seal returns.
	use sync.RWMutex

	mu       sync.Mutex
	entries  map[string]*entry
	breakers map[string]*resilience.CircuitBreaker
	closed   bool
}

// Option is a functional option for [New].
type Option func(*Registry)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBreaker configures the per-language circuit breaker around engine
// loads. The Name field is ignored.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Registry) { r.breakerCfg = cfg }
}

// WithPreloadConcurrency limits how many models [Registry.Preload] loads at
// once. Zero or negative means unlimited.
func WithPreloadConcurrency(n int) Option {
	return func(r *Registry) { r.preloadMax = n }
}

// New returns a Registry that loads models with eng. paths maps language
// tags to resource paths; keys are normalized.
func New(eng engine.Engine, paths map[string]string, opts ...Option) *Registry {
	r := &Registry{
		engine:   eng,
		entries:  make(map[string]*entry),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.SetPaths(paths)
	return r
}

// SetPaths atomically replaces the language table. Models that are already
// loaded are unaffected; the new paths apply to subsequent loads.
func (r *Registry) SetPaths(paths map[string]string) {
	table := make(map[string]string, len(paths))
	for tag, p := range paths {
		if lang := speech.Normalize(tag); lang != "" {
			table[lang] = p
		}
	}
	r.paths.Store(&table)
}

// Languages returns the configured languages in sorted order.
func (r *Registry) Languages() []string {
	table := *r.paths.Load()
	langs := make([]string, 0, len(table))
	for lang := range table {
		langs = append(langs, lang)
	}
	slices.Sort(langs)
	return langs
}

// Loaded returns the languages whose model is resident, sorted.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var langs []string
	for lang, e := range r.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				langs = append(langs, lang)
			}
		default:
		}
	}
	slices.Sort(langs)
	return langs
}

// EnsureLoaded returns the model for tag, loading it if necessary. The load
// runs on the first caller's goroutine; later callers for the same language
// wait for it or for ctx to end.
//
// Errors: [speech.KindUnsupportedLanguage] when tag has no configured path,
// [speech.KindModelResourceMissing] when the path does not exist, and
// [speech.KindEngineFailure] when the engine rejects it.
func (r *Registry) EnsureLoaded(ctx context.Context, tag string) (*Handle, error) {
	lang := speech.Normalize(tag)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, speech.Errorf(speech.KindEngineFailure, lang, engine.ErrClosed, "registry closed")
	}
	e, ok := r.entries[lang]
	if !ok {
		path, mapped := (*r.paths.Load())[lang]
		if !mapped {
			r.mu.Unlock()
			return nil, unsupported(lang)
		}
		e = &entry{ready: make(chan struct{})}
		r.entries[lang] = e
		breaker := r.breakerLocked(lang)
		r.mu.Unlock()

		r.load(ctx, lang, path, e, breaker)
	} else {
		r.mu.Unlock()
	}

	return wait(ctx, e)
}

// Lookup returns the model for tag without starting a load. If a load is in
// flight it waits for it. A language that has no loaded model, mapped or
// not, fails with [speech.KindSessionNotInitialized]; only loads report
// unsupported languages.
func (r *Registry) Lookup(ctx context.Context, tag string) (*Handle, error) {
	lang := speech.Normalize(tag)

	r.mu.Lock()
	e, ok := r.entries[lang]
	r.mu.Unlock()
	if !ok {
		return nil, speech.Errorf(speech.KindSessionNotInitialized, lang, nil,
			"language %q is not initialized", lang)
	}

	h, err := wait(ctx, e)
	if err != nil && speech.KindOf(err) != speech.KindUnknown {
		// The load this call waited on failed; from this caller's view the
		// language was never initialized.
		return nil, speech.Errorf(speech.KindSessionNotInitialized, lang, err,
			"language %q failed to initialize", lang)
	}
	return h, err
}

// Preload loads every tag concurrently. Each failure is logged; the first
// one is returned after all loads finish.
func (r *Registry) Preload(ctx context.Context, tags []string) error {
	var g errgroup.Group
	if r.preloadMax > 0 {
		g.SetLimit(r.preloadMax)
	}
	for _, tag := range tags {
		g.Go(func() error {
			if _, err := r.EnsureLoaded(ctx, tag); err != nil {
				slog.Warn("registry: preload failed", "language", tag, "err", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// BreakerState reports the circuit breaker state guarding language's loads.
// Languages that have never been loaded report [resilience.StateClosed].
func (r *Registry) BreakerState(language string) resilience.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[speech.Normalize(language)]; ok {
		return cb.State()
	}
	return resilience.StateClosed
}

// Use runs fn with h's model unless the registry is sealed, in which case
// it fails with [speech.KindEngineFailure] wrapping [engine.ErrClosed].
// Callers that create engine sessions go through Use so that a session is
// never opened on a model that Close is about to release.
func (r *Registry) Use(h *Handle, fn func(engine.Model) error) error {
	r.use.RLock()
	defer r.use.RUnlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return speech.Errorf(speech.KindEngineFailure, h.Language, engine.ErrClosed, "registry closed")
	}
	return fn(h.Model)
}

// Seal stops new loads and new [Registry.Use] calls, waiting for running
// Use calls to return. Loaded models stay open until [Registry.Close].
func (r *Registry) Seal() {
	r.use.Lock()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.use.Unlock()
}

// Close seals the registry and releases every loaded model. In-flight loads
// finish but their models are released when they complete.
func (r *Registry) Close() error {
	r.Seal()

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for lang, e := range entries {
		<-e.ready
		if e.err != nil {
			continue
		}
		if err := e.handle.Model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("registry: close %s model: %w", lang, err))
		}
		r.metrics.ModelsLoaded.Add(context.Background(), -1)
	}
	return errors.Join(errs...)
}

// breakerLocked returns language's breaker, creating it. r.mu must be held.
func (r *Registry) breakerLocked(lang string) *resilience.CircuitBreaker {
	cb, ok := r.breakers[lang]
	if !ok {
		cfg := r.breakerCfg
		cfg.Name = "model-load/" + lang
		user := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to resilience.State) {
			r.metrics.RecordBreakerTransition(context.Background(), lang, to.String())
			if user != nil {
				user(name, from, to)
			}
		}
		cb = resilience.NewCircuitBreaker(cfg)
		r.breakers[lang] = cb
	}
	return cb
}

// load performs one load attempt and publishes the outcome on e.
func (r *Registry) load(ctx context.Context, lang, path string, e *entry, breaker *resilience.CircuitBreaker) {
	ctx, span := observe.StartOp(ctx, "registry", "load", lang, observe.AttrEngine.String(r.engine.Name()))
	defer span.End()

	start := time.Now()
	h, err := r.loadModel(lang, path, breaker)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		observe.Fail(span, err, speech.KindOf(err).String())
	}
	r.metrics.RecordModelLoad(ctx, lang, status, elapsed.Seconds())

	r.mu.Lock()
	if err != nil {
		if r.entries[lang] == e {
			delete(r.entries, lang)
		}
	} else if r.closed {
		// Close already ran; release the model instead of publishing it.
		err = speech.Errorf(speech.KindEngineFailure, lang, engine.ErrClosed, "registry closed during load")
		_ = h.Model.Close()
		h = nil
	}
	e.handle, e.err = h, err
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		observe.Logger(ctx).Warn("registry: model load failed",
			"language", lang, "path", path, "duration", elapsed, "err", err)
		return
	}
	r.metrics.ModelsLoaded.Add(ctx, 1)
	observe.Logger(ctx).Info("registry: model loaded",
		"language", lang, "path", path, "engine", r.engine.Name(), "duration", elapsed)
}

func (r *Registry) loadModel(lang, path string, breaker *resilience.CircuitBreaker) (*Handle, error) {
	if err := r.checkResource(path); err != nil {
		return nil, speech.Errorf(speech.KindModelResourceMissing, lang, err,
			"model resource for %q not available at %q", lang, path)
	}

	var model engine.Model
	err := breaker.Execute(func() error {
		m, err := r.engine.Load(lang, path)
		if err != nil {
			return err
		}
		model = m
		return nil
	})
	if err != nil {
		return nil, speech.Errorf(speech.KindEngineFailure, lang, err,
			"load %s model for %q", r.engine.Name(), lang)
	}
	return &Handle{Language: lang, Path: path, Model: model, LoadedAt: time.Now()}, nil
}

func (r *Registry) checkResource(path string) error {
	if rc, ok := r.engine.(engine.ResourceChecker); ok {
		return rc.CheckResource(path)
	}
	if path == "" {
		return fs.ErrNotExist
	}
	_, err := os.Stat(path)
	return err
}

func wait(ctx context.Context, e *entry) (*Handle, error) {
	select {
	case <-e.ready:
		return e.handle, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unsupported(lang string) error {
	return speech.Errorf(speech.KindUnsupportedLanguage, lang, nil,
		"language %q is not supported", lang)
}
