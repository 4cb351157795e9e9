// Package app wires the livescribe subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates the model registry,
// conversation store, recognition service and HTTP routes; Run serves them
// and drives the background preload and idle sweeper; Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithListener) and pass a mock engine to New.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/gateway"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/recognition"
	"github.com/MrWong99/livescribe/internal/registry"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine"
)

// readHeaderTimeout bounds slow clients on the HTTP listener.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the speech broker.
type App struct {
	cfg     *config.Config
	engine  engine.Engine
	metrics *observe.Metrics

	registry *registry.Registry
	store    *session.Store
	service  *recognition.Service
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	listener       net.Listener
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	decoders       map[audio.Encoding]audio.DecoderFactory

	// closers are called in order during Shutdown, after the HTTP server
	// and the recognition service have stopped.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets hot reloads adjust the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithDecoder enables an extra chunk encoding.
func WithDecoder(enc audio.Encoding, factory audio.DecoderFactory) Option {
	return func(a *App) { a.decoders[enc] = factory }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates the broker for cfg, loading models with eng.
func New(cfg *config.Config, eng engine.Engine, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if eng == nil {
		return nil, errors.New("app: nil engine")
	}
	a := &App{
		cfg:      cfg,
		engine:   eng,
		decoders: make(map[audio.Encoding]audio.DecoderFactory),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.registry = registry.New(eng, cfg.ModelPaths(),
		registry.WithMetrics(a.metrics),
		registry.WithPreloadConcurrency(cfg.Sessions.PreloadConcurrency),
		registry.WithBreaker(resilience.CircuitBreakerConfig{
			MaxFailures:     cfg.Resilience.MaxFailures,
			ResetTimeout:    cfg.Resilience.ResetTimeout,
			MaxResetTimeout: cfg.Resilience.MaxResetTimeout,
		}),
	)
	a.store = session.NewStore(session.WithStoreMetrics(a.metrics))

	svcOpts := []recognition.Option{
		recognition.WithMetrics(a.metrics),
		recognition.WithServiceName(cfg.Server.ServiceName),
		recognition.WithSampleRate(cfg.Engine.SampleRate),
	}
	for enc, factory := range a.decoders {
		svcOpts = append(svcOpts, recognition.WithDecoder(enc, factory))
	}
	a.service = recognition.New(a.registry, a.store, svcOpts...)

	mux := http.NewServeMux()
	gateway.New(a.service,
		gateway.WithDefaultLanguage(cfg.Server.DefaultLanguage),
		gateway.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	).Register(mux)
	a.health = health.New(
		health.Preloaded(a.service.Ready),
		health.ModelsLoaded(a.registry, cfg.Sessions.Preload),
		health.BreakersClosed(a.registry),
	)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics,
		observe.WithUntraced("/health", "/healthz", "/readyz", "/metrics"),
	)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the recognition service.
func (a *App) Service() *recognition.Service { return a.service }

// Run serves HTTP, preloads configured models and sweeps idle conversations
// until ctx is cancelled or the server fails. A cancelled ctx is not an
// error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	if t := a.cfg.Server.TLS; t != nil {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: load tls certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}

	go a.preload(ctx)
	if idle := a.cfg.Sessions.IdleTimeout; idle > 0 {
		go a.store.Run(ctx, a.cfg.Sessions.SweepInterval, idle)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) preload(ctx context.Context) {
	tags := a.cfg.Sessions.Preload
	if len(tags) > 0 {
		slog.Info("app: preloading models", "languages", tags)
	}
	if err := a.service.Preload(ctx, tags); err != nil {
		slog.Warn("app: preload finished with errors", "err", err)
		return
	}
	if len(tags) > 0 {
		slog.Info("app: preload complete", "loaded", a.service.Loaded())
	}
}

// ApplyConfig applies the hot-reloadable part of a config change: the
// language table and the log level. It is meant as a [config.Watcher]
// callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.LanguagesChanged() {
		a.registry.SetPaths(new.ModelPaths())
		for _, c := range d.LanguageChanges {
			switch {
			case c.Added:
				slog.Info("app: language added", "language", c.Tag, "path", c.NewPath)
			case c.Removed:
				slog.Info("app: language removed", "language", c.Tag)
			default:
				slog.Info("app: language model path changed; applies once not loaded",
					"language", c.Tag, "old", c.OldPath, "new", c.NewPath)
			}
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to apply", "fields", d.RestartRequired)
	}
}

// Shutdown stops accepting requests, then closes every conversation and
// model, then runs registered closers. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "sessions", a.service.Sessions(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("app: http shutdown error", "err", err)
		}
		if err := a.service.Shutdown(); err != nil {
			slog.Warn("app: service shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config level to a slog level. Unknown levels map to
// info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
