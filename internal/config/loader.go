package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livescribe/internal/speech"
)

// ValidEngineNames lists the engines wired into the livescribe binary.
// Used by [Validate] to warn about unrecognised engine names.
var ValidEngineNames = []string{EngineVosk, EngineWhisper, EngineWhisperServer, EngineOpenAI}

// LookupFunc reads an environment variable. It has the signature of
// [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// Environment variables that override individual fields.
const (
	EnvListenAddr   = "LIVESCRIBE_LISTEN_ADDR"
	EnvLogLevel     = "LIVESCRIBE_LOG_LEVEL"
	EnvEngine       = "LIVESCRIBE_ENGINE"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// EnvModelPrefix followed by the upper-cased language tag overrides that
	// language's model path (e.g. LIVESCRIBE_MODEL_RU).
	EnvModelPrefix = "LIVESCRIBE_MODEL_"
)

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup LookupFunc
}

// WithLookup replaces [os.LookupEnv] as the source of environment overrides.
func WithLookup(fn LookupFunc) LoadOption {
	return func(o *loadOptions) { o.lookup = fn }
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// An empty path yields the defaults with environment overrides applied.
func Load(path string, opts ...LoadOption) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""), opts...)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, applies
// environment overrides and validates the result. Empty input is valid.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := normalizeLanguages(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	ApplyEnv(cfg, o.lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalizeLanguages rekeys the language table by normalized tag.
func normalizeLanguages(cfg *Config) error {
	if len(cfg.Languages) == 0 {
		return nil
	}
	out := make(map[string]LanguageConfig, len(cfg.Languages))
	var errs []error
	for _, tag := range slices.Sorted(maps.Keys(cfg.Languages)) {
		norm := speech.Normalize(tag)
		if norm == "" {
			errs = append(errs, fmt.Errorf("languages: tag %q is empty after normalization", tag))
			continue
		}
		if _, dup := out[norm]; dup {
			errs = append(errs, fmt.Errorf("languages: tag %q is a duplicate of %q", tag, norm))
			continue
		}
		out[norm] = cfg.Languages[tag]
	}
	cfg.Languages = out
	return errors.Join(errs...)
}

// ApplyEnv overrides fields from the environment. A language's own env
// variable takes precedence over LIVESCRIBE_MODEL_<TAG>.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if lookup == nil {
		return
	}
	if v, ok := nonEmpty(lookup, EnvListenAddr); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := nonEmpty(lookup, EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := nonEmpty(lookup, EnvEngine); ok {
		cfg.Engine.Name = v
	}
	if v, ok := nonEmpty(lookup, EnvOpenAIAPIKey); ok && cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = v
	}
	for tag, lc := range cfg.Languages {
		if v, ok := nonEmpty(lookup, EnvModelPrefix+strings.ToUpper(tag)); ok {
			lc.ModelPath = v
		}
		if lc.Env != "" {
			if v, ok := nonEmpty(lookup, lc.Env); ok {
				lc.ModelPath = v
			}
		}
		cfg.Languages[tag] = lc
	}
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// ModelPaths returns the normalized language → model path table.
func (c *Config) ModelPaths() map[string]string {
	out := make(map[string]string, len(c.Languages))
	for tag, lc := range c.Languages {
		out[tag] = lc.ModelPath
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for _, p := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(strings.ToLower(p), ""); err != nil || strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins pattern %q is malformed", p))
		}
	}

	// Engine
	validateEngineName(cfg.Engine.Name)
	if cfg.Engine.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("engine.sample_rate %d must be positive", cfg.Engine.SampleRate))
	}
	switch cfg.Engine.Name {
	case EngineWhisperServer:
		if cfg.Engine.ServerURL == "" {
			errs = append(errs, fmt.Errorf("engine %q requires engine.server_url", cfg.Engine.Name))
		}
	case EngineOpenAI:
		if cfg.Engine.APIKey == "" {
			errs = append(errs, fmt.Errorf("engine %q requires engine.api_key or %s", cfg.Engine.Name, EnvOpenAIAPIKey))
		}
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"silence_threshold_ms", cfg.Engine.SilenceThresholdMs},
		{"max_utterance_ms", cfg.Engine.MaxUtteranceMs},
		{"partial_stride_ms", cfg.Engine.PartialStrideMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("engine.%s %d must not be negative", f.name, f.v))
		}
	}

	// Languages. Remote engines accept an empty path and use their default model.
	remote := cfg.Engine.Name == EngineOpenAI
	for _, tag := range slices.Sorted(maps.Keys(cfg.Languages)) {
		if cfg.Languages[tag].ModelPath == "" && !remote {
			errs = append(errs, fmt.Errorf("languages.%s.model_path is required", tag))
		}
	}

	// Sessions
	if cfg.Sessions.IdleTimeout > 0 && cfg.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("sessions.sweep_interval must be positive when idle_timeout is set"))
	}
	if cfg.Sessions.PreloadConcurrency < 0 {
		errs = append(errs, fmt.Errorf("sessions.preload_concurrency %d must not be negative", cfg.Sessions.PreloadConcurrency))
	}
	for i, tag := range cfg.Sessions.Preload {
		if _, ok := cfg.Languages[speech.Normalize(tag)]; !ok {
			errs = append(errs, fmt.Errorf("sessions.preload[%d] %q is not a configured language", i, tag))
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.MaxResetTimeout < cfg.Resilience.ResetTimeout {
		errs = append(errs, fmt.Errorf("resilience.max_reset_timeout %s must not be below reset_timeout %s",
			cfg.Resilience.MaxResetTimeout, cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateEngineName logs a warning if name is not one of [ValidEngineNames].
func validateEngineName(name string) {
	if slices.Contains(ValidEngineNames, name) {
		return
	}
	slog.Warn("config: unknown engine name, may be a typo or a third-party engine",
		"name", name,
		"known", ValidEngineNames,
	)
}
