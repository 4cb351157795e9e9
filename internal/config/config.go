// Package config provides the configuration schema, loader, engine registry
// and hot-reload watcher for the livescribe speech broker.
package config

import "time"

// LogLevel controls log verbosity for the livescribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Built-in engine names.
const (
	EngineVosk          = "vosk"
	EngineWhisper       = "whisper"
	EngineWhisperServer = "whisper-server"
	EngineOpenAI        = "openai"
)

// Config is the root configuration structure for livescribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Engine     EngineConfig              `yaml:"engine"`
	Languages  map[string]LanguageConfig `yaml:"languages"`
	Sessions   SessionsConfig            `yaml:"sessions"`
	Resilience ResilienceConfig          `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3002").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ServiceName is reported by /health and used as the telemetry service name.
	ServiceName string `yaml:"service_name"`

	// DefaultLanguage is used by WebSocket clients whose start message omits
	// a language.
	DefaultLanguage string `yaml:"default_language"`

	// AllowedOrigins lists Origin patterns accepted on the WebSocket
	// endpoint besides the server's own host. A pattern containing "://"
	// matches scheme and host (e.g. "chrome-extension://*"); otherwise it
	// matches the host only. Unset means [DefaultAllowedOrigins]; an
	// explicit empty list allows same-host origins only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// EngineConfig selects and tunes the decoding engine. The Name field is used
// to look up the constructor in the [Registry].
type EngineConfig struct {
	// Name selects the registered engine implementation (e.g., "vosk").
	Name string `yaml:"name"`

	// SampleRate is the PCM rate every session is created with.
	SampleRate int `yaml:"sample_rate"`

	// ServerURL is the base URL of a whisper.cpp server ("whisper-server").
	ServerURL string `yaml:"server_url"`

	// APIKey authenticates against hosted transcription APIs ("openai").
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the hosted API endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// SilenceThresholdMs, MaxUtteranceMs and PartialStrideMs tune endpointing
	// for batch engines that cannot detect utterance boundaries themselves.
	// Zero selects the engine default.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`
	MaxUtteranceMs     int `yaml:"max_utterance_ms"`
	PartialStrideMs    int `yaml:"partial_stride_ms"`

	// Opus enables the "opus" chunk encoding.
	Opus bool `yaml:"opus"`
}

// LanguageConfig maps one language to its model resource.
type LanguageConfig struct {
	// ModelPath is the model directory, file or remote model name.
	ModelPath string `yaml:"model_path"`

	// Env names an environment variable that overrides ModelPath when set.
	Env string `yaml:"env"`
}

// SessionsConfig controls conversation lifetimes and startup preloading.
type SessionsConfig struct {
	// IdleTimeout evicts named conversations unused for this long. A
	// negative value disables eviction.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle conversations are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Preload lists languages whose models are loaded at startup.
	Preload []string `yaml:"preload"`

	// PreloadConcurrency bounds parallel model loads during preload.
	PreloadConcurrency int `yaml:"preload_concurrency"`
}

// ResilienceConfig tunes the per-language model load circuit breaker.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive load failures that open the
	// breaker. Zero selects the breaker default.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before a probe load.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MaxResetTimeout caps the open period, which doubles after every
	// failed probe.
	MaxResetTimeout time.Duration `yaml:"max_reset_timeout"`
}

// Defaults.
const (
	DefaultListenAddr    = ":3002"
	DefaultServiceName   = "livescribe-stt"
	DefaultSampleRate    = 16000
	DefaultLanguage      = "ru-RU"
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMaxFailures   = 3
	DefaultResetTimeout  = 30 * time.Second
	DefaultMaxReset      = 5 * time.Minute
)

// DefaultAllowedOrigins admits the browser extension clients.
func DefaultAllowedOrigins() []string {
	return []string{"chrome-extension://*", "moz-extension://*"}
}

// DefaultLanguages is the language table used when the config names none.
func DefaultLanguages() map[string]LanguageConfig {
	return map[string]LanguageConfig{
		"ru": {ModelPath: "./models/vosk-model-ru-0.22", Env: "VOSK_MODEL_RU"},
		"en": {ModelPath: "./models/vosk-model-en-us-0.22", Env: "VOSK_MODEL_EN"},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ServiceName == "" {
		cfg.Server.ServiceName = DefaultServiceName
	}
	if cfg.Server.DefaultLanguage == "" {
		cfg.Server.DefaultLanguage = DefaultLanguage
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = DefaultAllowedOrigins()
	}
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = EngineVosk
	}
	if cfg.Engine.SampleRate == 0 {
		cfg.Engine.SampleRate = DefaultSampleRate
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages()
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = DefaultSweepInterval
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Resilience.MaxResetTimeout == 0 {
		cfg.Resilience.MaxResetTimeout = max(DefaultMaxReset, cfg.Resilience.ResetTimeout)
	}
}
