// Package openai provides a transcription engine backed by the OpenAI audio
// transcription API (or any server exposing a compatible
// /audio/transcriptions endpoint).
//
// The API is request/response, so utterances are cut locally with package
// segment and each one is uploaded as a WAV file. The per-language resource
// path is interpreted as the transcription model name.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine"
	"github.com/MrWong99/livescribe/pkg/engine/segment"
)

// DefaultModel is used when a language is configured without a model name.
const DefaultModel = oai.AudioModelWhisper1

const defaultTimeout = 30 * time.Second

var (
	_ engine.Engine          = (*Engine)(nil)
	_ engine.ResourceChecker = (*Engine)(nil)
)

// Engine implements engine.Engine using the OpenAI transcription API.
type Engine struct {
	client  oai.Client
	cfg     config
	timeout time.Duration
}

type config struct {
	baseURL      string
	organization string
	prompt       string
	timeout      time.Duration
	maxRetries   int
	segment      segment.Config
	strideMs     int
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithPrompt sets a prompt sent with every upload to bias vocabulary.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.prompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how many times a failed upload is retried by the
// client. Negative values keep the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithSegmenter sets the endpointing parameters used to cut utterances.
func WithSegmenter(cfg segment.Config) Option {
	return func(c *config) { c.segment = cfg }
}

// WithPartialStrideMs enables partial hypotheses every ms of new speech.
// Each partial costs one extra API call.
func WithPartialStrideMs(ms int) Option {
	return func(c *config) { c.strideMs = ms }
}

// New constructs an Engine.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := config{maxRetries: -1}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}
	timeout := cfg.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: timeout}))

	return &Engine{client: oai.NewClient(reqOpts...), cfg: cfg, timeout: timeout}, nil
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "openai" }

// CheckResource accepts any model name; the API rejects unknown models on
// first use.
func (e *Engine) CheckResource(string) error { return nil }

// Load binds language to the model named by path.
func (e *Engine) Load(language, path string) (engine.Model, error) {
	model := strings.TrimSpace(path)
	if model == "" {
		model = DefaultModel
	}
	return &transcriptionModel{engine: e, language: language, model: model}, nil
}

type transcriptionModel struct {
	engine   *Engine
	language string
	model    string
}

func (m *transcriptionModel) NewSession(sampleRate int) (engine.Session, error) {
	seg := m.engine.cfg.segment
	seg.SampleRate = sampleRate
	cfg := segment.SessionConfig{Segmenter: seg, PartialStrideMs: m.engine.cfg.strideMs}
	return segment.NewSession(cfg, func(pcm []byte) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), m.engine.timeout)
		defer cancel()
		return m.transcribe(ctx, pcm, sampleRate)
	}), nil
}

func (m *transcriptionModel) Close() error { return nil }

func (m *transcriptionModel) transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.EncodeWAV(pcm, sampleRate)), "audio.wav", "audio/wav"),
		Model: m.model,
	}
	if m.language != "" {
		params.Language = oai.String(m.language)
	}
	if m.engine.cfg.prompt != "" {
		params.Prompt = oai.String(m.engine.cfg.prompt)
	}
	resp, err := m.engine.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
