// Package recognition implements the broker's operations (initialize,
// process, finalize, reset, close, health) on top of the model registry and
// the session store.
//
// A [Service] is transport-agnostic: the gateway decodes requests into the
// types below and translates returned [speech.Error] kinds into statuses.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/registry"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/speech"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine"
)

// Operation statuses reported in [StatusResult].
const (
	StatusInitialized = "initialized"
	StatusReset       = "reset"
	StatusClosed      = "closed"
	StatusNotFound    = "not_found"
)

// StatusResult is returned by Initialize, Reset and Close.
type StatusResult struct {
	Status    string `json:"status"`
	Language  string `json:"language"`
	SessionID string `json:"session_id,omitempty"`
}

// ProcessRequest carries one audio chunk.
type ProcessRequest struct {
	Language  string
	SessionID string

	// Chunk is the base64 transport payload.
	Chunk string

	// SampleRate is the rate the caller recorded at. Zero means the
	// service rate.
	SampleRate int

	// Encoding names the format under the base64 layer. Empty means PCM16LE.
	Encoding string
}

// Health is the liveness payload.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Service is the recognition façade. All methods are safe for concurrent use.
type Service struct {
	registry    *registry.Registry
	store       *session.Store
	metrics     *observe.Metrics
	serviceName string
	sampleRate  int
	decoders    map[audio.Encoding]audio.DecoderFactory

	ready atomic.Bool
}

// Option is a functional option for [New].
type Option func(*Service)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithServiceName sets the name reported by Health.
func WithServiceName(name string) Option {
	return func(s *Service) { s.serviceName = name }
}

// WithSampleRate sets the rate engine sessions are created with.
func WithSampleRate(hz int) Option {
	return func(s *Service) { s.sampleRate = hz }
}

// WithDecoder enables an additional chunk encoding.
func WithDecoder(enc audio.Encoding, factory audio.DecoderFactory) Option {
	return func(s *Service) { s.decoders[enc] = factory }
}

// New returns a Service over reg and store.
func New(reg *registry.Registry, store *session.Store, opts ...Option) *Service {
	s := &Service{
		registry:    reg,
		store:       store,
		serviceName: "livescribe-stt",
		sampleRate:  audio.DefaultSampleRate,
		decoders: map[audio.Encoding]audio.DecoderFactory{
			audio.EncodingPCM16LE: audio.NewPCM16Decoder,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Health reports liveness. It never fails.
func (s *Service) Health() Health {
	return Health{Status: "ok", Service: s.serviceName}
}

// SampleRate returns the rate sessions are created with.
func (s *Service) SampleRate() int { return s.sampleRate }

// Ready reports whether startup preloading has finished.
func (s *Service) Ready() bool { return s.ready.Load() }

// MarkReady flags the service ready without preloading.
func (s *Service) MarkReady() { s.ready.Store(true) }

// Preload loads tags and then marks the service ready, even if some loads
// failed; failures are returned for logging.
func (s *Service) Preload(ctx context.Context, tags []string) error {
	defer s.ready.Store(true)
	if len(tags) == 0 {
		return nil
	}
	return s.registry.Preload(ctx, tags)
}

// Loaded returns the languages with a resident model.
func (s *Service) Loaded() []string { return s.registry.Loaded() }

// Sessions returns the number of live conversations.
func (s *Service) Sessions() int { return s.store.Len() }

// Initialize loads the language model if needed and creates the
// conversation if absent.
func (s *Service) Initialize(ctx context.Context, language, sessionID string) (StatusResult, error) {
	lang := speech.Normalize(language)
	var out StatusResult
	err := s.observe(ctx, "initialize", lang, func(ctx context.Context) error {
		h, err := s.registry.EnsureLoaded(ctx, lang)
		if err != nil {
			return err
		}
		key := session.Key{Language: lang, ID: sessionID}
		if err := s.store.Do(key, s.creator(h), func(*session.Conversation) error { return nil }); err != nil {
			return err
		}
		out = StatusResult{Status: StatusInitialized, Language: lang, SessionID: sessionID}
		return nil
	})
	return out, err
}

// Process decodes one chunk and feeds it to the conversation's state
// machine. The language must have been initialized; the conversation itself
// is created on first use.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (speech.Result, error) {
	lang := speech.Normalize(req.Language)
	var out speech.Result
	err := s.observe(ctx, "process", lang, func(ctx context.Context) error {
		h, err := s.registry.Lookup(ctx, lang)
		if err != nil {
			return err
		}

		enc, err := audio.ParseEncoding(req.Encoding)
		if err != nil {
			return speech.Errorf(speech.KindMalformedAudioEncoding, lang, err, "unsupported chunk encoding")
		}
		factory, ok := s.decoders[enc]
		if !ok {
			return speech.Errorf(speech.KindMalformedAudioEncoding, lang, audio.ErrUnsupportedEncoding,
				"encoding %q is not enabled", enc)
		}
		if err := audio.CheckSampleRate(req.SampleRate, s.sampleRate); err != nil {
			return codecErr(lang, err)
		}
		payload, err := audio.DecodeTransport(req.Chunk)
		if err != nil {
			return codecErr(lang, err)
		}

		key := session.Key{Language: lang, ID: req.SessionID}
		return s.store.Do(key, s.creator(h), func(c *session.Conversation) error {
			dec, err := c.Decoder(enc, factory)
			if err != nil {
				return speech.Errorf(speech.KindEngineFailure, lang, err, "create %s decoder", enc)
			}
			pcm, err := dec.Decode(payload)
			if err != nil {
				return codecErr(lang, err)
			}

			start := time.Now()
			res, err := c.Machine.Feed(pcm)
			s.metrics.RecordTransition(ctx, "process", time.Since(start).Seconds())
			if err != nil {
				return err
			}
			s.metrics.RecordAudio(ctx, lang, len(pcm))
			if res.Text != "" {
				s.metrics.RecordTranscript(ctx, lang, res.IsFinal)
			}
			out = res
			return nil
		})
	})
	return out, err
}

// Finalize forces an utterance boundary and returns the pending transcript
// as a final result, possibly empty.
func (s *Service) Finalize(ctx context.Context, language, sessionID string) (speech.Result, error) {
	lang := speech.Normalize(language)
	var out speech.Result
	err := s.observe(ctx, "finalize", lang, func(ctx context.Context) error {
		h, err := s.registry.Lookup(ctx, lang)
		if err != nil {
			return err
		}
		key := session.Key{Language: lang, ID: sessionID}
		return s.store.Do(key, s.creator(h), func(c *session.Conversation) error {
			start := time.Now()
			res, err := c.Machine.Finalize()
			s.metrics.RecordTransition(ctx, "finalize", time.Since(start).Seconds())
			if err != nil {
				return err
			}
			if res.Text != "" {
				s.metrics.RecordTranscript(ctx, lang, true)
			}
			out = res
			return nil
		})
	})
	return out, err
}

// Reset discards the conversation's pending audio. A conversation that does
// not exist reports StatusNotFound and is not an error.
func (s *Service) Reset(ctx context.Context, language, sessionID string) (StatusResult, error) {
	lang := speech.Normalize(language)
	out := StatusResult{Status: StatusReset, Language: lang, SessionID: sessionID}
	err := s.observe(ctx, "reset", lang, func(ctx context.Context) error {
		start := time.Now()
		err := s.store.Reset(session.Key{Language: lang, ID: sessionID})
		s.metrics.RecordTransition(ctx, "reset", time.Since(start).Seconds())
		if errors.Is(err, session.ErrNotFound) {
			out.Status = StatusNotFound
			return nil
		}
		return err
	})
	if err != nil {
		return StatusResult{}, err
	}
	return out, nil
}

// Close ends a conversation and releases its engine session. The model
// stays loaded.
func (s *Service) Close(ctx context.Context, language, sessionID string) (StatusResult, error) {
	lang := speech.Normalize(language)
	out := StatusResult{Status: StatusClosed, Language: lang, SessionID: sessionID}
	err := s.observe(ctx, "close", lang, func(context.Context) error {
		err := s.store.Close(session.Key{Language: lang, ID: sessionID})
		if errors.Is(err, session.ErrNotFound) {
			out.Status = StatusNotFound
			return nil
		}
		if err != nil {
			return speech.Errorf(speech.KindEngineFailure, lang, err, "close session")
		}
		return nil
	})
	if err != nil {
		return StatusResult{}, err
	}
	return out, nil
}

// Shutdown stops new conversations, closes the existing ones and then
// every model.
func (s *Service) Shutdown() error {
	s.ready.Store(false)
	s.registry.Seal()
	return errors.Join(s.store.CloseAll(), s.registry.Close())
}

// creator builds conversations bound to h's model. It fails once the
// registry is sealed.
func (s *Service) creator(h *registry.Handle) session.CreateFunc {
	return func(key session.Key) (*session.Conversation, error) {
		var sess engine.Session
		err := s.registry.Use(h, func(m engine.Model) error {
			var err error
			sess, err = m.NewSession(s.sampleRate)
			if err != nil {
				return speech.Errorf(speech.KindEngineFailure, key.Language, err, "create recognizer session")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return session.NewConversation(key, s.sampleRate, session.NewMachine(key.Language, sess)), nil
	}
}

// observe wraps one operation in a span, request/error counters and a
// debug log line.
func (s *Service) observe(ctx context.Context, op, lang string, fn func(context.Context) error) error {
	ctx, span := observe.StartOp(ctx, "recognition", op, lang)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		kind := speech.KindOf(err)
		observe.Fail(span, err, kind.String())
		s.metrics.RecordRequest(ctx, op, lang, "error")
		s.metrics.RecordError(ctx, op, kind.String())
		observe.Logger(ctx).Debug(fmt.Sprintf("recognition: %s failed", op),
			"language", lang, "kind", kind.String(), "err", err)
		return err
	}
	s.metrics.RecordRequest(ctx, op, lang, "ok")
	observe.Logger(ctx).Debug(fmt.Sprintf("recognition: %s", op),
		"language", lang, "duration", time.Since(start))
	return nil
}

// codecErr classifies a chunk codec failure.
func codecErr(lang string, err error) error {
	if errors.Is(err, audio.ErrSampleRateMismatch) {
		return speech.Errorf(speech.KindSampleRateMismatch, lang, err, "sample rate mismatch")
	}
	return speech.Errorf(speech.KindMalformedAudioEncoding, lang, err, "malformed audio chunk")
}
