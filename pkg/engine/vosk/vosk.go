// Package vosk provides an engine backed by the Vosk offline recognizer
// (libvosk via CGO). The shared library and vosk_api.h must be available at
// build time through CGO_CFLAGS / CGO_LDFLAGS.
//
// Vosk is a true streaming decoder: it performs its own endpointing and
// reports partial hypotheses for every chunk, so sessions map one-to-one onto
// Vosk recognizers.
package vosk

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	voskapi "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/livescribe/pkg/engine"
)

// Engine implements engine.Engine for Vosk models (model directories as
// published at https://alphacephei.com/vosk/models).
type Engine struct {
	logLevel int
	setLog   sync.Once
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogLevel sets the libvosk log level (-1 silences Kaldi output, 0 is the
// library default). Defaults to -1.
func WithLogLevel(level int) Option {
	return func(e *Engine) { e.logLevel = level }
}

// New returns a Vosk Engine.
func New(opts ...Option) *Engine {
	e := &Engine{logLevel: -1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "vosk" }

// Load reads the Vosk model directory at path. Vosk models are
// single-language, so language is only logged.
func (e *Engine) Load(language, path string) (engine.Model, error) {
	e.setLog.Do(func() { voskapi.SetLogLevel(e.logLevel) })

	m, err := voskapi.NewModel(path)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", path, err)
	}
	slog.Debug("vosk model loaded", "language", language, "path", path)
	return &model{m: m}, nil
}

var _ engine.Engine = (*Engine)(nil)

type model struct {
	m *voskapi.VoskModel
}

func (m *model) NewSession(sampleRate int) (engine.Session, error) {
	rec, err := voskapi.NewRecognizer(m.m, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("vosk: create recognizer at %d Hz: %w", sampleRate, err)
	}
	return &session{rec: rec}, nil
}

func (m *model) Close() error {
	m.m.Free()
	return nil
}

// session wraps one VoskRecognizer. Recognizers are not thread-safe; the
// broker serialises all calls.
type session struct {
	rec   *voskapi.VoskRecognizer
	final string
}

// result mirrors the JSON documents returned by the recognizer. Result and
// FinalResult fill Text; PartialResult fills Partial.
type result struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func parse(raw string) (result, error) {
	var r result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return result{}, fmt.Errorf("vosk: decode result %q: %w", raw, err)
	}
	r.Text = strings.TrimSpace(r.Text)
	r.Partial = strings.TrimSpace(r.Partial)
	return r, nil
}

func (s *session) Feed(pcm []byte) (bool, error) {
	if s.rec == nil {
		return false, engine.ErrClosed
	}
	switch s.rec.AcceptWaveform(pcm) {
	case 1:
		r, err := parse(s.rec.Result())
		if err != nil {
			return false, err
		}
		s.final = r.Text
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk: recognizer rejected %d bytes", len(pcm))
	}
}

func (s *session) PartialText() string {
	if s.rec == nil {
		return ""
	}
	r, err := parse(s.rec.PartialResult())
	if err != nil {
		slog.Warn("vosk: unreadable partial result", "err", err)
		return ""
	}
	return r.Partial
}

func (s *session) FinalText() string { return s.final }

func (s *session) Flush() (string, error) {
	if s.rec == nil {
		return "", engine.ErrClosed
	}
	r, err := parse(s.rec.FinalResult())
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

func (s *session) Reset() error {
	if s.rec == nil {
		return engine.ErrClosed
	}
	s.rec.Reset()
	s.final = ""
	return nil
}

func (s *session) Close() error {
	if s.rec != nil {
		s.rec.Free()
		s.rec = nil
	}
	return nil
}

var _ engine.Session = (*session)(nil)
