// This file contains the NativeEngine backed by the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine"
	"github.com/MrWong99/livescribe/pkg/engine/segment"
)

// NativeEngine loads GGML whisper models in-process.
type NativeEngine struct {
	opts options
}

// NewNative returns a NativeEngine.
func NewNative(opts ...Option) *NativeEngine {
	return &NativeEngine{opts: buildOptions(opts)}
}

// Name implements engine.Engine.
func (e *NativeEngine) Name() string { return "whisper-native" }

// Load reads the model file at path. The model is shared by every session of
// language; each inference creates its own whisper context.
func (e *NativeEngine) Load(language, path string) (engine.Model, error) {
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	return &nativeModel{model: m, language: language, opts: e.opts}, nil
}

var _ engine.Engine = (*NativeEngine)(nil)

type nativeModel struct {
	model    whisperlib.Model
	language string
	opts     options
}

func (m *nativeModel) NewSession(sampleRate int) (engine.Session, error) {
	return segment.NewSession(m.opts.sessionConfig(sampleRate), m.infer), nil
}

func (m *nativeModel) Close() error {
	return m.model.Close()
}

// infer runs whisper.cpp on one utterance using a fresh context. Contexts are
// not thread-safe, but the model can be shared across goroutines.
func (m *nativeModel) infer(pcm []byte) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if m.language != "" {
		if err := wctx.SetLanguage(m.language); err != nil {
			slog.Warn("whisper: failed to set language, using default", "language", m.language, "err", err)
		}
	}

	if err := wctx.Process(audio.ToFloat32(pcm), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
