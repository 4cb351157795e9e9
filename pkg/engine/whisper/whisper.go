// Package whisper provides engines backed by whisper.cpp.
//
// whisper.cpp is a batch (non-streaming) transcription engine, so both
// engines here pair it with energy-based endpointing from package segment:
// incoming PCM is buffered, and an utterance is submitted for inference once
// enough trailing silence is observed. Optional partial hypotheses are
// produced by re-transcribing the growing buffer every PartialStrideMs.
//
// NativeEngine links whisper.cpp through its CGO bindings and loads GGML model
// files from disk. ServerEngine talks to a running whisper-server over HTTP
// and treats the per-language resource path as the server-side model name.
package whisper

import (
	"github.com/MrWong99/livescribe/pkg/engine/segment"
)

// Option is a functional option shared by NativeEngine and ServerEngine.
type Option func(*options)

type options struct {
	segment  segment.Config
	strideMs int
}

// WithSilenceThresholdMs sets the consecutive-silence duration (ms) that
// completes an utterance. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(o *options) { o.segment.SilenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum buffered speech (ms) before an
// utterance boundary is forced. Defaults to 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(o *options) { o.segment.MaxBufferDurationMs = ms }
}

// WithRMSThreshold sets the RMS energy below which audio counts as silence.
func WithRMSThreshold(rms float64) Option {
	return func(o *options) { o.segment.RMSThreshold = rms }
}

// WithPartialStrideMs enables partial hypotheses every ms of new speech.
// Zero (the default) disables them.
func WithPartialStrideMs(ms int) Option {
	return func(o *options) { o.strideMs = ms }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) sessionConfig(sampleRate int) segment.SessionConfig {
	cfg := o.segment
	cfg.SampleRate = sampleRate
	return segment.SessionConfig{Segmenter: cfg, PartialStrideMs: o.strideMs}
}
