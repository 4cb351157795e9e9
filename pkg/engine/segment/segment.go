// Package segment provides energy-based endpointing for batch transcription
// engines (whisper.cpp, hosted transcription APIs) that cannot detect
// utterance boundaries themselves.
//
// A Segmenter buffers incoming PCM16LE audio, tracks consecutive silence with
// an RMS threshold, and declares an utterance complete once enough silence
// follows speech, or once the buffer reaches its maximum duration. Session
// wraps a Segmenter and a Transcriber into an engine.Session.
package segment

import (
	"github.com/MrWong99/livescribe/pkg/audio"
)

const (
	// DefaultRMSThreshold is the RMS energy (in 16-bit sample units) below
	// which audio counts as silence. 32 767 is full scale; 300 is near-silence.
	DefaultRMSThreshold = 300.0

	DefaultSilenceThresholdMs  = 500
	DefaultMaxBufferDurationMs = 10_000
)

// Config tunes a Segmenter. Zero values select the package defaults.
type Config struct {
	SampleRate          int
	RMSThreshold        float64
	SilenceThresholdMs  int
	MaxBufferDurationMs int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = DefaultRMSThreshold
	}
	if c.SilenceThresholdMs <= 0 {
		c.SilenceThresholdMs = DefaultSilenceThresholdMs
	}
	if c.MaxBufferDurationMs <= 0 {
		c.MaxBufferDurationMs = DefaultMaxBufferDurationMs
	}
	return c
}

// Segmenter accumulates speech audio and detects utterance boundaries. Not
// safe for concurrent use.
type Segmenter struct {
	cfg            Config
	maxBufferBytes int

	buffer    []byte
	hadSpeech bool
	silenceMs int
}

// New creates a Segmenter.
func New(cfg Config) *Segmenter {
	cfg = cfg.withDefaults()
	bytesPerMs := cfg.SampleRate * (audio.BitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	return &Segmenter{
		cfg:            cfg,
		maxBufferBytes: cfg.MaxBufferDurationMs * bytesPerMs,
	}
}

// Push adds a chunk and reports whether the buffered speech now forms a
// complete utterance. Leading silence is dropped.
func (s *Segmenter) Push(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}
	if audio.RMS(chunk) < s.cfg.RMSThreshold {
		if !s.hadSpeech {
			return false
		}
		s.silenceMs += audio.DurationMs(chunk, s.cfg.SampleRate)
		s.buffer = append(s.buffer, chunk...)
		return s.silenceMs >= s.cfg.SilenceThresholdMs
	}
	s.hadSpeech = true
	s.silenceMs = 0
	s.buffer = append(s.buffer, chunk...)
	return s.maxBufferBytes > 0 && len(s.buffer) >= s.maxBufferBytes
}

// Buffered returns the audio accumulated for the current utterance. The
// slice is owned by the Segmenter until the next Take or Clear.
func (s *Segmenter) Buffered() []byte { return s.buffer }

// HasSpeech reports whether any chunk above the threshold arrived since the
// last boundary.
func (s *Segmenter) HasSpeech() bool { return s.hadSpeech }

// Take returns the buffered utterance, or nil if it holds no speech, and
// clears the segmenter.
func (s *Segmenter) Take() []byte {
	pcm := s.buffer
	speech := s.hadSpeech
	s.Clear()
	if !speech {
		return nil
	}
	return pcm
}

// Clear drops all buffered audio.
func (s *Segmenter) Clear() {
	s.buffer = nil
	s.hadSpeech = false
	s.silenceMs = 0
}
