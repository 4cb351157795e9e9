package segment

import (
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine"
)

// Transcriber runs batch inference on one utterance of PCM16LE audio.
type Transcriber func(pcm []byte) (string, error)

// SessionConfig configures a Session.
type SessionConfig struct {
	Segmenter Config

	// PartialStrideMs enables partial hypotheses: whenever at least this much
	// speech has been buffered since the last partial, the buffer is
	// transcribed again. Zero disables partials.
	PartialStrideMs int
}

// Session adapts a Segmenter and a Transcriber to engine.Session.
type Session struct {
	seg        *Segmenter
	transcribe Transcriber
	sampleRate int
	strideMs   int

	partial        string
	partialAtBytes int
	final          string
	closed         bool
}

// NewSession returns a Session that transcribes completed utterances with fn.
func NewSession(cfg SessionConfig, fn Transcriber) *Session {
	seg := New(cfg.Segmenter)
	return &Session{
		seg:        seg,
		transcribe: fn,
		sampleRate: seg.cfg.SampleRate,
		strideMs:   cfg.PartialStrideMs,
	}
}

// Feed implements engine.Session.
func (s *Session) Feed(pcm []byte) (bool, error) {
	if s.closed {
		return false, engine.ErrClosed
	}
	if !s.seg.Push(pcm) {
		return false, s.maybePartial()
	}
	text, err := s.flush()
	if err != nil {
		return false, err
	}
	s.final = text
	return true, nil
}

func (s *Session) maybePartial() error {
	if s.strideMs <= 0 || !s.seg.HasSpeech() {
		return nil
	}
	buf := s.seg.Buffered()
	if audio.DurationMs(buf[s.partialAtBytes:], s.sampleRate) < s.strideMs {
		return nil
	}
	text, err := s.transcribe(buf)
	if err != nil {
		return err
	}
	s.partial = text
	s.partialAtBytes = len(buf)
	return nil
}

func (s *Session) flush() (string, error) {
	pcm := s.seg.Take()
	s.partial = ""
	s.partialAtBytes = 0
	if pcm == nil {
		return "", nil
	}
	return s.transcribe(pcm)
}

// PartialText implements engine.Session.
func (s *Session) PartialText() string { return s.partial }

// FinalText implements engine.Session.
func (s *Session) FinalText() string { return s.final }

// Flush transcribes whatever speech is buffered.
func (s *Session) Flush() (string, error) {
	if s.closed {
		return "", engine.ErrClosed
	}
	return s.flush()
}

// Reset implements engine.Session.
func (s *Session) Reset() error {
	if s.closed {
		return engine.ErrClosed
	}
	s.seg.Clear()
	s.partial = ""
	s.partialAtBytes = 0
	s.final = ""
	return nil
}

// Close implements engine.Session.
func (s *Session) Close() error {
	s.closed = true
	s.seg.Clear()
	return nil
}

var _ engine.Session = (*Session)(nil)
