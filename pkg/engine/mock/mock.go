// Package mock provides test doubles for the engine package interfaces.
//
// Engine hands out Models whose Sessions are driven by a Script: a function
// that decides, per fed chunk, whether the chunk completes an utterance and
// what the partial and final texts are. The default script treats a chunk as
// completing an utterance when its first sample byte is 0xFF and reports the
// number of bytes accumulated so far as the partial text.
//
// Example:
//
//	eng := &mock.Engine{LoadDelay: 50 * time.Millisecond}
//	model, _ := eng.Load("en", "/models/en")
//	sess, _ := model.NewSession(16000)
package mock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livescribe/pkg/engine"
)

// EndMarker is the first byte of a chunk that completes an utterance under
// the default script.
const EndMarker = 0xFF

// Script decides the outcome of one Feed. buffered holds every byte fed since
// the last boundary, including chunk.
type Script func(buffered, chunk []byte) (complete bool, partial, final string)

// DefaultScript is used when Engine.Script is nil.
func DefaultScript(buffered, chunk []byte) (bool, string, string) {
	text := fmt.Sprintf("%d bytes", len(buffered))
	if len(chunk) > 0 && chunk[0] == EndMarker {
		return true, "", text
	}
	return false, text, ""
}

// Engine is a mock implementation of engine.Engine.
type Engine struct {
	// LoadDelay makes every Load block for the given duration.
	LoadDelay time.Duration

	// LoadErr, if non-nil, is returned by Load.
	LoadErr error

	// LoadHook, if set, runs inside Load before LoadErr is consulted. Tests
	// use it to block the load of one language.
	LoadHook func(language, path string)

	// NewSessionErr, if non-nil, is returned by Model.NewSession.
	NewSessionErr error

	// FeedErr, if non-nil, is returned by Session.Feed.
	FeedErr error

	// Script drives session behaviour. Defaults to DefaultScript.
	Script Script

	// FeedDelay makes every Feed block for the given duration, which widens
	// race windows in concurrency tests.
	FeedDelay time.Duration

	mu        sync.Mutex
	loads     []string
	loadCount atomic.Int32
	inFeed    atomic.Int32
	maxInFeed atomic.Int32
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "mock" }

// Load records the call, sleeps LoadDelay, and returns a new Model.
func (e *Engine) Load(language, path string) (engine.Model, error) {
	e.loadCount.Add(1)
	e.mu.Lock()
	e.loads = append(e.loads, path)
	e.mu.Unlock()

	if e.LoadDelay > 0 {
		time.Sleep(e.LoadDelay)
	}
	if e.LoadHook != nil {
		e.LoadHook(language, path)
	}
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	return &Model{engine: e, Language: language, Path: path}, nil
}

// LoadCount returns how many times Load has been called.
func (e *Engine) LoadCount() int { return int(e.loadCount.Load()) }

// Loads returns a copy of the paths passed to Load, in call order.
func (e *Engine) Loads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.loads))
	copy(out, e.loads)
	return out
}

// MaxConcurrentFeeds returns the highest number of Feed calls observed running
// at the same time across all sessions of this engine.
func (e *Engine) MaxConcurrentFeeds() int { return int(e.maxInFeed.Load()) }

var _ engine.Engine = (*Engine)(nil)

// Model is a mock implementation of engine.Model.
type Model struct {
	engine *Engine

	// Language is the language the model was loaded for.
	Language string

	// Path is the resource path the model was loaded from.
	Path string

	closed atomic.Bool
}

// NewSession returns a new Session or Engine.NewSessionErr.
func (m *Model) NewSession(sampleRate int) (engine.Session, error) {
	if m.engine.NewSessionErr != nil {
		return nil, m.engine.NewSessionErr
	}
	script := m.engine.Script
	if script == nil {
		script = DefaultScript
	}
	return &Session{engine: m.engine, script: script, SampleRate: sampleRate}, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (m *Model) Closed() bool { return m.closed.Load() }

var _ engine.Model = (*Model)(nil)

// Session is a mock implementation of engine.Session. It is intentionally not
// synchronised: concurrent use shows up under the race detector.
type Session struct {
	engine *Engine
	script Script

	// SampleRate is the rate the session was created with.
	SampleRate int

	buffered []byte
	partial  string
	final    string
	closed   bool

	// Feeds counts calls to Feed; Resets and Flushes count the other
	// transitions.
	Feeds   int
	Resets  int
	Flushes int
}

// Feed implements engine.Session.
func (s *Session) Feed(pcm []byte) (bool, error) {
	if s.closed {
		return false, engine.ErrClosed
	}
	n := s.engine.inFeed.Add(1)
	defer s.engine.inFeed.Add(-1)
	for {
		cur := s.engine.maxInFeed.Load()
		if n <= cur || s.engine.maxInFeed.CompareAndSwap(cur, n) {
			break
		}
	}

	s.Feeds++
	if s.engine.FeedDelay > 0 {
		time.Sleep(s.engine.FeedDelay)
	}
	if s.engine.FeedErr != nil {
		return false, s.engine.FeedErr
	}

	s.buffered = append(s.buffered, pcm...)
	complete, partial, final := s.script(s.buffered, pcm)
	if complete {
		s.final = final
		s.partial = ""
		s.buffered = nil
		return true, nil
	}
	s.partial = partial
	return false, nil
}

// PartialText implements engine.Session.
func (s *Session) PartialText() string { return s.partial }

// FinalText implements engine.Session.
func (s *Session) FinalText() string { return s.final }

// Flush returns the pending partial as the final text and clears the buffer.
func (s *Session) Flush() (string, error) {
	if s.closed {
		return "", engine.ErrClosed
	}
	s.Flushes++
	text := s.partial
	s.partial = ""
	s.buffered = nil
	return text, nil
}

// Reset implements engine.Session.
func (s *Session) Reset() error {
	if s.closed {
		return engine.ErrClosed
	}
	s.Resets++
	s.partial = ""
	s.final = ""
	s.buffered = nil
	return nil
}

// Buffered returns the number of bytes accumulated since the last boundary.
func (s *Session) Buffered() int { return len(s.buffered) }

// Close implements engine.Session.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

var _ engine.Session = (*Session)(nil)

// ErrLoad is a convenience error for tests that need a failing engine.
var ErrLoad = errors.New("mock: load failed")
