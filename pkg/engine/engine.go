// Package engine defines the contract a speech decoding engine must satisfy to
// be driven by the recognition broker.
//
// An Engine loads heavyweight, immutable Models from a resource path. A Model
// is shared by every Session of its language; each Session carries the
// mutable streaming state of one conversation. Endpointing (deciding where an
// utterance ends) is entirely the engine's responsibility: Feed reports
// whether the chunk just consumed completed an utterance.
//
// Sessions are NOT required to be safe for concurrent use. The broker
// serialises every call on a Session.
package engine

import "errors"

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("engine: session is closed")

// Engine loads models. Implementations must be safe for concurrent use;
// Load may be called concurrently for different paths.
type Engine interface {
	// Name identifies the engine in logs and metrics (e.g. "vosk").
	Name() string

	// Load reads the model at path for the normalized language. Engines with
	// single-language models may ignore language. Load may block for several
	// seconds.
	Load(language, path string) (Model, error)
}

// ResourceChecker is optionally implemented by an Engine whose resource paths
// are not plain filesystem paths (for example remote model identifiers).
// Engines that do not implement it get an os.Stat existence check.
type ResourceChecker interface {
	// CheckResource returns an error wrapping fs.ErrNotExist when path does
	// not name a usable resource.
	CheckResource(path string) error
}

// Model is a loaded, read-only decoding resource. Safe for concurrent use.
type Model interface {
	// NewSession creates streaming state bound to this model for 16-bit
	// little-endian mono PCM at sampleRate Hz.
	NewSession(sampleRate int) (Session, error)

	// Close releases the model. Only called at process shutdown.
	Close() error
}

// Session is the streaming recognition state of one conversation.
type Session interface {
	// Feed consumes raw PCM16LE samples and reports whether they completed an
	// utterance. After a true return FinalText holds the transcript.
	Feed(pcm []byte) (complete bool, err error)

	// PartialText returns the current, revisable hypothesis of the utterance
	// in progress.
	PartialText() string

	// FinalText returns the transcript of the utterance completed by the most
	// recent Feed.
	FinalText() string

	// Flush forces an endpoint and returns the pending transcript, which may
	// be empty. The session is ready for a new utterance afterwards.
	Flush() (string, error)

	// Reset discards all accumulated state without producing a transcript.
	Reset() error

	// Close releases the session's resources. Calling Close more than once is
	// safe.
	Close() error
}
