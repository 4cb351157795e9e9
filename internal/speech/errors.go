package speech

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that the boundary layer can map it to a
// distinct client-visible status.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in this
	// package's taxonomy.
	KindUnknown Kind = iota

	// KindUnsupportedLanguage means the normalized language has no configured
	// model resource.
	KindUnsupportedLanguage

	// KindSessionNotInitialized means an operation addressed a language whose
	// model has not been loaded.
	KindSessionNotInitialized

	// KindModelResourceMissing means the configured model path does not exist.
	KindModelResourceMissing

	// KindMalformedAudioEncoding means the transport payload could not be
	// decoded into PCM samples.
	KindMalformedAudioEncoding

	// KindSampleRateMismatch means the caller declared a sample rate other than
	// the one sessions are created with.
	KindSampleRateMismatch

	// KindEngineFailure covers every other failure surfaced by the decoding
	// engine.
	KindEngineFailure
)

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnsupportedLanguage:
		return "UnsupportedLanguage"
	case KindSessionNotInitialized:
		return "SessionNotInitialized"
	case KindModelResourceMissing:
		return "ModelResourceMissing"
	case KindMalformedAudioEncoding:
		return "MalformedAudioEncoding"
	case KindSampleRateMismatch:
		return "SampleRateMismatch"
	case KindEngineFailure:
		return "EngineFailure"
	default:
		return "Unknown"
	}
}

// Sentinels for use with errors.Is. Any *Error matches the sentinel of its
// kind.
var (
	ErrUnsupportedLanguage    = &Error{Kind: KindUnsupportedLanguage, Msg: "unsupported language"}
	ErrSessionNotInitialized  = &Error{Kind: KindSessionNotInitialized, Msg: "session not initialized"}
	ErrModelResourceMissing   = &Error{Kind: KindModelResourceMissing, Msg: "model resource missing"}
	ErrMalformedAudioEncoding = &Error{Kind: KindMalformedAudioEncoding, Msg: "malformed audio encoding"}
	ErrSampleRateMismatch     = &Error{Kind: KindSampleRateMismatch, Msg: "sample rate mismatch"}
	ErrEngineFailure          = &Error{Kind: KindEngineFailure, Msg: "engine failure"}
)

// Error is a classified failure. Language is the normalized language the
// operation addressed, when known.
type Error struct {
	Kind     Kind
	Language string
	Msg      string
	Err      error
}

// Errorf builds an *Error of kind k for lang wrapping cause, which may be nil.
func Errorf(k Kind, lang string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:     k,
		Language: lang,
		Msg:      fmt.Sprintf(format, args...),
		Err:      cause,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, which lets callers compare against
// the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
