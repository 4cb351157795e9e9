package session

import (
	"errors"

	"github.com/MrWong99/livescribe/internal/speech"
	"github.com/MrWong99/livescribe/pkg/engine"
)

// State is the observable utterance state of a [Machine].
type State int

const (
	// StateEmpty means no audio is pending since the last boundary.
	StateEmpty State = iota

	// StateAccumulating means audio has been fed and a partial hypothesis
	// may be available.
	StateAccumulating

	// StateFinalized means the last transition produced an utterance
	// boundary. It is cleared by the next Feed or by Reset.
	StateFinalized
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAccumulating:
		return "accumulating"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Machine drives one engine session through the utterance lifecycle and
// turns engine outcomes into results. Endpointing is the engine's decision.
//
// A Machine is not safe for concurrent use; the [Store] serializes access.
type Machine struct {
	language string
	sess     engine.Session
	state    State
}

// NewMachine wraps sess, which must be freshly created.
func NewMachine(language string, sess engine.Session) *Machine {
	return &Machine{language: language, sess: sess}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Boundary reports whether the previous transition completed an utterance.
func (m *Machine) Boundary() bool { return m.state == StateFinalized }

// Feed hands pcm to the engine. When the engine reports the utterance
// complete the result is final and carries the final transcript (possibly
// empty); otherwise it carries the current partial hypothesis.
func (m *Machine) Feed(pcm []byte) (speech.Result, error) {
	if m.state == StateFinalized {
		m.state = StateEmpty
	}
	if len(pcm) == 0 {
		return speech.Partial(m.sess.PartialText()), nil
	}

	complete, err := m.sess.Feed(pcm)
	if err != nil {
		return speech.Result{}, m.engineErr(err, "feed audio")
	}
	if complete {
		m.state = StateFinalized
		return speech.Final(m.sess.FinalText()), nil
	}
	m.state = StateAccumulating
	return speech.Partial(m.sess.PartialText()), nil
}

// Finalize forces an endpoint regardless of state and returns whatever was
// pending as a final result, possibly with empty text.
func (m *Machine) Finalize() (speech.Result, error) {
	text, err := m.sess.Flush()
	if err != nil {
		return speech.Result{}, m.engineErr(err, "flush")
	}
	m.state = StateEmpty
	return speech.Final(text), nil
}

// Reset discards pending audio and hypotheses. Idempotent.
func (m *Machine) Reset() error {
	if err := m.sess.Reset(); err != nil {
		return m.engineErr(err, "reset")
	}
	m.state = StateEmpty
	return nil
}

// Close releases the engine session.
func (m *Machine) Close() error {
	return m.sess.Close()
}

func (m *Machine) engineErr(err error, op string) error {
	var se *speech.Error
	if errors.As(err, &se) {
		return err
	}
	return speech.Errorf(speech.KindEngineFailure, m.language, err, "engine %s", op)
}
