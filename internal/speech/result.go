package speech

// Result is a single transcript event produced by one state-machine
// transition.
type Result struct {
	// Text is the partial hypothesis or the final transcript. It may be empty.
	Text string `json:"text"`

	// IsFinal reports whether Text closes an utterance.
	IsFinal bool `json:"is_final"`

	// Confidence is always nil: the engines never report it, and clients rely
	// on the field being present as JSON null.
	Confidence *float64 `json:"confidence"`
}

// Partial returns a non-final result for text.
func Partial(text string) Result {
	return Result{Text: text}
}

// Final returns a final result for text.
func Final(text string) Result {
	return Result{Text: text, IsFinal: true}
}
