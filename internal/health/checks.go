package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/speech"
)

// ErrNotReady is returned by [Preloaded] until startup preloading finishes.
var ErrNotReady = errors.New("startup preload still running")

// ModelSource reports which language models are resident.
type ModelSource interface {
	Loaded() []string
}

// BreakerSource reports the load circuit breaker state per language.
type BreakerSource interface {
	Languages() []string
	BreakerState(language string) resilience.State
}

// Preloaded passes once ready reports true.
func Preloaded(ready func() bool) Checker {
	return Checker{
		Name: "preload",
		Check: func(context.Context) error {
			if !ready() {
				return ErrNotReady
			}
			return nil
		},
	}
}

// ModelsLoaded passes when every language in required has a resident model.
// required may hold locale tags; they are normalized first.
func ModelsLoaded(src ModelSource, required []string) Checker {
	langs := make([]string, 0, len(required))
	for _, tag := range required {
		if lang := speech.Normalize(tag); lang != "" && !slices.Contains(langs, lang) {
			langs = append(langs, lang)
		}
	}
	return Checker{
		Name: "models",
		Check: func(context.Context) error {
			loaded := src.Loaded()
			var missing []string
			for _, lang := range langs {
				if !slices.Contains(loaded, lang) {
					missing = append(missing, lang)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("models not loaded: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// BreakersClosed fails while the model load breaker of any configured
// language is open.
func BreakersClosed(src BreakerSource) Checker {
	return Checker{
		Name: "breakers",
		Check: func(context.Context) error {
			var open []string
			for _, lang := range src.Languages() {
				if src.BreakerState(lang) == resilience.StateOpen {
					open = append(open, lang)
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("load breaker open for: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}
