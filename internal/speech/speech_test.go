package speech

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		tag  string
		want string
	}{
		{"ru-RU", "ru"},
		{"en-US", "en"},
		{"en-GB", "en"},
		{"EN-us", "en"},
		{"en", "en"},
		{"pt_BR", "pt"},
		{"  de-DE  ", "de"},
		{"zh-Hant-TW", "zh"},
		{"", ""},
		{"-US", ""},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if got := Normalize(tt.tag); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestNormalize_RegionAndCaseAreInterchangeable(t *testing.T) {
	tags := []string{"en-US", "en-GB", "EN-us", "En"}
	for _, tag := range tags {
		if Normalize(tag) != Normalize(tags[0]) {
			t.Errorf("Normalize(%q) = %q, want %q", tag, Normalize(tag), Normalize(tags[0]))
		}
	}
}

func TestError_IsMatchesByKind(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Errorf(KindEngineFailure, "ru", cause, "load model %q", "/models/ru")

	if !errors.Is(err, ErrEngineFailure) {
		t.Error("errors.Is(err, ErrEngineFailure) = false, want true")
	}
	if errors.Is(err, ErrUnsupportedLanguage) {
		t.Error("errors.Is(err, ErrUnsupportedLanguage) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if got, want := err.Error(), `load model "/models/ru": disk on fire`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("gateway: %w", Errorf(KindSampleRateMismatch, "en", nil, "rate 8000 != 16000"))
	if got := KindOf(wrapped); got != KindSampleRateMismatch {
		t.Errorf("KindOf = %v, want %v", got, KindSampleRateMismatch)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindUnknown)
	}
}

func TestKind_String(t *testing.T) {
	kinds := map[Kind]string{
		KindUnsupportedLanguage:    "UnsupportedLanguage",
		KindSessionNotInitialized:  "SessionNotInitialized",
		KindModelResourceMissing:   "ModelResourceMissing",
		KindMalformedAudioEncoding: "MalformedAudioEncoding",
		KindSampleRateMismatch:     "SampleRateMismatch",
		KindEngineFailure:          "EngineFailure",
		KindUnknown:                "Unknown",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestResult_ConfidenceIsNullInJSON(t *testing.T) {
	for _, r := range []Result{Partial("hel"), Final("hello"), Final("")} {
		b, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		v, ok := m["confidence"]
		if !ok {
			t.Fatalf("confidence key missing in %s", b)
		}
		if v != nil {
			t.Errorf("confidence = %v, want null", v)
		}
	}
}
