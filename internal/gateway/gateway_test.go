package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/recognition"
	"github.com/MrWong99/livescribe/internal/registry"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/speech"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine/mock"
)

// newTestServer wires a gateway over a mock engine with models for en and
// ru. "de" is mapped to a missing directory.
func newTestServer(t *testing.T, eng *mock.Engine, opts ...Option) *httptest.Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	paths := map[string]string{"de": filepath.Join(root, "missing")}
	for _, lang := range []string{"en", "ru"} {
		dir := filepath.Join(root, lang)
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		paths[lang] = dir
	}

	reg := registry.New(eng, paths, registry.WithMetrics(m))
	store := session.NewStore(session.WithStoreMetrics(m))
	svc := recognition.New(reg, store, recognition.WithMetrics(m))
	t.Cleanup(func() { _ = svc.Shutdown() })

	mux := http.NewServeMux()
	New(svc, opts...).Register(mux)
	ts := httptest.NewServer(observe.Middleware(m)(mux))
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s: decode response: %v", path, err)
	}
	return resp.StatusCode, out
}

func chunk(n int, end bool) string {
	b := make([]byte, n)
	if end {
		b[0] = mock.EndMarker
	}
	return audio.EncodeTransport(b)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h recognition.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || h.Status != "ok" || h.Service != "livescribe-stt" {
		t.Errorf("GET /health = %d %+v", resp.StatusCode, h)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHTTPLifecycle(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{})

	code, body := post(t, ts, "/initialize", `{"language":"en-US"}`)
	if code != http.StatusOK || body["status"] != "initialized" || body["language"] != "en" {
		t.Fatalf("initialize = %d %v", code, body)
	}

	code, body = post(t, ts, "/process", `{"language":"en","chunk":"`+chunk(8, false)+`"}`)
	if code != http.StatusOK || body["text"] != "8 bytes" || body["is_final"] != false {
		t.Fatalf("process = %d %v", code, body)
	}
	if v, ok := body["confidence"]; !ok || v != nil {
		t.Errorf("confidence = %v (present %v), want null", v, ok)
	}

	code, body = post(t, ts, "/finalize", `{"language":"en"}`)
	if code != http.StatusOK || body["text"] != "8 bytes" || body["is_final"] != true {
		t.Fatalf("finalize = %d %v", code, body)
	}

	code, body = post(t, ts, "/reset", `{"language":"en"}`)
	if code != http.StatusOK || body["status"] != "reset" {
		t.Fatalf("reset = %d %v", code, body)
	}
}

func TestHTTPNamedSessionClose(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{})

	if code, body := post(t, ts, "/initialize", `{"language":"ru","session_id":"a"}`); code != http.StatusOK || body["session_id"] != "a" {
		t.Fatalf("initialize = %d %v", code, body)
	}
	code, body := post(t, ts, "/close", `{"language":"ru","session_id":"a"}`)
	if code != http.StatusOK || body["status"] != "closed" {
		t.Fatalf("close = %d %v", code, body)
	}
	code, body = post(t, ts, "/close", `{"language":"ru","session_id":"a"}`)
	if code != http.StatusOK || body["status"] != "not_found" {
		t.Fatalf("second close = %d %v", code, body)
	}
	code, body = post(t, ts, "/close", `{"language":"ru"}`)
	if code != http.StatusBadRequest || body["error"] != errorKindInvalidRequest {
		t.Fatalf("close without id = %d %v", code, body)
	}
}

func TestHTTPErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"unsupported language", "/initialize", `{"language":"xx"}`, http.StatusBadRequest, "UnsupportedLanguage"},
		{"missing model", "/initialize", `{"language":"de"}`, http.StatusServiceUnavailable, "ModelResourceMissing"},
		{"process before initialize", "/process", `{"language":"ru","chunk":"AAAA"}`, http.StatusConflict, "SessionNotInitialized"},
		{"finalize before initialize", "/finalize", `{"language":"en"}`, http.StatusConflict, "SessionNotInitialized"},
		{"unknown field", "/initialize", `{"language":"en","bogus":1}`, http.StatusBadRequest, errorKindInvalidRequest},
		{"empty body", "/initialize", ``, http.StatusBadRequest, errorKindInvalidRequest},
		{"not json", "/process", `chunk=abc`, http.StatusBadRequest, errorKindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &mock.Engine{})
			code, body := post(t, ts, tt.path, tt.body)
			if code != tt.wantCode || body["error"] != tt.wantErr {
				t.Errorf("%s = %d %v, want %d %s", tt.path, code, body, tt.wantCode, tt.wantErr)
			}
			if d, _ := body["detail"].(string); d == "" {
				t.Error("detail is empty")
			}
		})
	}
}

func TestHTTPAudioErrors(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{})
	if code, _ := post(t, ts, "/initialize", `{"language":"en"}`); code != http.StatusOK {
		t.Fatal("initialize failed")
	}

	code, body := post(t, ts, "/process", `{"language":"en","chunk":"!!not base64!!"}`)
	if code != http.StatusBadRequest || body["error"] != "MalformedAudioEncoding" {
		t.Errorf("bad base64 = %d %v", code, body)
	}
	code, body = post(t, ts, "/process", `{"language":"en","chunk":"AAAA","sample_rate":8000}`)
	if code != http.StatusUnprocessableEntity || body["error"] != "SampleRateMismatch" {
		t.Errorf("sample rate = %d %v", code, body)
	}
}

func TestHTTPEngineFailure(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{FeedErr: context.DeadlineExceeded})
	if code, _ := post(t, ts, "/initialize", `{"language":"en"}`); code != http.StatusOK {
		t.Fatal("initialize failed")
	}
	code, body := post(t, ts, "/process", `{"language":"en","chunk":"`+chunk(4, false)+`"}`)
	if code != http.StatusBadGateway || body["error"] != "EngineFailure" {
		t.Errorf("process = %d %v", code, body)
	}
}

func TestHTTPBodyLimit(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, WithMaxBodyBytes(64))
	big := `{"language":"en","chunk":"` + strings.Repeat("A", 128) + `"}`
	code, body := post(t, ts, "/process", big)
	if code != http.StatusRequestEntityTooLarge || body["error"] != errorKindInvalidRequest {
		t.Errorf("oversized body = %d %v", code, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind speech.Kind
		want int
	}{
		{speech.KindUnsupportedLanguage, http.StatusBadRequest},
		{speech.KindSessionNotInitialized, http.StatusConflict},
		{speech.KindModelResourceMissing, http.StatusServiceUnavailable},
		{speech.KindMalformedAudioEncoding, http.StatusBadRequest},
		{speech.KindSampleRateMismatch, http.StatusUnprocessableEntity},
		{speech.KindEngineFailure, http.StatusBadGateway},
		{speech.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
