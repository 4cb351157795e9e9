package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/engine"
	"github.com/MrWong99/livescribe/pkg/engine/segment"
)

// defaultRequestTimeout bounds a single /inference call.
const defaultRequestTimeout = 30 * time.Second

// ServerEngine sends utterances to a whisper.cpp server (POST /inference).
type ServerEngine struct {
	serverURL  string
	httpClient *http.Client
	opts       options
}

// NewServer returns a ServerEngine for the whisper-server at serverURL
// (e.g. "http://localhost:8080").
func NewServer(serverURL string, opts ...Option) (*ServerEngine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	return &ServerEngine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		opts:       buildOptions(opts),
	}, nil
}

// Name implements engine.Engine.
func (e *ServerEngine) Name() string { return "whisper-server" }

// CheckResource accepts any model name; the server validates it on first use.
func (e *ServerEngine) CheckResource(string) error { return nil }

// Load binds language to the server-side model named by path. An empty path
// uses whichever model the server was started with.
func (e *ServerEngine) Load(language, path string) (engine.Model, error) {
	return &serverModel{engine: e, language: language, model: path}, nil
}

var (
	_ engine.Engine          = (*ServerEngine)(nil)
	_ engine.ResourceChecker = (*ServerEngine)(nil)
)

type serverModel struct {
	engine   *ServerEngine
	language string
	model    string
}

func (m *serverModel) NewSession(sampleRate int) (engine.Session, error) {
	return segment.NewSession(m.engine.opts.sessionConfig(sampleRate), func(pcm []byte) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
		defer cancel()
		return m.infer(ctx, pcm, sampleRate)
	}), nil
}

func (m *serverModel) Close() error { return nil }

// infer encodes pcm as WAV and POSTs it as multipart/form-data.
func (m *serverModel) infer(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, sampleRate)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if m.language != "" {
		if err := mw.WriteField("language", m.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if m.model != "" {
		if err := mw.WriteField("model", m.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.engine.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.engine.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
