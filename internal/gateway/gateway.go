// Package gateway exposes the recognition service over HTTP.
//
// JSON endpoints mirror the service operations one to one:
//
//	GET  /health      liveness payload {status, service}
//	POST /initialize  {language, session_id?}
//	POST /process     {language, session_id?, chunk, sample_rate?, encoding?}
//	POST /finalize    {language, session_id?}
//	POST /reset       {language, session_id?}
//	POST /close       {language, session_id}
//	GET  /ws          WebSocket streaming (see ws.go)
//
// Failures are reported as {"error": <kind>, "detail": <message>} with a
// status code chosen by [StatusFor].
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/recognition"
	"github.com/MrWong99/livescribe/internal/speech"
)

// defaultMaxBodyBytes bounds request bodies and WebSocket messages.
const defaultMaxBodyBytes = 4 << 20

// errorKindInvalidRequest is reported for bodies that fail to decode.
const errorKindInvalidRequest = "InvalidRequest"

// Server serves the recognition endpoints.
type Server struct {
	svc             *recognition.Service
	maxBodyBytes    int64
	defaultLanguage string
	originPatterns  []string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithMaxBodyBytes overrides the request body and message size limit.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithDefaultLanguage sets the language used by WebSocket start messages
// that omit one.
func WithDefaultLanguage(tag string) Option {
	return func(s *Server) { s.defaultLanguage = tag }
}

// WithOriginPatterns sets the Origin patterns the WebSocket endpoint accepts
// from hosts other than its own. A pattern with "://" matches scheme and
// host, otherwise the host alone, using path.Match syntax.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = append(s.originPatterns, patterns...) }
}

// New returns a Server for svc.
func New(svc *recognition.Service, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		maxBodyBytes:    defaultMaxBodyBytes,
		defaultLanguage: "ru-RU",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /initialize", s.handleInitialize)
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("POST /finalize", s.handleFinalize)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("POST /close", s.handleClose)
	mux.HandleFunc("GET /ws", s.handleWS)
}

// languageRequest is the body of initialize, finalize, reset and close.
type languageRequest struct {
	Language  string `json:"language"`
	SessionID string `json:"session_id"`
}

// processRequest is the body of /process.
type processRequest struct {
	Language   string `json:"language"`
	SessionID  string `json:"session_id"`
	Chunk      string `json:"chunk"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Initialize(r.Context(), req.Language, req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Process(r.Context(), recognition.ProcessRequest{
		Language:   req.Language,
		SessionID:  req.SessionID,
		Chunk:      req.Chunk,
		SampleRate: req.SampleRate,
		Encoding:   req.Encoding,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Finalize(r.Context(), req.Language, req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.svc.Reset(r.Context(), req.Language, req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req languageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  errorKindInvalidRequest,
			Detail: "session_id is required",
		})
		return
	}
	res, err := s.svc.Close(r.Context(), req.Language, req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads a size-limited JSON body into v, rejecting unknown fields.
// It writes the error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		return true
	}

	status := http.StatusBadRequest
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, io.EOF):
		err = errors.New("empty request body")
	}
	writeJSON(w, status, errorResponse{
		Error:  errorKindInvalidRequest,
		Detail: fmt.Sprintf("invalid request body: %v", err),
	})
	return false
}

// StatusFor maps an error kind to the HTTP status reported to clients.
func StatusFor(k speech.Kind) int {
	switch k {
	case speech.KindUnsupportedLanguage, speech.KindMalformedAudioEncoding:
		return http.StatusBadRequest
	case speech.KindSessionNotInitialized:
		return http.StatusConflict
	case speech.KindSampleRateMismatch:
		return http.StatusUnprocessableEntity
	case speech.KindModelResourceMissing:
		return http.StatusServiceUnavailable
	case speech.KindEngineFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := speech.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("gateway: request failed",
			"path", r.URL.Path, "kind", kind.String(), "err", err)
	}
	writeJSON(w, status, errorResponse{Error: kind.String(), Detail: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"Unknown"}`, http.StatusInternalServerError)
	}
}
