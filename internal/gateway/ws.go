package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/recognition"
	"github.com/MrWong99/livescribe/internal/speech"
)

// WebSocket message types.
const (
	msgStart    = "start"
	msgAudio    = "audio"
	msgFinalize = "finalize"
	msgReset    = "reset"
	msgStop     = "stop"

	msgStatus  = "status"
	msgPartial = "partial"
	msgFinal   = "final"
	msgError   = "error"
)

// WebSocket error codes that do not come from [speech.Kind].
const (
	codeInvalidMessage  = "InvalidMessage"
	codeNoActiveSession = "NoActiveSession"
)

// wsWriteTimeout bounds a single outgoing frame.
const wsWriteTimeout = 5 * time.Second

// clientMessage is any client → server frame.
type clientMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Chunk      string `json:"chunk,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

type statusMessage struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	SessionID  string `json:"sessionId,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

type transcriptMessage struct {
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	Timestamp  int64    `json:"timestamp"`
	Confidence *float64 `json:"confidence"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsConn is the per-connection state. Frames are handled one at a time on the
// reading goroutine, which is also the only writer.
type wsConn struct {
	srv  *Server
	conn *websocket.Conn

	language  string
	sessionID string
	chunks    int
	bytes     int
}

// handleWS upgrades the request and serves one streaming conversation per
// start/stop cycle.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Warn("gateway: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(s.maxBodyBytes)

	c := &wsConn{srv: s, conn: conn}
	ctx := r.Context()
	slog.Info("gateway: websocket client connected", "remote", r.RemoteAddr)

	defer func() {
		c.stop(context.WithoutCancel(ctx), false)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("gateway: websocket closed", "remote", r.RemoteAddr)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				slog.Debug("gateway: websocket read ended", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendError(ctx, codeInvalidMessage, "expected a JSON text frame")
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(ctx, codeInvalidMessage, "failed to parse message: "+err.Error())
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			return
		}
	}
}

// handle dispatches one client message. A non-nil error means the socket can
// no longer be written and the connection should end.
func (c *wsConn) handle(ctx context.Context, msg clientMessage) error {
	switch msg.Type {
	case msgStart:
		return c.start(ctx, msg)
	case msgAudio:
		return c.audio(ctx, msg)
	case msgFinalize:
		if c.sessionID == "" {
			return c.sendError(ctx, codeNoActiveSession, "finalize without an active session")
		}
		res, err := c.srv.svc.Finalize(ctx, c.language, c.sessionID)
		if err != nil {
			return c.sendServiceError(ctx, err)
		}
		return c.sendResult(ctx, res)
	case msgReset:
		if c.sessionID == "" {
			return c.sendError(ctx, codeNoActiveSession, "reset without an active session")
		}
		if _, err := c.srv.svc.Reset(ctx, c.language, c.sessionID); err != nil {
			return c.sendServiceError(ctx, err)
		}
		return c.send(ctx, statusMessage{Type: msgStatus, Status: "reset", SessionID: c.sessionID})
	case msgStop:
		if c.sessionID == "" {
			return c.send(ctx, statusMessage{Type: msgStatus, Status: "idle"})
		}
		if err := c.stop(ctx, true); err != nil {
			return err
		}
		return c.send(ctx, statusMessage{Type: msgStatus, Status: "idle"})
	default:
		return c.sendError(ctx, codeInvalidMessage, "unknown message type "+quote(msg.Type))
	}
}

func (c *wsConn) start(ctx context.Context, msg clientMessage) error {
	if c.sessionID != "" {
		if err := c.stop(ctx, true); err != nil {
			return err
		}
	}
	tag := msg.Language
	if tag == "" {
		tag = c.srv.defaultLanguage
	}
	id := uuid.NewString()
	res, err := c.srv.svc.Initialize(ctx, tag, id)
	if err != nil {
		return c.sendServiceError(ctx, err)
	}
	c.language, c.sessionID = res.Language, id
	c.chunks, c.bytes = 0, 0
	slog.Info("gateway: session started", "session_id", id, "language", res.Language, "platform", msg.Platform)
	return c.send(ctx, statusMessage{
		Type:       msgStatus,
		Status:     "connected",
		SessionID:  id,
		Language:   res.Language,
		SampleRate: c.srv.svc.SampleRate(),
	})
}

func (c *wsConn) audio(ctx context.Context, msg clientMessage) error {
	if c.sessionID == "" {
		return c.sendError(ctx, codeNoActiveSession, "audio received without an active session")
	}
	if msg.Channels > 1 {
		return c.sendError(ctx, speech.KindMalformedAudioEncoding.String(), "only mono audio is supported")
	}
	c.chunks++
	c.bytes += len(msg.Chunk)

	res, err := c.srv.svc.Process(ctx, recognition.ProcessRequest{
		Language:   c.language,
		SessionID:  c.sessionID,
		Chunk:      msg.Chunk,
		SampleRate: msg.SampleRate,
		Encoding:   msg.Encoding,
	})
	if err != nil {
		return c.sendServiceError(ctx, err)
	}
	if res.Text == "" {
		return nil
	}
	return c.sendResult(ctx, res)
}

// stop ends the active conversation. With flush set, pending speech is
// finalized and sent first.
func (c *wsConn) stop(ctx context.Context, flush bool) error {
	if c.sessionID == "" {
		return nil
	}
	lang, id := c.language, c.sessionID
	c.language, c.sessionID = "", ""

	var sendErr error
	if flush {
		if res, err := c.srv.svc.Finalize(ctx, lang, id); err == nil && res.Text != "" {
			sendErr = c.sendResult(ctx, res)
		}
	}
	if _, err := c.srv.svc.Close(ctx, lang, id); err != nil {
		slog.Warn("gateway: failed to close session", "session_id", id, "err", err)
	}
	slog.Info("gateway: session stopped", "session_id", id, "chunks", c.chunks, "payload_bytes", c.bytes)
	return sendErr
}

func (c *wsConn) sendResult(ctx context.Context, res speech.Result) error {
	typ := msgPartial
	if res.IsFinal {
		typ = msgFinal
	}
	return c.send(ctx, transcriptMessage{
		Type:       typ,
		Text:       res.Text,
		Timestamp:  time.Now().UnixMilli(),
		Confidence: res.Confidence,
	})
}

func (c *wsConn) sendServiceError(ctx context.Context, err error) error {
	return c.sendError(ctx, speech.KindOf(err).String(), err.Error())
}

func (c *wsConn) sendError(ctx context.Context, code, message string) error {
	return c.send(ctx, errorMessage{Type: msgError, Code: code, Message: message})
}

func (c *wsConn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
