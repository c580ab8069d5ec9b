// Package transport is the websocket session channel.
//
// Each live call holds exactly one bidirectional connection: binary frames
// carry caller audio inbound, JSON text frames carry control messages both
// ways. Synthesized audio travels outbound as hex-encoded JSON so every
// outbound frame stays structured.
package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxwire/voxwire/internal/fault"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/voice"
)

// Close codes beyond the websocket-reserved range. Clients use these to tell
// a refused agent apart from failed authentication and wire garbage.
const (
	CloseProtocolError    websocket.StatusCode = 4400
	CloseAuthFailed       websocket.StatusCode = 4401
	CloseAgentUnavailable websocket.StatusCode = 4404
	CloseInternalError    websocket.StatusCode = 4500
)

// Inbound message types.
const (
	msgSynthesize = "synthesize"
	msgPing       = "ping"
	msgGetStats   = "get-stats"
	msgHangup     = "hangup"
)

// inbound is a client control message.
type inbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// audioMeta describes one audio-response payload.
type audioMeta struct {
	Turn     int    `json:"turn"`
	Text     string `json:"text,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// outbound is the envelope for every server-to-client message.
type outbound struct {
	Type string `json:"type"`

	// connection-established
	SessionID    string   `json:"session_id,omitempty"`
	Agent        *agentRef `json:"agent,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// audio-response
	Audio    string     `json:"audio,omitempty"` // hex-encoded PCM
	Metadata *audioMeta `json:"metadata,omitempty"`

	// session-stats
	Session    *voice.Stats `json:"session,omitempty"`
	Connection *ConnStats   `json:"connection,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type agentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ConnStats is the per-connection accounting kept by the transport.
type ConnStats struct {
	ConnectedAt    time.Time     `json:"connected_at"`
	Messages       int64         `json:"messages"`
	ProcessingTime time.Duration `json:"processing_time"`
}

var capabilities = []string{"synthesize", "ping", "get-stats", "hangup", "audio-streaming"}

// Handler upgrades HTTP requests into session channels.
type Handler struct {
	manager *voice.Manager
	metrics *observe.Metrics
	log     *slog.Logger

	// AcceptOptions lets tests relax origin checks.
	AcceptOptions *websocket.AcceptOptions
}

// NewHandler creates a session channel handler.
func NewHandler(manager *voice.Manager, metrics *observe.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{manager: manager, metrics: metrics, log: log}
}

// ServeSession upgrades the request and runs the channel until the call or
// the client ends. The begin request must already carry the resolved tenant.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, req voice.BeginRequest) {
	c, err := websocket.Accept(w, r, h.AcceptOptions)
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	s, err := h.manager.Begin(r.Context(), req)
	if err != nil {
		code, reason := beginCloseStatus(err)
		_ = c.Close(code, reason)
		return
	}

	if h.metrics != nil {
		h.metrics.ActiveConnections.Add(r.Context(), 1)
		defer h.metrics.ActiveConnections.Add(context.WithoutCancel(r.Context()), -1)
	}

	conn := &channel{
		ws:      c,
		session: s,
		log:     h.log.With("session", s.ID),
		stats:   ConnStats{ConnectedAt: time.Now()},
		send:    make(chan outbound, 64),
	}
	conn.run(r.Context())
}

// beginCloseStatus maps a session admission failure to a close code.
func beginCloseStatus(err error) (websocket.StatusCode, string) {
	switch {
	case fault.IsKind(err, fault.KindNotFound), fault.IsKind(err, fault.KindBusinessRule):
		return CloseAgentUnavailable, "agent not found or inactive"
	case fault.IsKind(err, fault.KindUnauthenticated), fault.IsKind(err, fault.KindUnauthorized):
		return CloseAuthFailed, "authentication failed"
	case fault.IsKind(err, fault.KindValidation):
		return CloseProtocolError, "invalid session request"
	default:
		return CloseInternalError, "session setup failed"
	}
}

// channel is one live connection bound to one voice session.
type channel struct {
	ws      *websocket.Conn
	session *voice.Session
	log     *slog.Logger
	send    chan outbound

	mu    sync.Mutex
	stats ConnStats
}

// run drives the reader and writer until either side ends. On exit the
// session is abandoned if the pipeline did not already finish it.
func (c *channel) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.enqueue(outbound{
		Type:         "connection-established",
		SessionID:    c.session.ID,
		Agent:        &agentRef{ID: c.session.Agent.ID, Name: c.session.Agent.Name},
		Capabilities: capabilities,
	})

	if err := c.session.Start(ctx); err != nil {
		c.log.Error("session start failed", "error", err)
		_ = c.ws.Close(CloseInternalError, "session start failed")
		c.session.Abandon(context.WithoutCancel(ctx), "start_failed")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)

	// Reader is gone: either the client disconnected or the session ended
	// and we closed. Finish the pipeline, then let the writer drain.
	c.session.Abandon(context.WithoutCancel(ctx), "client_disconnected")
	cancel()
	<-writerDone
	_ = c.ws.CloseNow()
}

// readLoop consumes client frames: binary audio plus JSON control messages.
func (c *channel) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		switch typ {
		case websocket.MessageBinary:
			if err := c.session.PushAudio(data); err != nil {
				c.sendError(err)
			}
		case websocket.MessageText:
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				c.enqueue(outbound{Type: "error", Code: "protocol_error", Message: "malformed control message"})
				_ = c.ws.Close(CloseProtocolError, "malformed control message")
				return
			}
			if done := c.handle(ctx, msg); done {
				return
			}
		}
		c.mu.Lock()
		c.stats.Messages++
		c.stats.ProcessingTime += time.Since(start)
		c.mu.Unlock()
	}
}

// handle processes one control message; true means the channel should close.
func (c *channel) handle(ctx context.Context, msg inbound) bool {
	switch msg.Type {
	case msgSynthesize:
		if err := c.session.Synthesize(msg.Text); err != nil {
			c.sendError(err)
		}
	case msgPing:
		c.enqueue(outbound{Type: "pong"})
	case msgGetStats:
		stats := c.session.Stats()
		c.mu.Lock()
		conn := c.stats
		c.mu.Unlock()
		c.enqueue(outbound{Type: "session-stats", Session: &stats, Connection: &conn})
	case msgHangup:
		c.session.Hangup(ctx)
		_ = c.ws.Close(websocket.StatusNormalClosure, "hangup")
		return true
	default:
		c.enqueue(outbound{Type: "error", Code: "protocol_error", Message: "unknown message type " + msg.Type})
	}
	return false
}

// writeLoop serializes all outbound frames: queued control messages and the
// session's audio. Audio frames keep their pipeline order because the frame
// channel is drained by this single goroutine.
func (c *channel) writeLoop(ctx context.Context) {
	frames := c.session.Frames()
	for {
		select {
		case msg := <-c.send:
			if err := wsjson.Write(ctx, c.ws, msg); err != nil {
				return
			}
		case f, ok := <-frames:
			if !ok {
				c.finish(ctx)
				return
			}
			msg := outbound{
				Type:  "audio-response",
				Audio: hex.EncodeToString(f.Audio),
				Metadata: &audioMeta{
					Turn:     f.Turn,
					Text:     f.Text,
					Fallback: f.Fallback,
				},
			}
			if err := wsjson.Write(ctx, c.ws, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// finish sends the final stats snapshot and closes the channel cleanly after
// the pipeline has ended.
func (c *channel) finish(ctx context.Context) {
	stats := c.session.Stats()
	c.mu.Lock()
	conn := c.stats
	c.mu.Unlock()
	_ = wsjson.Write(ctx, c.ws, outbound{Type: "session-stats", Session: &stats, Connection: &conn})
	_ = c.ws.Close(websocket.StatusNormalClosure, "session ended")
}

// enqueue queues a control message, dropping it when the writer is saturated
// rather than blocking the reader.
func (c *channel) enqueue(msg outbound) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("outbound queue full, dropping message", "type", msg.Type)
	}
}

// sendError maps a fault to an error control message.
func (c *channel) sendError(err error) {
	code := "internal_error"
	switch fault.KindOf(err) {
	case fault.KindValidation:
		code = "validation"
	case fault.KindRateLimit:
		code = "busy"
	case fault.KindBusinessRule:
		code = "business_rule"
	case fault.KindQuotaExceeded:
		code = "quota_exceeded"
	case fault.KindProviderUnavailable:
		code = "provider_unavailable"
	}
	c.enqueue(outbound{Type: "error", Code: code, Message: err.Error()})
}
