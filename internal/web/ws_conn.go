package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket message types sent on /api/events.
const (
	WSMsgTypeSnapshot     = "snapshot"
	WSMsgTypeTurnAppended = "turn_appended"
	WSMsgTypeLoading      = "loading"
	WSMsgTypeInput        = "input"
	WSMsgTypeFocus        = "focus"
)

// WSMessage is the envelope of every WebSocket message.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WebSocketConfig holds WebSocket connection limits.
type WebSocketConfig struct {
	// MaxMessageSize bounds inbound frames. Clients only send control frames.
	MaxMessageSize int64
	// PongWait is how long to wait for a pong before dropping the client.
	PongWait time.Duration
	// PingPeriod must be shorter than PongWait.
	PingPeriod time.Duration
	// WriteWait is the time allowed to write one message.
	WriteWait time.Duration
	// SendBuffer is the number of queued messages per client.
	SendBuffer int
}

// DefaultWebSocketConfig returns the WebSocket defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		MaxMessageSize: 4 * 1024,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     64,
	}
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     isSameOrigin,
	}
}

// isSameOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests whose Origin host matches the Host header.
func isSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(normalizeHost(u.Host, u.Scheme), normalizeHost(r.Host, u.Scheme))
}

func normalizeHost(host, scheme string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	switch scheme {
	case "https", "wss":
		return net.JoinHostPort(host, "443")
	default:
		return net.JoinHostPort(host, "80")
	}
}

// WSConn wraps a WebSocket connection with a buffered send queue and
// ping/pong keepalive.
type WSConn struct {
	conn     *websocket.Conn
	send     chan []byte
	config   WebSocketConfig
	logger   *slog.Logger
	clientIP string
}

// NewWSConn configures conn and wraps it.
func NewWSConn(conn *websocket.Conn, config WebSocketConfig, logger *slog.Logger, clientIP string) *WSConn {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultWebSocketConfig().SendBuffer
	}
	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.PongWait))
	})

	return &WSConn{
		conn:     conn,
		send:     make(chan []byte, config.SendBuffer),
		config:   config,
		logger:   logger,
		clientIP: clientIP,
	}
}

// SendMessage queues a typed message. It never blocks; when the queue is
// full the message is dropped.
func (w *WSConn) SendMessage(msgType string, data any) {
	msg := WSMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			if w.logger != nil {
				w.logger.Error("Failed to encode WebSocket message", "type", msgType, "error", err)
			}
			return
		}
		msg.Data = raw
	}
	msgBytes, _ := json.Marshal(msg)

	select {
	case w.send <- msgBytes:
	default:
		if w.logger != nil {
			w.logger.Warn("WebSocket send buffer full, dropping message",
				"type", msgType, "client_ip", w.clientIP)
		}
	}
}

// WritePump writes queued messages and pings until ctx ends or a write
// fails. It closes the connection on return.
func (w *WSConn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(w.config.PingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// ReadPump discards inbound messages and returns when the peer goes away.
func (w *WSConn) ReadPump() {
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}
