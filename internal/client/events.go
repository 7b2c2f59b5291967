package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventCallbacks receives the conversation event stream.
// All callbacks are optional; nil callbacks are ignored.
type EventCallbacks struct {
	// OnSnapshot is called once, first, with the state at subscription time.
	OnSnapshot func(Transcript)

	// OnTurn is called for every appended turn.
	OnTurn func(Turn)

	// OnLoading is called when the pending-reply flag changes.
	OnLoading func(loading bool)

	// OnInput is called when the input buffer changes.
	OnInput func(input string)

	// OnFocus is called when the server asks to refocus the entry field.
	OnFocus func()

	// OnDisconnected is called when the stream ends.
	OnDisconnected func(err error)
}

// Events is an open event stream. It is safe for concurrent use.
type Events struct {
	conn      *websocket.Conn
	callbacks EventCallbacks
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// Connect opens the conversation event stream.
func (c *Client) Connect(ctx context.Context, callbacks EventCallbacks) (*Events, error) {
	if err := c.ensureOpen(ctx); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Jar:              c.httpClient.Jar,
	}

	for attempt := 0; ; attempt++ {
		header := http.Header{}
		header.Set("User-Agent", c.userAgent)
		conn, resp, err := dialer.DialContext(ctx, c.eventsURL(), header)
		if err == nil {
			e := &Events{
				conn:      conn,
				callbacks: callbacks,
				done:      make(chan struct{}),
			}
			go e.readLoop()
			return e, nil
		}
		if resp == nil || !errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("websocket connect: %w", err)
		}

		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusConflict && attempt == 0 {
			if err := c.followConflict(ctx, data); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("websocket connect: %w", decodeError(resp.StatusCode, data))
	}
}

func (c *Client) eventsURL() string {
	u, err := url.Parse(c.apiURL("/api/events"))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// Done is closed when the stream ends.
func (e *Events) Done() <-chan struct{} {
	return e.done
}

// Close closes the stream.
func (e *Events) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return e.conn.Close()
}

// wsMessage is one message from the server.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e *Events) readLoop() {
	defer close(e.done)

	for {
		var msg wsMessage
		if err := e.conn.ReadJSON(&msg); err != nil {
			e.mu.Lock()
			closed := e.closed
			e.closed = true
			e.mu.Unlock()
			if closed {
				err = nil
			}
			if e.callbacks.OnDisconnected != nil {
				e.callbacks.OnDisconnected(err)
			}
			return
		}
		e.handleMessage(msg)
	}
}

func (e *Events) handleMessage(msg wsMessage) {
	switch msg.Type {
	case "snapshot":
		var data Transcript
		if json.Unmarshal(msg.Data, &data) == nil && e.callbacks.OnSnapshot != nil {
			e.callbacks.OnSnapshot(data)
		}

	case "turn_appended":
		var data Turn
		if json.Unmarshal(msg.Data, &data) == nil && e.callbacks.OnTurn != nil {
			e.callbacks.OnTurn(data)
		}

	case "loading":
		var data struct {
			Loading bool `json:"loading"`
		}
		if json.Unmarshal(msg.Data, &data) == nil && e.callbacks.OnLoading != nil {
			e.callbacks.OnLoading(data.Loading)
		}

	case "input":
		var data struct {
			Input string `json:"input"`
		}
		if json.Unmarshal(msg.Data, &data) == nil && e.callbacks.OnInput != nil {
			e.callbacks.OnInput(data.Input)
		}

	case "focus":
		if e.callbacks.OnFocus != nil {
			e.callbacks.OnFocus()
		}
	}
}
