package web

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/logging"
)

type loadingData struct {
	Loading bool `json:"loading"`
}

type inputData struct {
	Input string `json:"input"`
}

// handleEvents streams a conversation over a WebSocket: one snapshot, then
// every controller event. Turns may appear both in the snapshot and in a
// following turn_appended message; clients dedupe by turn ID.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ri, ok := s.apiIdentity(w, r)
	if !ok {
		return
	}

	ctrl, release, err := s.sessions.Watch(ri.ID())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTooManySessions) {
			status = http.StatusServiceUnavailable
		}
		writeErrorJSON(w, status, "session_unavailable", err.Error())
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		s.logger.Debug("WebSocket upgrade failed", "client_ip", ri.clientIP, "error", err)
		return
	}

	logger := logging.WithClient(s.logger, ri.clientIP, ri.ID())
	ws := NewWSConn(conn, s.wsConfig, logger, ri.clientIP)
	logger.Debug("Event stream connected")

	// mu keeps events emitted while the snapshot is built behind it.
	var mu sync.Mutex
	mu.Lock()
	unsubscribe := ctrl.Subscribe(func(ev chat.Event) {
		mu.Lock()
		defer mu.Unlock()
		s.forwardEvent(ws, ev)
	})
	ws.SendMessage(WSMsgTypeSnapshot, s.snapshot(ri, ctrl))
	mu.Unlock()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	go func() {
		ws.ReadPump()
		cancel()
	}()

	ws.WritePump(ctx)
	logger.Debug("Event stream closed")
}

func (s *Server) forwardEvent(ws *WSConn, ev chat.Event) {
	switch ev.Type {
	case chat.EventTurnAppended:
		if ev.Turn != nil {
			ws.SendMessage(WSMsgTypeTurnAppended, s.renderer.turn(*ev.Turn))
		}
	case chat.EventLoading:
		ws.SendMessage(WSMsgTypeLoading, loadingData{Loading: ev.Loading})
	case chat.EventInput:
		ws.SendMessage(WSMsgTypeInput, inputData{Input: ev.Input})
	case chat.EventFocus:
		ws.SendMessage(WSMsgTypeFocus, nil)
	}
}
