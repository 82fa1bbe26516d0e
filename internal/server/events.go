package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/tinycrab/internal/bus"
	"github.com/nextlevelbuilder/tinycrab/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	// Loopback-only server; cross-origin browsers are not a concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams outbound bus messages to a websocket client. Each
// message is one JSON protocol.Event. No replay: the client only sees
// messages published after it connected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "events not available"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	// Buffered so a slow client drops messages instead of stalling bus
	// delivery for everyone else.
	events := make(chan protocol.Event, 64)
	unsubscribe := s.router.SubscribeOutbound("*", func(msg bus.OutboundMessage) {
		ev := protocol.Event{
			Type:    "outbound",
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: msg.Content,
			Meta:    msg.Metadata,
		}
		select {
		case events <- ev:
		default:
			slog.Debug("events client lagging, dropping message")
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain the read side to observe the close handshake.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		unsubscribe()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
