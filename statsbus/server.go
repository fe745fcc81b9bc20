package statsbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Server upgrades HTTP connections to WebSocket and streams JSON-encoded
// Events from a Bus to each subscriber until it disconnects. Frames the
// subscriber sends are read and discarded; a read error (including the
// client closing the connection) ends the stream.
type Server struct {
	Bus    *Bus
	Logger *slog.Logger

	upgrader websocket.Upgrader
}

// Handler returns an http.Handler serving the stats WebSocket endpoint,
// suitable for mounting at "/stats".
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("stats websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.Bus.Subscribe()
	defer s.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.drainClient(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger().Warn("marshaling stats event failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// drainClient reads and discards any frames the subscriber sends (none are
// expected), so that a client-initiated close is detected promptly.
func (s *Server) drainClient(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
