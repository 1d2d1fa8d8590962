package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Single-user local deployment; the browser UI is served from the same
	// process.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleChatWS runs chat turns over a WebSocket. Each client frame is a
// chatRequest; events stream back as JSON frames ending with the run's
// terminal event. Disconnecting cancels the in-flight run.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger().Debug("websocket read failed", "error", err)
			}
			return
		}

		convID, runReq, err := s.prepareRun(r, req)
		if err != nil {
			if werr := s.writeWS(conn, map[string]string{"type": "error", "error": err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := s.writeWS(conn, chatStartedEvent{Type: "started", ConversationID: convID}); err != nil {
			return
		}

		events := s.Runner.Run(ctx, runReq)
		for ev := range events {
			if err := s.writeWS(conn, ev); err != nil {
				// Writer gone; cancel the run and drain its events.
				cancel()
				for range events {
				}
				return
			}
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
