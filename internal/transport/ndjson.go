package transport

import (
	"encoding/json"
	"net/http"

	"github.com/castellandev/majordomo/internal/agent"
)

// chatStream writes the NDJSON frames of one chat turn: a started frame
// carrying the conversation id, then agent events. Frames flush as they are
// written so clients see deltas live, and Close backfills a terminal frame
// if the run's channel closed without one.
type chatStream struct {
	w             http.ResponseWriter
	fl            http.Flusher
	wroteTerminal bool
	broken        bool
}

func startChatStream(w http.ResponseWriter, conversationID string) (*chatStream, error) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	s := &chatStream{w: w}
	s.fl, _ = w.(http.Flusher)
	return s, s.writeFrame(chatStartedEvent{Type: "started", ConversationID: conversationID})
}

func (s *chatStream) Event(ev agent.Event) error {
	if ev.Type == agent.EventEnd || ev.Type == agent.EventError {
		s.wroteTerminal = true
	}
	return s.writeFrame(ev)
}

// Close guarantees the client sees a terminal frame. A stream that already
// delivered End or Error, or whose writer failed, is left alone.
func (s *chatStream) Close() {
	if s.wroteTerminal || s.broken {
		return
	}
	_ = s.writeFrame(agent.Event{
		Type: agent.EventError,
		Err:  &agent.RunError{Kind: agent.ErrKindInternal, Message: "event stream ended unexpectedly"},
	})
}

func (s *chatStream) writeFrame(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		s.broken = true
		return err
	}
	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		s.broken = true
		return err
	}
	if s.fl != nil {
		s.fl.Flush()
	}
	return nil
}
