// Package transport exposes the agent and scheduler over HTTP: a streaming
// chat endpoint (NDJSON and WebSocket) and a small JSON API for
// conversations, scheduled actions, and their runs.
package transport

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/castellandev/majordomo/internal/agent"
	"github.com/castellandev/majordomo/internal/convstore"
	"github.com/castellandev/majordomo/internal/schedule"
	"github.com/castellandev/majordomo/internal/tools"
)

type Server struct {
	Runner        *agent.Runner
	Conversations *convstore.Store
	Schedule      *schedule.Store
	Log           *slog.Logger

	// Allowed is the default permission scope for interactive chat. A chat
	// request may narrow it but never widen it.
	Allowed tools.PermissionSet
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /api/actions", s.handleListActions)
	mux.HandleFunc("POST /api/actions", s.handleCreateAction)
	mux.HandleFunc("GET /api/actions/{id}", s.handleGetAction)
	mux.HandleFunc("PUT /api/actions/{id}", s.handleUpdateAction)
	mux.HandleFunc("DELETE /api/actions/{id}", s.handleDeleteAction)
	mux.HandleFunc("GET /api/actions/{id}/runs", s.handleListRuns)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// chatRequest starts one agent turn. With an empty conversation_id a new
// interactive conversation is created and returned in the first event.
type chatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	Permissions    []string `json:"permissions,omitempty"`
}

type chatStartedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	convID, runReq, err := s.prepareRun(r, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, err := startChatStream(w, convID)
	if err != nil {
		s.logger().Debug("chat stream open failed", "error", err)
		return
	}
	defer stream.Close()

	for ev := range s.Runner.Run(r.Context(), runReq) {
		if err := stream.Event(ev); err != nil {
			// Client went away; the request context cancels the run.
			s.logger().Debug("chat stream write failed", "error", err)
			return
		}
	}
}

// prepareRun resolves the conversation and permission scope for a chat turn.
func (s *Server) prepareRun(r *http.Request, req chatRequest) (string, agent.RunRequest, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return "", agent.RunRequest{}, errors.New("missing message")
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID == "" {
		conv, err := s.Conversations.CreateConversation(r.Context(), convstore.Conversation{Source: convstore.SourceInteractive})
		if err != nil {
			return "", agent.RunRequest{}, err
		}
		convID = conv.ID
	} else if _, err := s.Conversations.GetConversation(r.Context(), convID); err != nil {
		return "", agent.RunRequest{}, errors.New("unknown conversation")
	}

	return convID, agent.RunRequest{
		ConversationID: convID,
		UserMessage:    message,
		Allowed:        s.scopeFor(req.Permissions),
	}, nil
}

// scopeFor intersects the requested tags with the server's default scope.
// Requests cannot grant themselves tags the server does not hold.
func (s *Server) scopeFor(requested []string) tools.PermissionSet {
	if len(requested) == 0 {
		return s.Allowed
	}
	asked := tools.PermissionSetFromStrings(requested)
	if s.Allowed == nil {
		return asked
	}
	out := make(tools.PermissionSet, len(asked))
	for tag := range asked {
		if s.Allowed.Has(tag) {
			out[tag] = struct{}{}
		}
	}
	return out
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.Conversations.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.Conversations.GetConversation(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msgs, err := s.Conversations.LoadMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.Conversations.DeleteConversation(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	out, err := s.Schedule.ListActions(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": out})
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var action schedule.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.Schedule.CreateAction(r.Context(), action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := s.Schedule.GetAction(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	var action schedule.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action.ID = r.PathValue("id")
	err := s.Schedule.UpdateAction(r.Context(), action)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	err := s.Schedule.DeleteAction(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.Schedule.ListRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) logger() *slog.Logger {
	if s != nil && s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
