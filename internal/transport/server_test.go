package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/castellandev/majordomo/internal/agent"
	"github.com/castellandev/majordomo/internal/convstore"
	"github.com/castellandev/majordomo/internal/provider"
	"github.com/castellandev/majordomo/internal/schedule"
	"github.com/castellandev/majordomo/internal/tools"
)

type cannedProvider struct{ text string }

func (p *cannedProvider) StreamTurn(ctx context.Context, req provider.TurnRequest, onEvent func(provider.StreamEvent)) (provider.TurnResult, error) {
	if onEvent != nil {
		onEvent(provider.StreamEvent{Type: provider.StreamEventTextDelta, Text: p.text})
	}
	return provider.TurnResult{FinishReason: "stop", Text: p.text}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	conversations, err := convstore.Open(filepath.Join(dir, "conv.db"))
	if err != nil {
		t.Fatalf("convstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = conversations.Close() })
	sched, err := schedule.Open(filepath.Join(dir, "schedule.db"))
	if err != nil {
		t.Fatalf("schedule.Open: %v", err)
	}
	t.Cleanup(func() { _ = sched.Close() })

	reg := tools.NewRegistry()
	srv := &Server{
		Runner: &agent.Runner{
			Provider: &cannedProvider{text: "hello from the assistant"},
			Registry: reg,
			Store:    conversations,
			Model:    "test-model",
		},
		Conversations: conversations,
		Schedule:      sched,
		Allowed:       tools.NewPermissionSet(tools.PermFileRead),
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestChat_NDJSONStream(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/chat", chatRequest{Message: "hi"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	var types []string
	convID := ""
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		kind, _ := frame["type"].(string)
		types = append(types, kind)
		if kind == "started" {
			convID, _ = frame["conversation_id"].(string)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(types) < 3 || types[0] != "started" || types[len(types)-1] != "end" {
		t.Fatalf("frame types = %v", types)
	}
	if convID == "" {
		t.Fatal("started frame missing conversation id")
	}

	// The turn is persisted and retrievable.
	getResp, err := http.Get(ts.URL + "/api/conversations/" + convID)
	if err != nil {
		t.Fatalf("GET conversation: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET conversation status = %d", getResp.StatusCode)
	}
	var payload struct {
		Messages []convstore.Message `json:"messages"`
	}
	if err := json.NewDecoder(getResp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(payload.Messages))
	}
}

func TestChatStream_BackfillsTerminalFrame(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	stream, err := startChatStream(rec, "conv-1")
	if err != nil {
		t.Fatalf("startChatStream: %v", err)
	}
	if err := stream.Event(agent.Event{Type: agent.EventTextDelta, Text: "partial"}); err != nil {
		t.Fatalf("Event: %v", err)
	}
	// The run's channel closed without End or Error; Close must still give
	// the client a terminal frame.
	stream.Close()

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("frames = %d: %q", len(lines), rec.Body.String())
	}
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("bad frame %q: %v", lines[2], err)
	}
	if last["type"] != "error" {
		t.Fatalf("final frame = %v, want error", last)
	}

	// A stream that already delivered a terminal event writes nothing more.
	rec = httptest.NewRecorder()
	stream, err = startChatStream(rec, "conv-2")
	if err != nil {
		t.Fatalf("startChatStream: %v", err)
	}
	if err := stream.Event(agent.Event{Type: agent.EventEnd, Result: &agent.RunResult{ConversationID: "conv-2"}}); err != nil {
		t.Fatalf("Event: %v", err)
	}
	stream.Close()
	if got := len(strings.Split(strings.TrimSpace(rec.Body.String()), "\n")); got != 2 {
		t.Fatalf("frames = %d, want 2", got)
	}
}

func TestChat_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/chat", chatRequest{Message: "   "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/chat", chatRequest{Message: "hi", ConversationID: "no-such"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown conversation status = %d", resp.StatusCode)
	}
}

func TestScopeFor_NeverWidens(t *testing.T) {
	t.Parallel()

	srv := &Server{Allowed: tools.NewPermissionSet(tools.PermFileRead, tools.PermNotesWrite)}

	// No request scope: server default.
	if got := srv.scopeFor(nil); !got.Has(tools.PermFileRead) || !got.Has(tools.PermNotesWrite) {
		t.Fatalf("default scope = %v", got.Strings())
	}

	// Requests narrow but cannot add tags the server does not hold.
	got := srv.scopeFor([]string{"file:read", "email:send"})
	if !got.Has(tools.PermFileRead) {
		t.Fatal("file:read should survive")
	}
	if got.Has(tools.PermEmailSend) {
		t.Fatal("email:send must not be grantable by the client")
	}
	if len(got) != 1 {
		t.Fatalf("scope = %v", got.Strings())
	}
}

func TestActionsAPI_CRUD(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/actions", schedule.Action{
		Name:     "nightly-backup-note",
		Prompt:   "Write a note listing files changed today.",
		CronExpr: "0 22 * * *",
		Enabled:  true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created schedule.Action
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("missing generated id")
	}

	bad := postJSON(t, ts.URL+"/api/actions", schedule.Action{Name: "x", Prompt: "p", CronExpr: "nope"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cron status = %d", bad.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/actions/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/actions/"+created.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	missing, err := http.Get(ts.URL + "/api/actions/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", missing.StatusCode)
	}
}

func TestChatWS_RoundTrip(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(chatRequest{Message: "hi over ws"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var types []string
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		kind, _ := frame["type"].(string)
		types = append(types, kind)
		if kind == "end" || kind == "error" {
			break
		}
	}
	if types[0] != "started" || types[len(types)-1] != "end" {
		t.Fatalf("frame types = %v", types)
	}
}
