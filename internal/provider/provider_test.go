package provider

import (
	"errors"
	"testing"
)

func TestNew_RejectsMissingKeyAndUnknownType(t *testing.T) {
	t.Parallel()

	if _, err := New("anthropic", "", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
	if _, err := New("mystery", "", "key"); err == nil {
		t.Fatal("expected error for unknown provider type")
	}
	if _, err := New("anthropic", "", "key"); err != nil {
		t.Fatalf("anthropic: %v", err)
	}
	if _, err := New(" OpenAI ", "", "key"); err != nil {
		t.Fatalf("type should be case and space insensitive: %v", err)
	}
	if _, err := New("openai_compatible", "http://localhost:8080/v1", "key"); err != nil {
		t.Fatalf("openai_compatible: %v", err)
	}
}

func TestSanitizeToolName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"read_file", "read_file"},
		{"fs.read", "fs_read"},
		{"a b/c", "a_b_c"},
		{"  spaced  ", "spaced"},
		{"___", "tool"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := sanitizeToolName(tc.in); got != tc.want {
			t.Fatalf("sanitizeToolName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMapStopReasons(t *testing.T) {
	t.Parallel()

	if got := mapAnthropicStopReason("tool_use"); got != "tool_calls" {
		t.Fatalf("tool_use = %q", got)
	}
	if got := mapAnthropicStopReason("end_turn"); got != "stop" {
		t.Fatalf("end_turn = %q", got)
	}
	if got := mapAnthropicStopReason("max_tokens"); got != "length" {
		t.Fatalf("max_tokens = %q", got)
	}
	if got := mapOpenAIStatus("completed"); got != "stop" {
		t.Fatalf("completed = %q", got)
	}
	if got := mapOpenAIStatus("incomplete"); got != "length" {
		t.Fatalf("incomplete = %q", got)
	}
	if got := mapOpenAIStatus("failed"); got != "error" {
		t.Fatalf("failed = %q", got)
	}
}

func TestCollectSystemPrompt(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		TextMessage("system", "You are a helpful assistant."),
		TextMessage("user", "hi"),
		TextMessage("system", "Be brief."),
	}
	got := collectSystemPrompt(msgs)
	want := "You are a helpful assistant.\n\nBe brief."
	if got != want {
		t.Fatalf("collectSystemPrompt = %q, want %q", got, want)
	}
}

func TestBuildAnthropicMessages_SkipsSystemAndEmpty(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		TextMessage("system", "instructions"),
		TextMessage("user", "hello"),
		{Role: "assistant", Content: []ContentPart{{Type: "text", Text: "   "}}},
		TextMessage("assistant", "reply"),
	}
	out := buildAnthropicMessages(msgs)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
}

func TestBuildOpenAIInput_RoutesRoles(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		TextMessage("system", "instructions"),
		TextMessage("user", "hello"),
		{Role: "assistant", Content: []ContentPart{
			{Type: "tool_call", ToolCallID: "call_1", ToolName: "read_file", ArgsJSON: `{"path":"a.md"}`},
		}},
		{Role: "tool", Content: []ContentPart{
			{Type: "tool_result", ToolCallID: "call_1", Text: "contents"},
		}},
	}
	items, instructions := buildOpenAIInput(msgs)
	if instructions != "instructions" {
		t.Fatalf("instructions = %q", instructions)
	}
	// user message, function call, function call output
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := newProviderError("anthropic", cause)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatal("errors.As should match *Error")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
	if newProviderError("anthropic", nil) != nil {
		t.Fatal("nil cause should map to nil")
	}
}
