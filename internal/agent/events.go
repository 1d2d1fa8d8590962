package agent

import (
	"fmt"

	"github.com/castellandev/majordomo/internal/tools"
)

// EventType is the kind of event emitted while a run is in flight.
type EventType string

const (
	EventTextDelta         EventType = "text_delta"
	EventToolCallRequested EventType = "tool_call_requested"
	EventToolResult        EventType = "tool_result"
	EventEnd               EventType = "end"
	EventError             EventType = "error"
)

// Run error kinds. Tool-level failures are not terminal; they are fed back to
// the model as error results and never surface as a RunError.
const (
	ErrKindProvider       = "provider_error"
	ErrKindIterationLimit = "iteration_limit_exceeded"
	ErrKindCanceled       = "canceled"
	ErrKindInternal       = "internal_error"
)

type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	if e == nil {
		return "run error"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ToolCallInfo describes a tool invocation the model requested.
type ToolCallInfo struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResultInfo is the outcome of one tool invocation. IsError covers both
// execution failures and denied or invalid calls; Code narrows the cause.
type ToolResultInfo struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Content    string          `json:"content"`
	IsError    bool            `json:"is_error,omitempty"`
	Code       tools.ErrorCode `json:"code,omitempty"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Iterations     int    `json:"iterations"`
	InputTokens    int64  `json:"input_tokens,omitempty"`
	OutputTokens   int64  `json:"output_tokens,omitempty"`
}

// Event is one item on a run's event stream. Exactly one terminal event
// (End or Error) is delivered before the stream closes.
type Event struct {
	Type       EventType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCallInfo   `json:"tool_call,omitempty"`
	ToolResult *ToolResultInfo `json:"tool_result,omitempty"`
	Result     *RunResult      `json:"result,omitempty"`
	Err        *RunError       `json:"error,omitempty"`
}
