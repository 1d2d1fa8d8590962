// Package agent drives the model/tool loop for one conversation turn: call
// the provider, execute any requested tools, feed results back, repeat until
// the model answers in plain text or the iteration cap is hit.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/castellandev/majordomo/internal/convstore"
	"github.com/castellandev/majordomo/internal/provider"
	"github.com/castellandev/majordomo/internal/tools"
)

const (
	defaultMaxIterations   = 8
	defaultToolTimeout     = 60 * time.Second
	defaultProviderTimeout = 120 * time.Second
	defaultMaxToolParallel = 4
	maxToolResultChars     = 10_000
)

// Runner executes agent runs. All fields except Provider, Registry, and
// Store are optional.
type Runner struct {
	Provider provider.Provider
	Registry *tools.Registry
	Store    *convstore.Store
	Log      *slog.Logger

	Model           string
	SystemPrompt    string
	MaxIterations   int
	ToolTimeout     time.Duration
	ProviderTimeout time.Duration
	MaxToolParallel int
}

// RunRequest is one user turn. Allowed scopes which registered tools the
// model may see and call; a nil set exposes the full registry.
type RunRequest struct {
	ConversationID string
	UserMessage    string
	Allowed        tools.PermissionSet
}

// Run starts the turn and returns its event stream. The stream always ends
// with exactly one End or Error event and is then closed. Messages are
// persisted as they complete, so a canceled run keeps everything that
// finished before the cancellation point.
func (r *Runner) Run(ctx context.Context, req RunRequest) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		r.run(ctx, req, events)
	}()
	return events
}

func (r *Runner) run(ctx context.Context, req RunRequest, events chan<- Event) {
	log := r.logger().With("conversation_id", req.ConversationID)

	fail := func(kind, message string) {
		log.Error("agent run failed", "kind", kind, "error", message)
		r.send(ctx, events, Event{Type: EventError, Err: &RunError{Kind: kind, Message: message}})
	}

	if r.Provider == nil || r.Registry == nil || r.Store == nil {
		fail(ErrKindInternal, "runner not initialized")
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.UserMessage = strings.TrimSpace(req.UserMessage)
	if req.ConversationID == "" || req.UserMessage == "" {
		fail(ErrKindInternal, "missing conversation id or user message")
		return
	}

	history, err := r.loadHistory(ctx, req.ConversationID)
	if err != nil {
		fail(ErrKindInternal, "load history: "+err.Error())
		return
	}

	messages := make([]provider.Message, 0, len(history)+2)
	if system := strings.TrimSpace(r.SystemPrompt); system != "" {
		messages = append(messages, provider.TextMessage("system", system))
	}
	messages = append(messages, history...)

	userMsg := provider.TextMessage("user", req.UserMessage)
	if err := r.persist(ctx, req.ConversationID, userMsg, req.UserMessage); err != nil {
		fail(ErrKindInternal, "persist user message: "+err.Error())
		return
	}
	messages = append(messages, userMsg)

	defs := r.Registry.List(req.Allowed)
	toolDefs := make([]provider.ToolDef, 0, len(defs))
	for _, def := range defs {
		toolDefs = append(toolDefs, provider.ToolDef{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}

	maxIterations := r.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	providerTimeout := r.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}

	var usage provider.Usage
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			fail(ErrKindCanceled, err.Error())
			return
		}

		// A hung provider stream must not stall the run; scheduled runs pass
		// a long-lived context, so the deadline is per call.
		turnCtx, cancelTurn := context.WithTimeout(ctx, providerTimeout)
		turn, err := r.Provider.StreamTurn(turnCtx, provider.TurnRequest{
			Model:    r.Model,
			Messages: messages,
			Tools:    toolDefs,
		}, func(ev provider.StreamEvent) {
			if ev.Type == provider.StreamEventTextDelta && ev.Text != "" {
				r.send(ctx, events, Event{Type: EventTextDelta, Text: ev.Text})
			}
		})
		cancelTurn()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				fail(ErrKindCanceled, ctx.Err().Error())
			case errors.Is(err, context.DeadlineExceeded):
				fail(ErrKindProvider, "provider call timed out after "+providerTimeout.String())
			default:
				fail(ErrKindProvider, err.Error())
			}
			return
		}
		usage.InputTokens += turn.Usage.InputTokens
		usage.OutputTokens += turn.Usage.OutputTokens

		assistantMsg := assistantMessage(turn)
		if err := r.persist(ctx, req.ConversationID, assistantMsg, turn.Text); err != nil {
			fail(ErrKindInternal, "persist assistant message: "+err.Error())
			return
		}
		messages = append(messages, assistantMsg)

		if len(turn.ToolCalls) == 0 {
			log.Info("agent run finished", "iterations", iteration, "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
			r.send(ctx, events, Event{Type: EventEnd, Result: &RunResult{
				ConversationID: req.ConversationID,
				Text:           turn.Text,
				Iterations:     iteration,
				InputTokens:    usage.InputTokens,
				OutputTokens:   usage.OutputTokens,
			}})
			return
		}

		for _, call := range turn.ToolCalls {
			r.send(ctx, events, Event{Type: EventToolCallRequested, ToolCall: &ToolCallInfo{ID: call.ID, Name: call.Name, Args: call.Args}})
		}

		results := r.executeCalls(ctx, req.Allowed, turn.ToolCalls)
		toolMsg := provider.Message{Role: "tool"}
		for i := range results {
			res := results[i]
			r.send(ctx, events, Event{Type: EventToolResult, ToolResult: &res})
			toolMsg.Content = append(toolMsg.Content, provider.ContentPart{
				Type:       "tool_result",
				ToolCallID: res.ToolCallID,
				Text:       res.Content,
				IsError:    res.IsError,
			})
		}
		if err := r.persist(ctx, req.ConversationID, toolMsg, ""); err != nil {
			fail(ErrKindInternal, "persist tool results: "+err.Error())
			return
		}
		messages = append(messages, toolMsg)
	}

	log.Warn("agent run hit iteration cap", "max_iterations", maxIterations)
	fail(ErrKindIterationLimit, "model kept requesting tools after the final iteration")
}

// executeCalls runs the turn's tool calls with bounded parallelism and
// returns results in call order. Permission and schema failures become error
// results without touching the tool handler.
func (r *Runner) executeCalls(ctx context.Context, allowed tools.PermissionSet, calls []provider.ToolCall) []ToolResultInfo {
	results := make([]ToolResultInfo, len(calls))

	maxParallel := r.MaxToolParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxToolParallel
	}
	p := pool.New().WithMaxGoroutines(maxParallel)
	for i := range calls {
		i := i
		p.Go(func() {
			results[i] = r.executeCall(ctx, allowed, calls[i])
		})
	}
	p.Wait()
	return results
}

func (r *Runner) executeCall(ctx context.Context, allowed tools.PermissionSet, call provider.ToolCall) ToolResultInfo {
	res := ToolResultInfo{ToolCallID: call.ID, Name: call.Name}
	errResult := func(code tools.ErrorCode, message string) ToolResultInfo {
		res.IsError = true
		res.Code = code
		res.Content = "Error: " + truncateChars(message, 1000)
		return res
	}

	def, ok := r.Registry.Resolve(call.Name)
	if !ok {
		return errResult(tools.ErrorCodeNotFound, "unknown tool "+call.Name)
	}
	if allowed != nil && !allowed.Has(def.Permission) {
		r.logger().Warn("tool call denied", "tool", call.Name, "permission", string(def.Permission))
		return errResult(tools.ErrorCodePermissionDenied, "tool "+call.Name+" requires permission "+string(def.Permission))
	}
	if terr := tools.ValidateArgs(def, call.Args); terr != nil {
		return errResult(terr.Code, terr.Message)
	}

	timeout := r.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := def.Handler(callCtx, call.Args)
	r.logger().Info("tool executed", "tool", call.Name, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	if err != nil {
		var terr *tools.ToolError
		if errors.As(err, &terr) {
			return errResult(terr.Code, terr.Message)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errResult(tools.ErrorCodeTimeout, "tool "+call.Name+" timed out")
		}
		if errors.Is(err, context.Canceled) {
			return errResult(tools.ErrorCodeCanceled, "tool "+call.Name+" canceled")
		}
		return errResult(tools.ErrorCodeUnknown, err.Error())
	}
	res.Content = truncateChars(out, maxToolResultChars)
	return res
}

func (r *Runner) loadHistory(ctx context.Context, conversationID string) ([]provider.Message, error) {
	stored, err := r.Store.LoadMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Message, 0, len(stored))
	for _, m := range stored {
		var msg provider.Message
		if err := json.Unmarshal([]byte(m.MessageJSON), &msg); err != nil {
			// Skip rows that predate the current payload shape.
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Runner) persist(ctx context.Context, conversationID string, msg provider.Message, text string) error {
	if len(msg.Content) == 0 {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	// Persistence must survive a canceled run context.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err = r.Store.AppendMessage(storeCtx, conversationID, convstore.Message{
		Role:        msg.Role,
		TextContent: text,
		MessageJSON: string(raw),
	})
	return err
}

// send delivers an event unless the consumer has gone away and the buffer is
// full with the run context canceled.
func (r *Runner) send(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
		select {
		case events <- ev:
		default:
		}
	}
}

func (r *Runner) logger() *slog.Logger {
	if r != nil && r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

func assistantMessage(turn provider.TurnResult) provider.Message {
	msg := provider.Message{Role: "assistant"}
	if txt := strings.TrimSpace(turn.Text); txt != "" {
		msg.Content = append(msg.Content, provider.ContentPart{Type: "text", Text: txt})
	}
	for _, call := range turn.ToolCalls {
		args := "{}"
		if len(call.Args) > 0 {
			if b, err := json.Marshal(call.Args); err == nil {
				args = string(b)
			}
		}
		msg.Content = append(msg.Content, provider.ContentPart{
			Type:       "tool_call",
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ArgsJSON:   args,
		})
	}
	return msg
}

func truncateChars(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
