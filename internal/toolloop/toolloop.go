// Package toolloop extracts tool calls from an upstream completion, routes
// each to a registered tool, and issues a single follow-up completion with
// tool results appended.
//
// Grounded on the teacher's `internal/tools/executor.go` registry/dispatch
// shape (a map[string]Tool, timeout + panic recovery around Execute);
// generalized here from RBAC-gated internal tools to the single external
// `execute_python` sandbox collaborator the spec names.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ToolCall is one call extracted from an upstream completion.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// Executor runs one named tool and returns its stdout-equivalent result.
type Executor interface {
	Execute(ctx context.Context, name string, arguments string) (string, error)
}

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// structuredCall mirrors the OpenAI-compatible tool_calls field shape.
type structuredCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// ExtractToolCalls pulls tool calls from the structured field when present,
// else falls back to JSON-parsing the assistant's text content against the
// three shapes the spec names.
func ExtractToolCalls(structuredCallsJSON string, content string) ([]ToolCall, error) {
	if structuredCallsJSON != "" {
		var calls []structuredCall
		if err := json.Unmarshal([]byte(structuredCallsJSON), &calls); err != nil {
			return nil, fmt.Errorf("toolloop: decode structured tool_calls: %w", err)
		}
		out := make([]ToolCall, len(calls))
		for i, c := range calls {
			out[i] = ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments}
		}
		return out, nil
	}
	return extractFromText(content)
}

// shapeA is {"function": {"name": ..., "parameters": ...}}.
type shapeA struct {
	Function *struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// shapeB is {"name": ..., "arguments": ...}.
type shapeB struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// shapeC is {"tool": ..., ...rest-as-arguments}.
type shapeC struct {
	Tool string `json:"tool"`
}

func extractFromText(content string) ([]ToolCall, error) {
	if content == "" {
		return nil, nil
	}

	var a shapeA
	if err := json.Unmarshal([]byte(content), &a); err == nil && a.Function != nil && a.Function.Name != "" {
		return []ToolCall{{Name: a.Function.Name, Arguments: string(a.Function.Parameters)}}, nil
	}

	var b shapeB
	if err := json.Unmarshal([]byte(content), &b); err == nil && b.Name != "" {
		return []ToolCall{{Name: b.Name, Arguments: string(b.Arguments)}}, nil
	}

	var c shapeC
	if err := json.Unmarshal([]byte(content), &c); err == nil && c.Tool != "" {
		var rest map[string]json.RawMessage
		_ = json.Unmarshal([]byte(content), &rest)
		delete(rest, "tool")
		args, _ := json.Marshal(rest)
		return []ToolCall{{Name: c.Tool, Arguments: string(args)}}, nil
	}

	// Not JSON, or none of the three shapes matched: no tool call present.
	return nil, nil
}

// ToolMessage is one `role: "tool"` message produced after execution,
// appended to the conversation ahead of the follow-up completion.
type ToolMessage struct {
	ToolCallID string
	Content    string
}

// RunRegistry maps tool names to Executors; unknown names produce an
// error-tool-message rather than aborting the round.
type RunRegistry map[string]Executor

// Run executes every call against reg and returns one ToolMessage per call,
// in the same order. A tool failure (timeout, panic, upstream error) never
// aborts the loop — it becomes an error tool message the model can react to.
func Run(ctx context.Context, reg RunRegistry, calls []ToolCall) []ToolMessage {
	out := make([]ToolMessage, len(calls))
	for i, call := range calls {
		out[i] = ToolMessage{ToolCallID: call.ID, Content: runOne(ctx, reg, call)}
	}
	return out
}

func runOne(ctx context.Context, reg RunRegistry, call ToolCall) (result string) {
	tool, ok := reg[call.Name]
	if !ok {
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultToolTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			slog.Error("toolloop: tool panicked", "tool", call.Name, "panic", p)
			result = fmt.Sprintf(`{"error":"tool %q panicked"}`, call.Name)
		}
	}()

	out, err := tool.Execute(ctx, call.Name, call.Arguments)
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf(`{"error":"tool %q timed out after %s"}`, call.Name, DefaultToolTimeout)
	}
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return out
}

// Result is what a single tool round contributes to the final completion:
// tool result messages plus token usage to add to the request total.
type Result struct {
	ToolMessages     []ToolMessage
	PromptTokens     int
	CompletionTokens int
}
