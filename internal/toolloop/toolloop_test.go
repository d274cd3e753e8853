package toolloop

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractToolCallsFromStructuredField(t *testing.T) {
	calls, err := ExtractToolCalls(`[{"id":"call-1","function":{"name":"execute_python","arguments":"{\"code\":\"1+1\"}"}}]`, "")
	if err != nil {
		t.Fatalf("ExtractToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "execute_python" || calls[0].ID != "call-1" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestExtractToolCallsShapeFunctionParameters(t *testing.T) {
	calls, err := ExtractToolCalls("", `{"function":{"name":"execute_python","parameters":{"code":"print(1)"}}}`)
	if err != nil {
		t.Fatalf("ExtractToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "execute_python" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestExtractToolCallsShapeNameArguments(t *testing.T) {
	calls, err := ExtractToolCalls("", `{"name":"execute_python","arguments":{"code":"print(1)"}}`)
	if err != nil {
		t.Fatalf("ExtractToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "execute_python" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestExtractToolCallsShapeTool(t *testing.T) {
	calls, err := ExtractToolCalls("", `{"tool":"execute_python","code":"print(1)"}`)
	if err != nil {
		t.Fatalf("ExtractToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Name != "execute_python" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if !strings.Contains(calls[0].Arguments, "code") {
		t.Fatalf("expected remaining fields folded into arguments, got %q", calls[0].Arguments)
	}
}

func TestExtractToolCallsNoMatchReturnsNil(t *testing.T) {
	calls, err := ExtractToolCalls("", "just plain assistant text, no tool call here")
	if err != nil {
		t.Fatalf("ExtractToolCalls: %v", err)
	}
	if calls != nil {
		t.Fatalf("expected no tool calls, got %+v", calls)
	}
}

type fakeExecutor struct {
	out string
	err error
}

func (f fakeExecutor) Execute(ctx context.Context, name, arguments string) (string, error) {
	return f.out, f.err
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(ctx context.Context, name, arguments string) (string, error) {
	panic("boom")
}

func TestRunRoutesToRegisteredTool(t *testing.T) {
	reg := RunRegistry{"execute_python": fakeExecutor{out: "2"}}
	msgs := Run(context.Background(), reg, []ToolCall{{ID: "c1", Name: "execute_python", Arguments: `{"code":"1+1"}`}})
	if len(msgs) != 1 || msgs[0].Content != "2" || msgs[0].ToolCallID != "c1" {
		t.Fatalf("unexpected result: %+v", msgs)
	}
}

func TestRunUnknownToolProducesErrorMessage(t *testing.T) {
	reg := RunRegistry{}
	msgs := Run(context.Background(), reg, []ToolCall{{ID: "c1", Name: "nonexistent"}})
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "unknown tool") {
		t.Fatalf("expected unknown-tool error message, got %+v", msgs)
	}
}

func TestRunToolFailureProducesErrorMessageNotPanic(t *testing.T) {
	reg := RunRegistry{"execute_python": fakeExecutor{err: errors.New("sandbox unreachable")}}
	msgs := Run(context.Background(), reg, []ToolCall{{ID: "c1", Name: "execute_python"}})
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "sandbox unreachable") {
		t.Fatalf("expected error surfaced as tool message, got %+v", msgs)
	}
}

func TestRunRecoversFromToolPanic(t *testing.T) {
	reg := RunRegistry{"execute_python": panickingExecutor{}}
	msgs := Run(context.Background(), reg, []ToolCall{{ID: "c1", Name: "execute_python"}})
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "panicked") {
		t.Fatalf("expected panic recovered into error message, got %+v", msgs)
	}
}

func TestRunPreservesCallOrder(t *testing.T) {
	reg := RunRegistry{"execute_python": fakeExecutor{out: "ok"}}
	calls := []ToolCall{
		{ID: "a", Name: "execute_python"},
		{ID: "b", Name: "execute_python"},
		{ID: "c", Name: "execute_python"},
	}
	msgs := Run(context.Background(), reg, calls)
	for i, m := range msgs {
		if m.ToolCallID != calls[i].ID {
			t.Fatalf("order mismatch at %d: got %s, want %s", i, m.ToolCallID, calls[i].ID)
		}
	}
}
