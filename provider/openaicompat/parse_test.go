package openaicompat

import (
	"testing"

	"github.com/agentstart/agentstart"
)

func TestParseResponse_Content(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{
			{Message: &ChoiceMessage{Content: "Hello!"}, FinishReason: "stop"},
		},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5},
	}

	out, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if out.Content != "Hello!" {
		t.Errorf("expected 'Hello!', got %q", out.Content)
	}
	if out.FinishReason != agentstart.FinishStop {
		t.Errorf("expected stop, got %q", out.FinishReason)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage %+v", out.Usage)
	}
}

func TestParseResponse_ToolCalls(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{
			{
				Message: &ChoiceMessage{
					ToolCalls: []ToolCallRequest{
						{ID: "call_1", Function: FunctionCall{Name: "bash", Arguments: `{"command":"ls"}`}},
					},
				},
				FinishReason: "tool_calls",
			},
		},
	}

	out, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	if out.ToolCalls[0].Name != "bash" {
		t.Errorf("expected bash, got %q", out.ToolCalls[0].Name)
	}
	if out.FinishReason != agentstart.FinishToolCalls {
		t.Errorf("expected tool-calls, got %q", out.FinishReason)
	}
}

func TestParseToolCalls_InvalidArgs(t *testing.T) {
	calls := ParseToolCalls([]ToolCallRequest{
		{ID: "call_1", Function: FunctionCall{Name: "read", Arguments: "{broken"}},
	})
	if string(calls[0].Args) != `{}` {
		t.Errorf("invalid arguments should degrade to {}, got %s", calls[0].Args)
	}
}

func TestParseFinishReason(t *testing.T) {
	cases := []struct {
		reason   string
		hasCalls bool
		want     agentstart.FinishReason
	}{
		{"stop", false, agentstart.FinishStop},
		{"length", false, agentstart.FinishLength},
		{"tool_calls", false, agentstart.FinishToolCalls},
		{"", true, agentstart.FinishToolCalls},
		{"", false, agentstart.FinishStop},
	}
	for _, c := range cases {
		if got := ParseFinishReason(c.reason, c.hasCalls); got != c.want {
			t.Errorf("ParseFinishReason(%q, %v) = %q, want %q", c.reason, c.hasCalls, got, c.want)
		}
	}
}
