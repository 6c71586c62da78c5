package openaicompat

import (
	"context"
	"strings"
	"testing"

	"github.com/agentstart/agentstart"
)

func TestStreamSSE_TextDeltas(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}],"usage":null}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2}}`,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan agentstart.Delta, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	close(ch)

	if resp.Content != "Hello" {
		t.Errorf("expected 'Hello', got %q", resp.Content)
	}
	if resp.FinishReason != agentstart.FinishStop {
		t.Errorf("expected stop, got %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}

	var texts []string
	for d := range ch {
		texts = append(texts, d.Text)
	}
	if strings.Join(texts, "") != "Hello" {
		t.Errorf("expected streamed 'Hello', got %q", strings.Join(texts, ""))
	}
}

func TestStreamSSE_ToolCallFragments(t *testing.T) {
	// Arguments arrive as string fragments keyed by index.
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"bash"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"comm"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan agentstart.Delta, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "bash" {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if string(tc.Args) != `{"command":"ls"}` {
		t.Errorf("expected reassembled args, got %s", tc.Args)
	}
	if resp.FinishReason != agentstart.FinishToolCalls {
		t.Errorf("expected tool-calls, got %q", resp.FinishReason)
	}
}

func TestStreamSSE_ReasoningDeltas(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`,
		`data: {"choices":[{"delta":{"content":"Answer"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan agentstart.Delta, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	close(ch)

	if resp.Reasoning != "thinking..." {
		t.Errorf("expected reasoning, got %q", resp.Reasoning)
	}
	if resp.Content != "Answer" {
		t.Errorf("expected 'Answer', got %q", resp.Content)
	}

	var sawReasoning bool
	for d := range ch {
		if d.Reasoning && d.Text == "thinking..." {
			sawReasoning = true
		}
	}
	if !sawReasoning {
		t.Error("expected a reasoning delta on the channel")
	}
}

func TestStreamSSE_SkipsMalformedChunks(t *testing.T) {
	sse := strings.Join([]string{
		`data: {broken json`,
		`: comment line`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan agentstart.Delta, 16)
	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected 'ok', got %q", resp.Content)
	}
}
