package openaicompat

import (
	"encoding/json"

	"github.com/agentstart/agentstart"
)

// ParseResponse converts an OpenAI-format ChatResponse to an
// agentstart.ChatResponse. It extracts content, reasoning, tool calls,
// finish reason, and usage from choices[0].
func ParseResponse(resp ChatResponse) (agentstart.ChatResponse, error) {
	var out agentstart.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.Reasoning = choice.Message.ReasoningContent
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.FinishReason = ParseFinishReason(choice.FinishReason, len(out.ToolCalls) > 0)

	if resp.Usage != nil {
		out.Usage = agentstart.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to agentstart
// ToolCalls. OpenAI returns function.arguments as a JSON string; we keep
// it as json.RawMessage.
func ParseToolCalls(tcs []ToolCallRequest) []agentstart.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]agentstart.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		// Arguments must be valid JSON; degrade to an empty object.
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, agentstart.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// ParseFinishReason maps an OpenAI finish_reason string. Some providers
// omit it on tool-call responses, so the presence of tool calls wins.
func ParseFinishReason(reason string, hasToolCalls bool) agentstart.FinishReason {
	if hasToolCalls {
		return agentstart.FinishToolCalls
	}
	switch reason {
	case "length":
		return agentstart.FinishLength
	case "tool_calls", "function_call":
		return agentstart.FinishToolCalls
	default:
		return agentstart.FinishStop
	}
}
