package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/agentstart/agentstart"
)

// StreamSSE reads an SSE stream from body, sends text and reasoning
// deltas to ch, and returns the fully accumulated response (content +
// tool calls + usage). The channel is left open; the caller owns it.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- agentstart.Delta) (agentstart.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var fullReasoning strings.Builder
	var usage agentstart.Usage
	var finishReason string

	// Accumulate tool calls across chunks. OpenAI streams tool calls
	// incrementally: each chunk has an index, and arguments arrive as
	// string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}

		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.ReasoningContent != "" {
			fullReasoning.WriteString(delta.ReasoningContent)
			select {
			case ch <- agentstart.Delta{Reasoning: true, Text: delta.ReasoningContent}:
			case <-ctx.Done():
				return agentstart.ChatResponse{}, ctx.Err()
			}
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- agentstart.Delta{Text: delta.Content}:
			case <-ctx.Done():
				return agentstart.ChatResponse{}, ctx.Err()
			}
		}

		// Accumulate tool calls.
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}

			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return agentstart.ChatResponse{}, err
	}

	// Build final tool calls.
	var calls []agentstart.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, agentstart.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}

	return agentstart.ChatResponse{
		Content:      fullContent.String(),
		Reasoning:    fullReasoning.String(),
		ToolCalls:    calls,
		FinishReason: ParseFinishReason(finishReason, len(calls) > 0),
		Usage:        usage,
	}, nil
}
