package openaicompat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentstart/agentstart"
)

// BuildBody converts model messages and a model name into an OpenAI-format
// ChatRequest. System messages are kept in the messages array as
// role:"system". Options configure generation parameters.
func BuildBody(messages []agentstart.ChatMessage, tools []agentstart.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == agentstart.RoleSystem:
			msgs = append(msgs, Message{
				Role:    "system",
				Content: m.Content,
			})

		case m.Role == agentstart.RoleAssistant && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msg := Message{
				Role:      "assistant",
				ToolCalls: tcs,
			}
			// Include text content if present alongside tool calls.
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == agentstart.RoleTool:
			// Tool result message.
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			// Regular user or assistant message.
			if len(m.Attachments) > 0 {
				msgs = append(msgs, Message{
					Role:    string(m.Role),
					Content: contentBlocks(m),
				})
			} else {
				msgs = append(msgs, Message{
					Role:    string(m.Role),
					Content: m.Content,
				})
			}
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// contentBlocks builds a multimodal content array from a message with
// attachments. Images become image_url blocks; everything else becomes a
// file block. Inline data is encoded as a data URI.
func contentBlocks(m agentstart.ChatMessage) []ContentBlock {
	var blocks []ContentBlock
	if m.Content != "" {
		blocks = append(blocks, ContentBlock{
			Type: "text",
			Text: m.Content,
		})
	}
	for _, att := range m.Attachments {
		url := att.URL
		if url == "" && len(att.Data) > 0 {
			url = fmt.Sprintf("data:%s;base64,%s",
				att.Type, base64.StdEncoding.EncodeToString(att.Data))
		}
		if url == "" {
			continue
		}
		if strings.HasPrefix(att.Type, "image/") {
			blocks = append(blocks, ContentBlock{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: url},
			})
		} else {
			blocks = append(blocks, ContentBlock{
				Type: "file",
				File: &FileData{Filename: att.Name, FileData: url},
			})
		}
	}
	return blocks
}

// BuildToolDefs converts tool definitions to OpenAI tool format.
func BuildToolDefs(tools []agentstart.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
