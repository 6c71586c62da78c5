package openaicompat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentstart/agentstart"
)

func TestBuildBody_SystemMessages(t *testing.T) {
	messages := []agentstart.ChatMessage{
		agentstart.SystemMessage("You are a helpful assistant."),
		agentstart.UserMessage("Hello"),
	}

	req := BuildBody(messages, nil, "gpt-4o")

	if req.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("expected role system, got %q", req.Messages[0].Role)
	}
	if req.Messages[1].Content != "Hello" {
		t.Errorf("expected 'Hello', got %v", req.Messages[1].Content)
	}
}

func TestBuildBody_ToolCallRoundTrip(t *testing.T) {
	messages := []agentstart.ChatMessage{
		agentstart.UserMessage("list files"),
		{
			Role: agentstart.RoleAssistant,
			ToolCalls: []agentstart.ToolCall{
				{ID: "call_1", Name: "ls", Args: json.RawMessage(`{"path":"."}`)},
			},
		},
		agentstart.ToolResultMessage("call_1", "a.txt\nb.txt"),
	}

	req := BuildBody(messages, nil, "gpt-4o")

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	assistant := req.Messages[1]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(assistant.ToolCalls))
	}
	if assistant.ToolCalls[0].Function.Name != "ls" {
		t.Errorf("expected ls, got %q", assistant.ToolCalls[0].Function.Name)
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"path":"."}` {
		t.Errorf("unexpected arguments %q", assistant.ToolCalls[0].Function.Arguments)
	}
	toolMsg := req.Messages[2]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" {
		t.Errorf("unexpected tool message %+v", toolMsg)
	}
}

func TestBuildBody_ToolDefinitions(t *testing.T) {
	tools := []agentstart.ToolDefinition{
		{Name: "read", Description: "Read a file", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "noop", Description: "Does nothing"},
	}

	req := BuildBody([]agentstart.ChatMessage{agentstart.UserMessage("hi")}, tools, "gpt-4o")

	if len(req.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(req.Tools))
	}
	if req.Tools[0].Type != "function" || req.Tools[0].Function.Name != "read" {
		t.Errorf("unexpected tool %+v", req.Tools[0])
	}
	// Empty parameters degrade to an empty object.
	if string(req.Tools[1].Function.Parameters) != `{}` {
		t.Errorf("expected {}, got %s", req.Tools[1].Function.Parameters)
	}
}

func TestBuildBody_ImageAttachment(t *testing.T) {
	messages := []agentstart.ChatMessage{
		{
			Role:    agentstart.RoleUser,
			Content: "What is this?",
			Attachments: []agentstart.Attachment{
				{Name: "cat.png", Type: "image/png", Data: []byte{1, 2, 3}},
			},
		},
	}

	req := BuildBody(messages, nil, "gpt-4o")

	blocks, ok := req.Messages[0].Content.([]ContentBlock)
	if !ok {
		t.Fatalf("expected content blocks, got %T", req.Messages[0].Content)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "What is this?" {
		t.Errorf("unexpected text block %+v", blocks[0])
	}
	if blocks[1].Type != "image_url" {
		t.Fatalf("expected image_url block, got %q", blocks[1].Type)
	}
	if !strings.HasPrefix(blocks[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("expected data URI, got %q", blocks[1].ImageURL.URL)
	}
}

func TestBuildBody_Options(t *testing.T) {
	req := BuildBody([]agentstart.ChatMessage{agentstart.UserMessage("hi")}, nil, "gpt-4o",
		WithTemperature(0.2), WithMaxTokens(512))

	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("expected temperature 0.2, got %v", req.Temperature)
	}
	if req.MaxTokens != 512 {
		t.Errorf("expected max tokens 512, got %d", req.MaxTokens)
	}
}
