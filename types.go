package agentstart

import (
	"encoding/json"
	"strings"
	"time"
)

// --- Domain types (database records) ---

// Visibility controls who may read a thread.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Thread is a single ordered conversation between one user and one agent.
type Thread struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Title       string          `json:"title"`
	Visibility  Visibility      `json:"visibility"`
	LastContext json.RawMessage `json:"lastContext,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// DefaultThreadTitle is assigned on creation until title generation runs.
const DefaultThreadTitle = "New Thread"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// UIMessage is a persisted conversation message as the client sees it:
// an ordered sequence of typed parts plus optional attachments.
type UIMessage struct {
	ID          string          `json:"id"`
	ThreadID    string          `json:"threadId"`
	Role        Role            `json:"role"`
	Parts       []Part          `json:"parts"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Attachment is a file reference carried alongside a user message.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"` // MIME type
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// PartType discriminates the Part tagged union.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartData       PartType = "data" // transient frames use DataTag "agentstart-*"
)

// Part is one element of a message's ordered content.
// Exactly the fields for its Type are set; the rest stay zero.
type Part struct {
	Type PartType `json:"type"`

	// Text / Reasoning content.
	Text string `json:"text,omitempty"`

	// Tool call/result correlation.
	CallID string          `json:"callId,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`

	// Data frames.
	DataTag   string          `json:"dataTag,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Transient bool            `json:"transient,omitempty"`
}

// IsTransient reports whether the part must not be persisted.
// Covers the data-agentstart-* frames (title updates, suggestions).
func (p Part) IsTransient() bool {
	return p.Transient || (p.Type == PartData && strings.HasPrefix(p.DataTag, "agentstart-"))
}

func TextPart(text string) Part      { return Part{Type: PartText, Text: text} }
func ReasoningPart(text string) Part { return Part{Type: PartReasoning, Text: text} }

func ToolCallPart(callID, tool string, input json.RawMessage) Part {
	return Part{Type: PartToolCall, CallID: callID, Tool: tool, Input: input}
}

func ToolResultPart(callID, tool string, output json.RawMessage) Part {
	return Part{Type: PartToolResult, CallID: callID, Tool: tool, Output: output}
}

// TodoStatus is the lifecycle state of a single todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "inProgress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in a thread's todo list.
type TodoItem struct {
	ID       string     `json:"id"`
	Content  string     `json:"content"`
	Status   TodoStatus `json:"status"`
	Priority string     `json:"priority,omitempty"`
}

// Todo is the per-thread todo row. At most one exists per thread, and at
// most one item may be inProgress at any time (enforced by todo_write).
type Todo struct {
	ThreadID  string     `json:"threadId"`
	Todos     []TodoItem `json:"todos"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// --- LLM protocol types ---

// ChatMessage is a provider-agnostic model message.
type ChatMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// CacheHint marks the message for ephemeral prompt caching on
	// providers that support it.
	CacheHint bool `json:"cache_hint,omitempty"`
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FinishReason is the model's reason for ending a step.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishLength        FinishReason = "length"
	FinishError         FinishReason = "error"
	FinishNeedsApproval FinishReason = "needs-approval"
)

// ChatRequest is the input to a Provider call.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the outcome of one model step.
type ChatResponse struct {
	Content      string       `json:"content"`
	Reasoning    string       `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Usage tracks token consumption for one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}
