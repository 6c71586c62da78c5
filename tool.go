package agentstart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDefinition declares one callable tool: prompt text plus JSON
// Schemas for its input and output.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`       // JSON Schema
	Output      json.RawMessage `json:"output,omitempty"` // JSON Schema
}

// ToolStatus is the state carried by a tool status event.
type ToolStatus string

const (
	StatusPending ToolStatus = "pending"
	StatusDone    ToolStatus = "done"
	StatusError   ToolStatus = "error"
)

// ToolEvent is one status event in a tool execution. Every execution
// produces exactly one initial pending event, zero or more pending
// updates, and exactly one terminal done or error event.
type ToolEvent struct {
	Status   ToolStatus     `json:"status"`
	Prompt   string         `json:"prompt,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// ToolError is the error payload inside a terminal error event.
type ToolError struct {
	Message string `json:"message"`
}

// ToolResult is the terminal outcome of a tool execution. Content is the
// projection fed back to the model; Metadata rides on the done event and
// the persisted tool-result part.
type ToolResult struct {
	Content  string         `json:"content"`
	Error    string         `json:"error,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunContext is the per-thread execution context injected into every
// tool call. It is passed explicitly, never stored in globals.
type RunContext struct {
	ThreadID string
	Memory   MemoryAdapter
	Sandbox  *SandboxManager
	Writer   *Writer
	Commit   CommitConfig
	// WorkDir is the repository root inside the sandbox.
	WorkDir string
	Logger  *slog.Logger
}

// Log returns the context logger, defaulting to the nop logger.
func (rc *RunContext) Log() *slog.Logger {
	if rc == nil || rc.Logger == nil {
		return nopLogger
	}
	return rc.Logger
}

// Tool defines an agent capability with one or more tool functions.
// Execute streams intermediate pending updates into events (may be nil)
// and returns the terminal result; the registry wraps both ends of the
// status protocol around it.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, rc *RunContext, name string, args json.RawMessage, events chan<- ToolEvent) (ToolResult, error)
}

// ApprovalGated is an optional capability: tools that require external
// approval stop the loop with a needs-approval finish reason instead of
// executing.
type ApprovalGated interface {
	RequiresApproval(name string) bool
}

// Prompter is an optional capability: tools provide the human-readable
// label for the initial pending event.
type Prompter interface {
	PendingPrompt(name string, args json.RawMessage) string
}

// ToolRegistry holds all registered tools, validates inputs against
// their schemas, and enforces the status event protocol.
type ToolRegistry struct {
	tools []Tool

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Lookup returns the tool serving name, its definition, and whether it
// was found.
func (r *ToolRegistry) Lookup(name string) (Tool, ToolDefinition, bool) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t, d, true
			}
		}
	}
	return nil, ToolDefinition{}, false
}

// RequiresApproval reports whether the named tool is approval-gated.
func (r *ToolRegistry) RequiresApproval(name string) bool {
	t, _, ok := r.Lookup(name)
	if !ok {
		return false
	}
	if g, ok := t.(ApprovalGated); ok {
		return g.RequiresApproval(name)
	}
	return false
}

// Execute dispatches a tool call by name, emitting the full status
// protocol into events (which may be nil for callers that only want the
// result): one initial pending, the tool's own updates, one terminal
// done or error. Thrown panics and errors become error events so the
// model can recover on the next iteration.
func (r *ToolRegistry) Execute(ctx context.Context, rc *RunContext, name string, args json.RawMessage, events chan<- ToolEvent) (res ToolResult) {
	tool, def, ok := r.Lookup(name)
	if !ok {
		res = ToolResult{Error: "unknown tool: " + name, Prompt: "Unknown tool " + name}
		emitToolEvent(ctx, events, ToolEvent{Status: StatusError, Err: res.Error, Prompt: res.Prompt})
		return res
	}

	prompt := "Running " + name
	if p, ok := tool.(Prompter); ok {
		if s := p.PendingPrompt(name, args); s != "" {
			prompt = s
		}
	}
	emitToolEvent(ctx, events, ToolEvent{Status: StatusPending, Prompt: prompt})

	if err := r.validateArgs(def, args); err != nil {
		res = ToolResult{Error: "invalid input: " + err.Error(), Prompt: prompt}
		emitToolEvent(ctx, events, ToolEvent{Status: StatusError, Err: res.Error, Prompt: prompt})
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{Error: fmt.Sprintf("tool %q panic: %v", name, p), Prompt: prompt}
			emitToolEvent(ctx, events, ToolEvent{Status: StatusError, Err: res.Error, Prompt: prompt})
		}
	}()

	result, err := tool.Execute(ctx, rc, name, args, events)
	if err != nil {
		res = ToolResult{Error: err.Error(), Prompt: prompt}
		emitToolEvent(ctx, events, ToolEvent{Status: StatusError, Err: res.Error, Prompt: prompt})
		return res
	}
	if result.Prompt == "" {
		result.Prompt = prompt
	}
	if result.Error != "" {
		emitToolEvent(ctx, events, ToolEvent{Status: StatusError, Err: result.Error, Prompt: result.Prompt, Metadata: result.Metadata})
		return result
	}
	emitToolEvent(ctx, events, ToolEvent{Status: StatusDone, Prompt: result.Prompt, Metadata: result.Metadata})
	return result
}

// validateArgs checks args against the tool's parameter schema. Tools
// without a schema accept anything.
func (r *ToolRegistry) validateArgs(def ToolDefinition, args json.RawMessage) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	sch, err := r.compileSchema(def)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return sch.Validate(inst)
}

func (r *ToolRegistry) compileSchema(def ToolDefinition) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sch, ok := r.schemas[def.Name]; ok {
		return sch, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.Parameters))
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + def.Name + "/input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	r.schemas[def.Name] = sch
	return sch, nil
}

// emitToolEvent sends without blocking past cancellation.
func emitToolEvent(ctx context.Context, ch chan<- ToolEvent, ev ToolEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// ModelOutput projects a tool result into the error-text or plain text
// fed back to the model.
func (t ToolResult) ModelOutput() string {
	if t.Error != "" {
		return "error: " + t.Error
	}
	return t.Content
}

// OutputJSON serializes the result for the persisted tool-result part.
func (t ToolResult) OutputJSON() json.RawMessage {
	b, err := json.Marshal(t)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
