// Package todo provides the todo_read and todo_write tools. Each
// thread owns at most one todo row; todo_write replaces the full list
// and enforces the single-inProgress invariant.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentstart/agentstart"
)

// Tool implements the todo tool family.
type Tool struct{}

// New creates the todo tool.
func New() *Tool { return &Tool{} }

var _ agentstart.Tool = (*Tool)(nil)
var _ agentstart.Prompter = (*Tool)(nil)

func (t *Tool) Definitions() []agentstart.ToolDefinition {
	return []agentstart.ToolDefinition{
		{
			Name:        "todo_read",
			Description: "Read the current task list for this conversation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "todo_write",
			Description: "Replace the task list. At most one task may be inProgress at a time.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":{"type":"object","properties":{"id":{"type":"string"},"content":{"type":"string"},"status":{"type":"string","enum":["pending","inProgress","completed"]},"priority":{"type":"string","enum":["high","medium","low"]}},"required":["content","status"]}}},"required":["todos"]}`),
		},
	}
}

func (t *Tool) PendingPrompt(name string, _ json.RawMessage) string {
	switch name {
	case "todo_read":
		return "Reading task list"
	case "todo_write":
		return "Updating task list"
	}
	return ""
}

func (t *Tool) Execute(ctx context.Context, rc *agentstart.RunContext, name string, args json.RawMessage, events chan<- agentstart.ToolEvent) (agentstart.ToolResult, error) {
	if rc == nil || rc.Memory == nil {
		return agentstart.ToolResult{Error: "no memory adapter configured"}, nil
	}
	switch name {
	case "todo_read":
		return t.read(ctx, rc)
	case "todo_write":
		return t.write(ctx, rc, args)
	default:
		return agentstart.ToolResult{Error: "unknown todo tool: " + name}, nil
	}
}

func (t *Tool) read(ctx context.Context, rc *agentstart.RunContext) (agentstart.ToolResult, error) {
	row, err := rc.Memory.FindOne(ctx, agentstart.ModelTodo,
		[]agentstart.Where{agentstart.Eq("threadId", rc.ThreadID)})
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	if row == nil {
		return agentstart.ToolResult{Error: "no todos found for this conversation"}, nil
	}
	todo, err := agentstart.RowToTodo(row)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	return agentstart.ToolResult{
		Content:  renderTodos(todo.Todos),
		Metadata: map[string]any{"count": len(todo.Todos)},
	}, nil
}

func (t *Tool) write(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		Todos []agentstart.TodoItem `json:"todos"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	inProgress := 0
	for i := range p.Todos {
		if p.Todos[i].ID == "" {
			p.Todos[i].ID = agentstart.NewID()
		}
		if p.Todos[i].Status == agentstart.TodoInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return agentstart.ToolResult{Error: "Only one task can be inProgress at a time"}, nil
	}

	now := agentstart.Now()
	todo := agentstart.Todo{
		ThreadID:  rc.ThreadID,
		Todos:     p.Todos,
		CreatedAt: now,
		UpdatedAt: now,
	}
	row, err := agentstart.TodoToRow(todo)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	row["id"] = agentstart.NewID()
	update := map[string]any{
		"todos":     row["todos"],
		"updatedAt": now,
	}
	_, err = rc.Memory.Upsert(ctx, agentstart.ModelTodo,
		[]agentstart.Where{agentstart.Eq("threadId", rc.ThreadID)}, row, update)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	return agentstart.ToolResult{
		Content:  renderTodos(p.Todos),
		Metadata: map[string]any{"count": len(p.Todos)},
	}, nil
}

func renderTodos(items []agentstart.TodoItem) string {
	if len(items) == 0 {
		return "Task list is empty"
	}
	var b strings.Builder
	for _, item := range items {
		marker := "[ ]"
		switch item.Status {
		case agentstart.TodoInProgress:
			marker = "[~]"
		case agentstart.TodoCompleted:
			marker = "[x]"
		}
		if item.Priority != "" {
			fmt.Fprintf(&b, "%s %s (%s)\n", marker, item.Content, item.Priority)
		} else {
			fmt.Fprintf(&b, "%s %s\n", marker, item.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
