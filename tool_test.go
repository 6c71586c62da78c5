package agentstart

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// fakeTool is a scriptable single-function tool for registry tests.
type fakeTool struct {
	def     ToolDefinition
	execute func(ctx context.Context, rc *RunContext, args json.RawMessage, events chan<- ToolEvent) (ToolResult, error)

	prompt   string
	approval bool
}

func (f *fakeTool) Definitions() []ToolDefinition { return []ToolDefinition{f.def} }

func (f *fakeTool) Execute(ctx context.Context, rc *RunContext, name string, args json.RawMessage, events chan<- ToolEvent) (ToolResult, error) {
	return f.execute(ctx, rc, args, events)
}

func (f *fakeTool) PendingPrompt(name string, args json.RawMessage) string { return f.prompt }

func (f *fakeTool) RequiresApproval(name string) bool { return f.approval }

func newFakeTool(name string, schema string) *fakeTool {
	return &fakeTool{
		def: ToolDefinition{Name: name, Description: name, Parameters: json.RawMessage(schema)},
		execute: func(context.Context, *RunContext, json.RawMessage, chan<- ToolEvent) (ToolResult, error) {
			return ToolResult{Content: "ok"}, nil
		},
	}
}

func runExecute(t *testing.T, r *ToolRegistry, name string, args string) (ToolResult, []ToolEvent) {
	t.Helper()
	events := make(chan ToolEvent, 16)
	res := r.Execute(context.Background(), &RunContext{}, name, json.RawMessage(args), events)
	close(events)
	var got []ToolEvent
	for ev := range events {
		got = append(got, ev)
	}
	return res, got
}

func TestRegistry_ExecuteHappyPath(t *testing.T) {
	r := NewToolRegistry()
	r.Add(newFakeTool("echo", `{"type":"object"}`))

	res, events := runExecute(t, r, "echo", `{}`)
	if res.Error != "" || res.Content != "ok" {
		t.Fatalf("result = %+v", res)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want pending then done", len(events))
	}
	if events[0].Status != StatusPending || events[0].Prompt != "Running echo" {
		t.Errorf("first event = %+v, want default pending prompt", events[0])
	}
	if events[1].Status != StatusDone {
		t.Errorf("last event = %+v, want done", events[1])
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewToolRegistry()

	res, events := runExecute(t, r, "nope", `{}`)
	if res.Error == "" || !strings.Contains(res.Error, "unknown tool") {
		t.Fatalf("result = %+v, want unknown tool error", res)
	}
	// No pending event for unknown tools: a single error event.
	if len(events) != 1 || events[0].Status != StatusError {
		t.Fatalf("events = %+v, want one error event", events)
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	r := NewToolRegistry()
	r.Add(newFakeTool("read", `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`))

	res, events := runExecute(t, r, "read", `{"wrong":true}`)
	if !strings.Contains(res.Error, "invalid input") {
		t.Fatalf("result = %+v, want invalid input", res)
	}
	if len(events) != 2 || events[0].Status != StatusPending || events[1].Status != StatusError {
		t.Fatalf("events = %+v, want pending then error", events)
	}

	// Valid args pass.
	res, _ = runExecute(t, r, "read", `{"path":"a.txt"}`)
	if res.Error != "" {
		t.Errorf("valid args rejected: %v", res.Error)
	}
}

func TestRegistry_EmptyArgsValidateAsEmptyObject(t *testing.T) {
	r := NewToolRegistry()
	r.Add(newFakeTool("list", `{"type":"object","properties":{"limit":{"type":"integer"}}}`))

	res, _ := runExecute(t, r, "list", ``)
	if res.Error != "" {
		t.Errorf("empty args should validate as {}: %v", res.Error)
	}
}

func TestRegistry_ToolError(t *testing.T) {
	r := NewToolRegistry()
	tool := newFakeTool("boom", `{"type":"object"}`)
	tool.execute = func(context.Context, *RunContext, json.RawMessage, chan<- ToolEvent) (ToolResult, error) {
		return ToolResult{}, errors.New("disk full")
	}
	r.Add(tool)

	res, events := runExecute(t, r, "boom", `{}`)
	if res.Error != "disk full" {
		t.Fatalf("result = %+v", res)
	}
	if events[len(events)-1].Status != StatusError {
		t.Errorf("terminal event = %+v, want error", events[len(events)-1])
	}
}

func TestRegistry_ResultError(t *testing.T) {
	r := NewToolRegistry()
	tool := newFakeTool("soft", `{"type":"object"}`)
	tool.execute = func(context.Context, *RunContext, json.RawMessage, chan<- ToolEvent) (ToolResult, error) {
		return ToolResult{Error: "file not found"}, nil
	}
	r.Add(tool)

	res, events := runExecute(t, r, "soft", `{}`)
	if res.Error != "file not found" {
		t.Fatalf("result = %+v", res)
	}
	if events[len(events)-1].Status != StatusError || events[len(events)-1].Err != "file not found" {
		t.Errorf("terminal event = %+v", events[len(events)-1])
	}
}

func TestRegistry_PanicRecovery(t *testing.T) {
	r := NewToolRegistry()
	tool := newFakeTool("crash", `{"type":"object"}`)
	tool.execute = func(context.Context, *RunContext, json.RawMessage, chan<- ToolEvent) (ToolResult, error) {
		panic("boom")
	}
	r.Add(tool)

	res, events := runExecute(t, r, "crash", `{}`)
	if !strings.Contains(res.Error, "panic") || !strings.Contains(res.Error, "boom") {
		t.Fatalf("result = %+v, want panic error", res)
	}
	if events[len(events)-1].Status != StatusError {
		t.Errorf("terminal event = %+v, want error", events[len(events)-1])
	}
}

func TestRegistry_IntermediateUpdates(t *testing.T) {
	r := NewToolRegistry()
	tool := newFakeTool("long", `{"type":"object"}`)
	tool.execute = func(ctx context.Context, rc *RunContext, args json.RawMessage, events chan<- ToolEvent) (ToolResult, error) {
		events <- ToolEvent{Status: StatusPending, Prompt: "halfway"}
		return ToolResult{Content: "done"}, nil
	}
	r.Add(tool)

	_, events := runExecute(t, r, "long", `{}`)
	if len(events) != 3 {
		t.Fatalf("got %d events, want pending, update, done", len(events))
	}
	if events[1].Prompt != "halfway" || events[1].Status != StatusPending {
		t.Errorf("update event = %+v", events[1])
	}
}

func TestRegistry_PendingPrompt(t *testing.T) {
	r := NewToolRegistry()
	tool := newFakeTool("write_file", `{"type":"object"}`)
	tool.prompt = "Writing main.go"
	r.Add(tool)

	_, events := runExecute(t, r, "write_file", `{}`)
	if events[0].Prompt != "Writing main.go" {
		t.Errorf("pending prompt = %q, want the Prompter label", events[0].Prompt)
	}
}

func TestRegistry_ResultPromptDefaultsToPending(t *testing.T) {
	r := NewToolRegistry()
	r.Add(newFakeTool("echo", `{"type":"object"}`))

	res, _ := runExecute(t, r, "echo", `{}`)
	if res.Prompt != "Running echo" {
		t.Errorf("result prompt = %q", res.Prompt)
	}
}

func TestRegistry_NilEventsChannel(t *testing.T) {
	r := NewToolRegistry()
	r.Add(newFakeTool("echo", `{"type":"object"}`))

	res := r.Execute(context.Background(), &RunContext{}, "echo", json.RawMessage(`{}`), nil)
	if res.Error != "" || res.Content != "ok" {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistry_RequiresApproval(t *testing.T) {
	r := NewToolRegistry()
	gated := newFakeTool("deploy", `{"type":"object"}`)
	gated.approval = true
	r.Add(gated)
	r.Add(newFakeTool("echo", `{"type":"object"}`))

	if !r.RequiresApproval("deploy") {
		t.Error("deploy should be approval-gated")
	}
	if r.RequiresApproval("echo") {
		t.Error("echo should not be approval-gated")
	}
	if r.RequiresApproval("missing") {
		t.Error("unknown tools are never approval-gated")
	}
}

func TestRegistry_AllDefinitionsAndLookup(t *testing.T) {
	r := NewToolRegistry()
	r.Add(newFakeTool("a", `{"type":"object"}`))
	r.Add(newFakeTool("b", `{"type":"object"}`))

	defs := r.AllDefinitions()
	if len(defs) != 2 {
		t.Fatalf("got %d defs", len(defs))
	}
	if _, def, ok := r.Lookup("b"); !ok || def.Name != "b" {
		t.Errorf("Lookup(b) = (%+v, %v)", def, ok)
	}
	if _, _, ok := r.Lookup("z"); ok {
		t.Error("Lookup(z) should miss")
	}
}

func TestToolResult_ModelOutput(t *testing.T) {
	if got := (ToolResult{Content: "hi"}).ModelOutput(); got != "hi" {
		t.Errorf("ModelOutput = %q", got)
	}
	if got := (ToolResult{Error: "nope"}).ModelOutput(); got != "error: nope" {
		t.Errorf("ModelOutput = %q", got)
	}
}
