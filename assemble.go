package agentstart

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Assembler converts persisted UI messages to and from model messages
// and owns message persistence for the coordinator.
type Assembler struct {
	mem    MemoryAdapter
	logger *slog.Logger
}

// NewAssembler creates an assembler over mem.
func NewAssembler(mem MemoryAdapter, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = nopLogger
	}
	return &Assembler{mem: mem, logger: logger}
}

// LoadThread returns all messages for the thread ordered by createdAt
// ascending (ties keep insertion order), reconstructed as UI messages.
func (a *Assembler) LoadThread(ctx context.Context, threadID string) ([]UIMessage, error) {
	rows, err := a.mem.FindMany(ctx, ModelMessage,
		[]Where{Eq("threadId", threadID)},
		&SortBy{Field: "createdAt", Direction: "asc"}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	msgs := make([]UIMessage, 0, len(rows))
	for _, row := range rows {
		m, err := RowToUIMessage(row)
		if err != nil {
			a.logger.Warn("skipping malformed message row", "thread_id", threadID, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// GetCompleteMessages returns the stored history with the incoming user
// message appended. Resending the last stored message id is idempotent:
// the history is returned unchanged.
func (a *Assembler) GetCompleteMessages(ctx context.Context, threadID string, incoming UIMessage) ([]UIMessage, error) {
	history, err := a.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if n := len(history); n > 0 && incoming.ID != "" && history[n-1].ID == incoming.ID {
		return history, nil
	}
	return append(history, incoming), nil
}

// UpsertMessage atomically inserts or replaces a message keyed by id.
// Transient parts are stripped before persistence; a message left with
// no parts is not written.
func (a *Assembler) UpsertMessage(ctx context.Context, msg UIMessage) error {
	msg.Parts = persistentParts(msg.Parts)
	if len(msg.Parts) == 0 {
		return nil
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	now := Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	row, err := UIMessageToRow(msg)
	if err != nil {
		return err
	}
	update := map[string]any{
		"parts":     row["parts"],
		"metadata":  row["metadata"],
		"updatedAt": msg.UpdatedAt,
	}
	_, err = a.mem.Upsert(ctx, ModelMessage, []Where{Eq("id", msg.ID)}, row, update)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

// persistentParts filters out transient frames (data-agentstart-*).
func persistentParts(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.IsTransient() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ConvertToModelMessages projects UI messages to provider-agnostic model
// messages. Transient data parts are dropped; reasoning parts are
// included only when the provider supports them; tool call/result pairs
// become an assistant message with tool calls followed by tool role
// messages in emission order.
func ConvertToModelMessages(msgs []UIMessage, includeReasoning bool) []ChatMessage {
	var out []ChatMessage
	for _, m := range msgs {
		switch m.Role {
		case RoleUser, RoleSystem:
			var text strings.Builder
			for _, p := range m.Parts {
				if p.Type == PartText {
					text.WriteString(p.Text)
				}
			}
			out = append(out, ChatMessage{Role: m.Role, Content: text.String(), Attachments: m.Attachments})
		case RoleAssistant:
			out = append(out, convertAssistant(m, includeReasoning)...)
		}
	}
	return out
}

// convertAssistant flattens an assistant message's part sequence.
// Consecutive tool calls collapse into one assistant step; each
// tool-result becomes a tool message referencing its call id.
func convertAssistant(m UIMessage, includeReasoning bool) []ChatMessage {
	var out []ChatMessage
	cur := ChatMessage{Role: RoleAssistant}
	flush := func() {
		if cur.Content != "" || cur.Reasoning != "" || len(cur.ToolCalls) > 0 {
			out = append(out, cur)
		}
		cur = ChatMessage{Role: RoleAssistant}
	}
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			cur.Content += p.Text
		case PartReasoning:
			if includeReasoning {
				cur.Reasoning += p.Text
			}
		case PartToolCall:
			cur.ToolCalls = append(cur.ToolCalls, ToolCall{ID: p.CallID, Name: p.Tool, Args: p.Input})
		case PartToolResult:
			flush()
			out = append(out, ToolResultMessage(p.CallID, toolOutputText(p.Output)))
		case PartData:
			// transient; never sent to the model
		}
	}
	flush()
	return out
}

// toolOutputText extracts the model-facing text from a persisted
// tool-result payload.
func toolOutputText(raw json.RawMessage) string {
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err == nil && (res.Content != "" || res.Error != "") {
		return res.ModelOutput()
	}
	return string(raw)
}

// FixEmptyModelMessages replaces empty content with a single space so
// provider preconditions hold. Providers that reject empty strings get
// the smallest valid payload instead of a hard error.
func FixEmptyModelMessages(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Content == "" && len(out[i].ToolCalls) == 0 {
			out[i].Content = " "
		}
	}
	return out
}

// AddCacheHints annotates the last system, last tool, and last
// user/assistant message with an ephemeral cache-control hint. No-op
// when the provider does not support caching.
func AddCacheHints(messages []ChatMessage, supported bool) []ChatMessage {
	if !supported {
		return messages
	}
	out := make([]ChatMessage, len(messages))
	copy(out, messages)
	lastSystem, lastTool, lastTurn := -1, -1, -1
	for i, m := range out {
		switch m.Role {
		case RoleSystem:
			lastSystem = i
		case RoleTool:
			lastTool = i
		case RoleUser, RoleAssistant:
			lastTurn = i
		}
	}
	for _, i := range []int{lastSystem, lastTool, lastTurn} {
		if i >= 0 {
			out[i].CacheHint = true
		}
	}
	return out
}

// --- row codecs ---

// UIMessageToRow encodes a message for the memory adapter. Parts,
// attachments, and metadata travel as JSON; dates as time.Time.
func UIMessageToRow(m UIMessage) (map[string]any, error) {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return nil, fmt.Errorf("encode parts: %w", err)
	}
	row := map[string]any{
		"id":        m.ID,
		"threadId":  m.ThreadID,
		"role":      string(m.Role),
		"parts":     json.RawMessage(parts),
		"createdAt": m.CreatedAt,
		"updatedAt": m.UpdatedAt,
	}
	if len(m.Attachments) > 0 {
		att, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, fmt.Errorf("encode attachments: %w", err)
		}
		row["attachments"] = json.RawMessage(att)
	}
	if len(m.Metadata) > 0 {
		row["metadata"] = json.RawMessage(m.Metadata)
	}
	return row, nil
}

// RowToUIMessage decodes an adapter row into a UI message.
func RowToUIMessage(row map[string]any) (UIMessage, error) {
	m := UIMessage{
		ID:       rowString(row, "id"),
		ThreadID: rowString(row, "threadId"),
		Role:     Role(rowString(row, "role")),
	}
	if m.ID == "" {
		return m, fmt.Errorf("message row has no id")
	}
	if raw := rowJSON(row, "parts"); raw != nil {
		if err := json.Unmarshal(raw, &m.Parts); err != nil {
			return m, fmt.Errorf("decode parts: %w", err)
		}
	}
	if raw := rowJSON(row, "attachments"); raw != nil {
		if err := json.Unmarshal(raw, &m.Attachments); err != nil {
			return m, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if raw := rowJSON(row, "metadata"); raw != nil {
		m.Metadata = raw
	}
	m.CreatedAt = rowTime(row, "createdAt")
	m.UpdatedAt = rowTime(row, "updatedAt")
	return m, nil
}

// ThreadToRow encodes a thread for the memory adapter.
func ThreadToRow(t Thread) map[string]any {
	row := map[string]any{
		"id":         t.ID,
		"userId":     t.UserID,
		"title":      t.Title,
		"visibility": string(t.Visibility),
		"createdAt":  t.CreatedAt,
		"updatedAt":  t.UpdatedAt,
	}
	if len(t.LastContext) > 0 {
		row["lastContext"] = json.RawMessage(t.LastContext)
	}
	return row
}

// RowToThread decodes an adapter row into a thread.
func RowToThread(row map[string]any) Thread {
	t := Thread{
		ID:         rowString(row, "id"),
		UserID:     rowString(row, "userId"),
		Title:      rowString(row, "title"),
		Visibility: Visibility(rowString(row, "visibility")),
		CreatedAt:  rowTime(row, "createdAt"),
		UpdatedAt:  rowTime(row, "updatedAt"),
	}
	if raw := rowJSON(row, "lastContext"); raw != nil {
		t.LastContext = raw
	}
	return t
}

// TodoToRow encodes the per-thread todo row.
func TodoToRow(t Todo) (map[string]any, error) {
	todos, err := json.Marshal(t.Todos)
	if err != nil {
		return nil, fmt.Errorf("encode todos: %w", err)
	}
	return map[string]any{
		"threadId":  t.ThreadID,
		"todos":     json.RawMessage(todos),
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}, nil
}

// RowToTodo decodes the per-thread todo row.
func RowToTodo(row map[string]any) (Todo, error) {
	t := Todo{
		ThreadID:  rowString(row, "threadId"),
		CreatedAt: rowTime(row, "createdAt"),
		UpdatedAt: rowTime(row, "updatedAt"),
	}
	if raw := rowJSON(row, "todos"); raw != nil {
		if err := json.Unmarshal(raw, &t.Todos); err != nil {
			return t, fmt.Errorf("decode todos: %w", err)
		}
	}
	return t, nil
}

func rowString(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}

// rowJSON normalizes the representations adapters may hand back for a
// JSON column: raw bytes, a JSON string, or an already-decoded value.
func rowJSON(row map[string]any, key string) json.RawMessage {
	switch v := row[key].(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		if v == "" {
			return nil
		}
		return json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return b
	}
}

func rowTime(row map[string]any, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
