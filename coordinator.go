package agentstart

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// StreamRequest starts one agent turn on a thread.
type StreamRequest struct {
	UserID   string
	ThreadID string
	// Message is the incoming user message. Resending the id of the
	// thread's last message replays the turn idempotently.
	Message UIMessage
	// SandboxToken is forwarded to git pushes inside the sandbox.
	SandboxToken string
	// Buffer overrides the writer's frame buffer; 0 means default.
	Buffer int
}

// Stream runs the agent loop for one user turn and returns the frame
// stream. Access checks run synchronously; everything else happens in a
// background task that closes the writer when the turn ends. Consumers
// that stop reading call Writer.Cancel to end the turn cooperatively.
func (a *Agent) Stream(ctx context.Context, req StreamRequest) (*Writer, error) {
	thread, err := a.ownedThread(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if len(req.Message.Parts) == 0 {
		return nil, &ErrField{Model: ModelMessage, Field: "parts"}
	}
	req.Message.ThreadID = thread.ID
	req.Message.Role = RoleUser

	w := NewWriter(req.Buffer)
	go a.runStream(ctx, thread, req, w)
	return w, nil
}

func (a *Agent) runStream(ctx context.Context, thread Thread, req StreamRequest, w *Writer) {
	defer w.Close()

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.stream",
			StringAttr("thread_id", thread.ID))
		defer span.End()
	}

	history, err := a.assembler.GetCompleteMessages(ctx, thread.ID, req.Message)
	if err != nil {
		a.failStream(w, span, err)
		return
	}
	if err := a.assembler.UpsertMessage(ctx, req.Message); err != nil {
		a.failStream(w, span, err)
		return
	}

	// One sandbox per thread, rebound from the cached id when its lease
	// is still alive.
	var sandbox *SandboxManager
	if a.provisioner != nil {
		sandbox = NewSandboxManager(a.provisioner, a.leases, WithSandboxLogger(a.logger))
		cached := sandboxIDFromContext(thread.LastContext)
		if err := sandbox.ConnectOrCreate(ctx, cached, req.SandboxToken); err != nil {
			a.logger.Warn("sandbox unavailable for stream", "thread_id", thread.ID, "error", err)
			sandbox = nil
		}
	}

	// Title generation precedes any model text so clients can rename the
	// thread before deltas arrive.
	if a.cfg.GenerateTitle != nil && isFirstUserTurn(history) {
		if title := a.generateTitle(ctx, req.Message); title != "" {
			a.persistTitle(ctx, thread.ID, title)
			thread.Title = title
			writeDataFrame(w, FrameTitleUpdate, map[string]any{"title": title})
		}
	}

	messages := a.composePrefix(ctx, sandbox)
	messages = append(messages, ConvertToModelMessages(history, providerSupportsReasoning(a.cfg.Provider))...)

	assistantID := NewID()
	w.Write(Frame{Type: FrameMessageStart, MessageID: assistantID})

	rc := &RunContext{
		ThreadID: thread.ID,
		Memory:   a.mem,
		Sandbox:  sandbox,
		Writer:   w,
		Commit:   a.cfg.Commit,
		WorkDir:  a.workDir(),
		Logger:   a.logger,
	}
	result, loopErr := runLoop(ctx, loopConfig{
		provider: a.cfg.Provider,
		registry: a.registry,
		defs:     a.registry.AllDefinitions(),
		stop:     a.cfg.StopWhen,
		parallel: a.cfg.ParallelTools,
		rc:       rc,
		tracer:   a.tracer,
		logger:   a.logger,
	}, messages, w)
	if loopErr != nil && span != nil {
		span.Error(loopErr)
	}

	// Persist whatever the loop produced, even on error or cancellation
	// mid-turn, so the thread replays consistently. Uses a detached
	// context: consumer disconnect must not lose the assistant message.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if len(result.Parts) > 0 && !w.Cancelled() {
		assistant := UIMessage{
			ID:       assistantID,
			ThreadID: thread.ID,
			Role:     RoleAssistant,
			Parts:    result.Parts,
		}
		if a.cfg.MessageMetadata != nil {
			assistant.Metadata = a.cfg.MessageMetadata(&assistant)
		}
		if err := a.assembler.UpsertMessage(persistCtx, assistant); err != nil {
			a.logger.Error("persist assistant message", "thread_id", thread.ID, "error", err)
		}
	}

	w.Write(Frame{Type: FrameMessageFinish, MessageID: assistantID})

	if a.cfg.GenerateSuggestions != nil && loopErr == nil && !w.Cancelled() {
		if prompts := a.generateSuggestions(ctx, req.Message, result.Content); len(prompts) > 0 {
			writeDataFrame(w, FrameSuggestions, map[string]any{"prompts": prompts})
		}
	}

	// A cancelled turn leaves the thread row untouched: no usage arrived
	// and rewriting updatedAt would reorder the consumer's thread list.
	if !w.Cancelled() {
		a.persistLastContext(persistCtx, thread, sandbox, result.Usage)
	}
}

// failStream reports a pre-loop failure as the stream's only event.
func (a *Agent) failStream(w *Writer, span Span, err error) {
	a.logger.Error("stream failed", "error", err)
	if span != nil {
		span.Error(err)
	}
	w.Write(ErrorFrame(err))
}

// composePrefix builds the system-message prefix: instructions plus
// extra context, then repo guidance from AGENTS.md when present.
func (a *Agent) composePrefix(ctx context.Context, sandbox *SandboxManager) []ChatMessage {
	system := a.cfg.Instructions
	if a.cfg.Context != "" {
		system += "\n\n" + a.cfg.Context
	}
	messages := []ChatMessage{SystemMessage(system)}
	if guidance := a.agentsMDMessage(ctx, sandbox); guidance != "" {
		messages = append(messages, SystemMessage(guidance))
	}
	return messages
}

// agentsMDMessage loads AGENTS.md from the sandbox workdir and folds it
// into the configured prompt via the {AGENTS_MD} placeholder.
func (a *Agent) agentsMDMessage(ctx context.Context, sandbox *SandboxManager) string {
	if a.cfg.AgentsMDPrompt == "" || sandbox == nil {
		return ""
	}
	path := strings.TrimSuffix(a.workDir(), "/") + "/AGENTS.md"
	ok, err := sandbox.FS().Exists(ctx, path)
	if err != nil || !ok {
		return ""
	}
	content, err := sandbox.FS().ReadFile(ctx, path)
	if err != nil {
		a.logger.Warn("read AGENTS.md", "error", err)
		return ""
	}
	prompt := a.cfg.AgentsMDPrompt
	if strings.Contains(prompt, "{AGENTS_MD}") {
		return strings.ReplaceAll(prompt, "{AGENTS_MD}", string(content))
	}
	return prompt + "\n\n" + string(content)
}

func (a *Agent) workDir() string {
	if a.cfg.WorkDir != "" {
		return a.cfg.WorkDir
	}
	return "."
}

// isFirstUserTurn reports whether history holds exactly the incoming
// user message, i.e. no prior conversation.
func isFirstUserTurn(history []UIMessage) bool {
	users := 0
	for _, m := range history {
		if m.Role == RoleAssistant {
			return false
		}
		if m.Role == RoleUser {
			users++
		}
	}
	return users <= 1
}

const defaultTitleInstructions = "Generate a short title (at most 8 words) " +
	"summarizing the user's message. Reply with the title only, no quotes."

// generateTitle asks the title model for a thread name. Failures fall
// back to no rename.
func (a *Agent) generateTitle(ctx context.Context, msg UIMessage) string {
	cfg := a.cfg.GenerateTitle
	provider := cfg.Provider
	if provider == nil {
		provider = a.cfg.Provider
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = defaultTitleInstructions
	}
	resp, err := provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(instructions),
		UserMessage(messageText(msg)),
	}})
	if err != nil {
		a.logger.Warn("title generation failed", "error", err)
		return ""
	}
	title := strings.Trim(strings.TrimSpace(resp.Content), `"'`)
	title = strings.ReplaceAll(title, "\n", " ")
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	return title
}

func (a *Agent) persistTitle(ctx context.Context, threadID, title string) {
	_, err := a.mem.Update(ctx, ModelThread, []Where{Eq("id", threadID)},
		map[string]any{"title": title, "updatedAt": Now()})
	if err != nil {
		a.logger.Warn("persist thread title", "thread_id", threadID, "error", err)
	}
}

const defaultSuggestionsInstructions = "Suggest short follow-up prompts the " +
	"user could send next, based on the exchange. Reply with one suggestion " +
	"per line, no numbering."

// generateSuggestions derives follow-up prompts from the last exchange.
func (a *Agent) generateSuggestions(ctx context.Context, userMsg UIMessage, assistantText string) []string {
	cfg := a.cfg.GenerateSuggestions
	provider := cfg.Provider
	if provider == nil {
		provider = a.cfg.Provider
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = defaultSuggestionsInstructions
	}
	resp, err := provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(instructions),
		UserMessage(messageText(userMsg)),
		AssistantMessage(assistantText),
	}})
	if err != nil {
		a.logger.Warn("suggestion generation failed", "error", err)
		return nil
	}
	return parseSuggestions(resp.Content, cfg.Limit)
}

// parseSuggestions accepts either a JSON string array or one suggestion
// per line, capped at limit.
func parseSuggestions(content string, limit int) []string {
	content = strings.TrimSpace(content)
	var prompts []string
	if strings.HasPrefix(content, "[") {
		_ = json.Unmarshal([]byte(content), &prompts)
	}
	if prompts == nil {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
			if line != "" {
				prompts = append(prompts, line)
			}
		}
	}
	if len(prompts) > limit {
		prompts = prompts[:limit]
	}
	return prompts
}

// persistLastContext stores the thread's sandbox binding and cumulative
// usage for the next turn.
func (a *Agent) persistLastContext(ctx context.Context, thread Thread, sandbox *SandboxManager, usage Usage) {
	tc := threadContext{Usage: &usage}
	if sandbox != nil {
		tc.SandboxID = sandbox.ID()
	}
	raw, err := json.Marshal(tc)
	if err != nil {
		return
	}
	_, err = a.mem.Update(ctx, ModelThread, []Where{Eq("id", thread.ID)},
		map[string]any{"lastContext": json.RawMessage(raw), "updatedAt": Now()})
	if err != nil {
		a.logger.Warn("persist thread context", "thread_id", thread.ID, "error", err)
	}
}

// messageText concatenates a message's text parts.
func messageText(m UIMessage) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func writeDataFrame(w *Writer, typ FrameType, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	w.Write(Frame{Type: typ, Data: raw})
}
