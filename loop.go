package agentstart

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// StopPredicate decides whether the tool loop should end after a step.
// step is the number of completed model calls; finish is the last
// model finish reason.
type StopPredicate func(step int, finish FinishReason) bool

// StepCountIs terminates the loop after n model steps.
func StepCountIs(n int) StopPredicate {
	return func(step int, _ FinishReason) bool { return step >= n }
}

// DefaultStopPredicate is applied when the host configures none.
var DefaultStopPredicate = StepCountIs(100)

// maxToolResultMessageLen caps the rune length of a tool result spliced
// into the model conversation. Larger outputs are truncated with a
// marker so the model knows content was trimmed. Stream frames and
// persisted parts keep the full content.
const maxToolResultMessageLen = 100_000

// loopConfig holds everything runLoop needs.
type loopConfig struct {
	provider Provider
	registry *ToolRegistry
	defs     []ToolDefinition
	stop     StopPredicate
	parallel bool
	rc       *RunContext
	tracer   Tracer
	logger   *slog.Logger
}

// LoopResult is the outcome of one agent loop run.
type LoopResult struct {
	// Parts is the assistant message content in emission order:
	// reasoning, text, tool-call, tool-result.
	Parts        []Part
	Content      string
	Usage        Usage
	FinishReason FinishReason
	Steps        int
}

// runLoop is the tool-loop scheduler: call the model, stream deltas to
// the writer, dispatch tool calls, splice results back in model order,
// and terminate on the stop predicate, a natural stop, cancellation, or
// a model error. Partial results accumulated before an error are still
// delivered before returning.
func runLoop(ctx context.Context, cfg loopConfig, messages []ChatMessage, w *Writer) (LoopResult, error) {
	stop := cfg.stop
	if stop == nil {
		stop = DefaultStopPredicate
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}

	var result LoopResult
	includeReasoning := providerSupportsReasoning(cfg.provider)

	for step := 1; ; step++ {
		if w.Cancelled() || ctx.Err() != nil {
			result.FinishReason = FinishStop
			return result, ctx.Err()
		}

		iterCtx := ctx
		var iterSpan Span
		if cfg.tracer != nil {
			iterCtx, iterSpan = cfg.tracer.Start(ctx, "agent.loop.step",
				IntAttr("step", step),
				BoolAttr("has_tools", len(cfg.defs) > 0))
		}

		req := ChatRequest{
			Messages: AddCacheHints(FixEmptyModelMessages(messages), providerSupportsCaching(cfg.provider)),
			Tools:    cfg.defs,
		}
		resp, err := streamModelStep(iterCtx, cfg.provider, req, w, includeReasoning)
		if iterSpan != nil {
			if err != nil {
				iterSpan.Error(err)
			}
			iterSpan.End()
		}
		result.Usage.Add(resp.Usage)
		if err != nil {
			// Partial deltas already reached the writer; report the
			// failure as the final event.
			result.FinishReason = FinishError
			if resp.Content != "" {
				result.Parts = append(result.Parts, TextPart(resp.Content))
				result.Content += resp.Content
			}
			w.Write(ErrorFrame(err))
			return result, err
		}

		if resp.Reasoning != "" && includeReasoning {
			result.Parts = append(result.Parts, ReasoningPart(resp.Reasoning))
		}
		if resp.Content != "" {
			result.Parts = append(result.Parts, TextPart(resp.Content))
			result.Content += resp.Content
		}
		result.Steps = step

		// No tool calls: natural stop.
		if len(resp.ToolCalls) == 0 {
			result.FinishReason = FinishStop
			return result, nil
		}

		// A call to a tool with no registered execute, or to an
		// approval-gated tool, ends the loop for external handling.
		for _, tc := range resp.ToolCalls {
			if _, _, ok := cfg.registry.Lookup(tc.Name); !ok || cfg.registry.RequiresApproval(tc.Name) {
				result.FinishReason = FinishNeedsApproval
				result.Parts = append(result.Parts, ToolCallPart(tc.ID, tc.Name, tc.Args))
				w.Write(Frame{Type: FrameToolCall, CallID: tc.ID, Tool: tc.Name, Args: tc.Args})
				return result, nil
			}
		}

		messages = append(messages, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result.Parts = append(result.Parts, ToolCallPart(tc.ID, tc.Name, tc.Args))
			if !w.Write(Frame{Type: FrameToolCall, CallID: tc.ID, Tool: tc.Name, Args: tc.Args}) {
				result.FinishReason = FinishStop
				return result, nil
			}
		}

		results := dispatchCalls(iterCtx, cfg, resp.ToolCalls, w)

		// Splice results back in the exact order the model emitted the
		// calls, regardless of execution policy.
		for i, tc := range resp.ToolCalls {
			res := results[i]
			result.Parts = append(result.Parts, ToolResultPart(tc.ID, tc.Name, res.OutputJSON()))
			w.Write(Frame{Type: FrameToolResult, CallID: tc.ID, Tool: tc.Name, Result: res.OutputJSON(), Prompt: res.Prompt})

			content := res.ModelOutput()
			if r := []rune(content); len(r) > maxToolResultMessageLen {
				content = string(r[:maxToolResultMessageLen]) + "\n\n[output truncated]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, content))
		}

		if w.Cancelled() {
			result.FinishReason = FinishStop
			return result, nil
		}
		if stop(step, resp.FinishReason) {
			logger.Warn("stop predicate fired", "step", step)
			result.FinishReason = FinishLength
			return result, nil
		}
	}
}

// streamModelStep runs one provider call, forwarding deltas to the
// writer as they arrive. Deltas stop being forwarded once the consumer
// cancels, but the call still runs to completion so the response can be
// spliced or persisted.
func streamModelStep(ctx context.Context, p Provider, req ChatRequest, w *Writer, includeReasoning bool) (ChatResponse, error) {
	deltas := make(chan Delta, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for d := range deltas {
			if w.Cancelled() {
				continue // drain without forwarding
			}
			if d.Reasoning {
				if includeReasoning {
					w.Write(Frame{Type: FrameReasoningDelta, Delta: d.Text})
				}
				continue
			}
			w.Write(Frame{Type: FrameTextDelta, Delta: d.Text})
		}
	}()
	resp, err := p.ChatStream(ctx, req, deltas)
	close(deltas)
	wg.Wait()
	return resp, err
}

// dispatchCalls executes one step's tool calls, sequentially by default
// or concurrently when the parallel policy is enabled. Results are
// returned indexed by call position either way.
func dispatchCalls(ctx context.Context, cfg loopConfig, calls []ToolCall, w *Writer) []ToolResult {
	results := make([]ToolResult, len(calls))
	if !cfg.parallel || len(calls) == 1 {
		for i, tc := range calls {
			if w.Cancelled() {
				results[i] = ToolResult{Error: "cancelled before execution"}
				continue
			}
			results[i] = executeOne(ctx, cfg, tc, w)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = executeOne(ctx, cfg, tc, w)
		}()
	}
	wg.Wait()
	return results
}

// executeOne runs a single tool call, forwarding its pending status
// events to the writer as tool-call progress frames.
func executeOne(ctx context.Context, cfg loopConfig, tc ToolCall, w *Writer) ToolResult {
	events := make(chan ToolEvent, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			if ev.Status != StatusPending {
				continue // terminal state travels in the tool-result frame
			}
			w.Write(Frame{Type: FrameToolCall, CallID: tc.ID, Tool: tc.Name, Prompt: ev.Prompt, Result: marshalMetadata(ev.Metadata)})
		}
	}()
	res := cfg.registry.Execute(ctx, cfg.rc, tc.Name, tc.Args, events)
	close(events)
	wg.Wait()
	return res
}

func marshalMetadata(md map[string]any) json.RawMessage {
	if len(md) == 0 {
		return nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil
	}
	return b
}
