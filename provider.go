package agentstart

import "context"

// Delta is one incremental chunk streamed during a model call.
type Delta struct {
	// Reasoning marks the chunk as reasoning rather than answer text.
	Reasoning bool
	Text      string
}

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams deltas into ch, then returns the final
	// response with usage stats. The provider must not close ch.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error)
	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string
}

// ReasoningCapable is an optional Provider capability: reasoning parts
// are only included in model messages when the provider reports support.
type ReasoningCapable interface {
	SupportsReasoning() bool
}

// CacheCapable is an optional Provider capability: the assembler only
// annotates messages with ephemeral cache-control hints when the
// provider reports support.
type CacheCapable interface {
	SupportsCaching() bool
}

func providerSupportsReasoning(p Provider) bool {
	if r, ok := p.(ReasoningCapable); ok {
		return r.SupportsReasoning()
	}
	return false
}

func providerSupportsCaching(p Provider) bool {
	if c, ok := p.(CacheCapable); ok {
		return c.SupportsCaching()
	}
	return false
}
