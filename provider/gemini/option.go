package gemini

import "net/http"

// Option configures a Gemini provider instance.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithThinking enables the model's thinking mode with a dynamic budget.
// Thought parts are surfaced as reasoning.
func WithThinking() Option {
	return func(g *Gemini) { g.thinkingEnabled = true }
}

// WithCodeExecution enables the built-in code execution tool.
func WithCodeExecution() Option {
	return func(g *Gemini) { g.codeExecution = true }
}

// WithGoogleSearch enables Google Search grounding.
func WithGoogleSearch() Option {
	return func(g *Gemini) { g.googleSearch = true }
}

// WithURLContext enables the URL context tool.
func WithURLContext() Option {
	return func(g *Gemini) { g.urlContext = true }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.httpClient = c }
}
