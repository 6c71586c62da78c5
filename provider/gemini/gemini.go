// Package gemini implements the Google Gemini chat provider.
package gemini

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentstart/agentstart"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements agentstart.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature     float64
	topP            float64
	thinkingEnabled bool
	codeExecution   bool
	googleSearch    bool
	urlContext      bool
}

// New creates a new Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// SupportsReasoning reports whether thinking is enabled for this model.
func (g *Gemini) SupportsReasoning() bool { return g.thinkingEnabled }

// Chat sends a non-streaming chat request and returns the complete response.
func (g *Gemini) Chat(ctx context.Context, req agentstart.ChatRequest) (agentstart.ChatResponse, error) {
	body, err := g.buildBody(req.Messages, req.Tools)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	return g.doGenerate(ctx, body)
}

// ChatStream streams deltas into ch, then returns the final accumulated
// response. The channel is left open; the caller owns its lifecycle.
func (g *Gemini) ChatStream(ctx context.Context, req agentstart.ChatRequest, ch chan<- agentstart.Delta) (agentstart.ChatResponse, error) {
	body, err := g.buildBody(req.Messages, req.Tools)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return agentstart.ChatResponse{}, &agentstart.ErrHTTP{Status: resp.StatusCode, Body: string(b)}
	}

	acc := &streamAccumulator{ch: ch, ctx: ctx}

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer for SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			// If we're accumulating a partial JSON, append the line.
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					if err := acc.process(jsonBuf.String()); err != nil {
						return agentstart.ChatResponse{}, err
					}
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		// Check if JSON is complete in a single line.
		if isCompleteJSON(data) {
			if err := acc.process(data); err != nil {
				return agentstart.ChatResponse{}, err
			}
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}

	// Process any remaining buffered JSON.
	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		if err := acc.process(jsonBuf.String()); err != nil {
			return agentstart.ChatResponse{}, err
		}
	}

	if err := scanner.Err(); err != nil {
		return agentstart.ChatResponse{}, err
	}

	return acc.response(), nil
}

// streamAccumulator folds SSE chunks into the final response while
// forwarding text deltas.
type streamAccumulator struct {
	ctx          context.Context
	ch           chan<- agentstart.Delta
	content      strings.Builder
	toolCalls    []agentstart.ToolCall
	usage        agentstart.Usage
	finishReason string
}

func (a *streamAccumulator) process(jsonStr string) error {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil
	}

	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		if cand.FinishReason != "" {
			a.finishReason = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != nil && *part.Text != "" {
				a.content.WriteString(*part.Text)
				select {
				case a.ch <- agentstart.Delta{Text: *part.Text}:
				case <-a.ctx.Done():
					return a.ctx.Err()
				}
			}
			if part.FunctionCall != nil {
				a.toolCalls = append(a.toolCalls, agentstart.ToolCall{
					ID:   fmt.Sprintf("%s_%d", part.FunctionCall.Name, len(a.toolCalls)),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}

	// Usage metadata overwrites each time; last chunk wins.
	if u := parsed.UsageMetadata; u != nil && (u.PromptTokenCount > 0 || u.CandidatesTokenCount > 0) {
		a.usage.InputTokens = u.PromptTokenCount
		a.usage.OutputTokens = u.CandidatesTokenCount
	}
	return nil
}

func (a *streamAccumulator) response() agentstart.ChatResponse {
	return agentstart.ChatResponse{
		Content:      a.content.String(),
		ToolCalls:    a.toolCalls,
		FinishReason: mapFinishReason(a.finishReason, len(a.toolCalls) > 0),
		Usage:        a.usage,
	}
}

// doGenerate performs a non-streaming generateContent call and parses
// the response.
func (g *Gemini) doGenerate(ctx context.Context, body map[string]any) (agentstart.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("failed to read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return agentstart.ChatResponse{}, &agentstart.ErrHTTP{Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return agentstart.ChatResponse{}, g.wrapErr("failed to parse response JSON: " + err.Error())
	}

	var content strings.Builder
	var reasoning strings.Builder
	var toolCalls []agentstart.ToolCall
	var finishReason string

	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		finishReason = cand.FinishReason
		for _, part := range cand.Content.Parts {
			if part.Thought {
				if part.Text != nil {
					reasoning.WriteString(*part.Text)
				}
				continue
			}
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, agentstart.ToolCall{
					ID:   fmt.Sprintf("%s_%d", part.FunctionCall.Name, len(toolCalls)),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}

	var usage agentstart.Usage
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	return agentstart.ChatResponse{
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		ToolCalls:    toolCalls,
		FinishReason: mapFinishReason(finishReason, len(toolCalls) > 0),
		Usage:        usage,
	}, nil
}

func (g *Gemini) wrapErr(msg string) error {
	return &agentstart.ErrLLM{Provider: "gemini", Message: msg}
}

// mapFinishReason converts a Gemini finishReason string. Tool calls win
// because Gemini reports STOP on function-call responses.
func mapFinishReason(reason string, hasToolCalls bool) agentstart.FinishReason {
	if hasToolCalls {
		return agentstart.FinishToolCalls
	}
	switch reason {
	case "MAX_TOKENS":
		return agentstart.FinishLength
	default:
		return agentstart.FinishStop
	}
}

// ---- Body builder ----

// buildBody constructs the Gemini API request body from chat messages
// and optional tool definitions.
func (g *Gemini) buildBody(messages []agentstart.ChatMessage, tools []agentstart.ToolDefinition) (map[string]any, error) {
	var systemParts []string
	var contents []map[string]any

	for _, m := range messages {
		switch {
		case m.Role == agentstart.RoleSystem:
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			// Assistant message with tool calls -> model role with
			// functionCall parts.
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				// Parse args into a generic map so Gemini gets an object.
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				})
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == agentstart.RoleTool:
			// Tool result message -> user role with functionResponse part.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": toolNameFromCallID(m.ToolCallID),
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			// Regular user or assistant message.
			var parts []map[string]any

			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}

			for _, att := range m.Attachments {
				if att.URL != "" {
					parts = append(parts, map[string]any{
						"fileData": map[string]any{
							"mimeType": att.Type,
							"fileUri":  att.URL,
						},
					})
				} else if len(att.Data) > 0 {
					parts = append(parts, map[string]any{
						"inlineData": map[string]any{
							"mimeType": att.Type,
							"data":     base64.StdEncoding.EncodeToString(att.Data),
						},
					})
				}
			}

			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}

			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": parts,
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	// System instruction from accumulated system messages.
	if len(systemParts) > 0 {
		combined := strings.Join(systemParts, "\n\n")
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": combined},
			},
		}
	}

	// Tool entries: function declarations, code execution, grounding,
	// URL context.
	var toolEntries []map[string]any

	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		toolEntries = append(toolEntries, map[string]any{
			"functionDeclarations": declarations,
		})
	}

	if g.codeExecution {
		toolEntries = append(toolEntries, map[string]any{
			"codeExecution": map[string]any{},
		})
	}
	if g.googleSearch {
		toolEntries = append(toolEntries, map[string]any{
			"googleSearch": map[string]any{},
		})
	}
	if g.urlContext {
		toolEntries = append(toolEntries, map[string]any{
			"urlContext": map[string]any{},
		})
	}

	if len(toolEntries) > 0 {
		body["tools"] = toolEntries
	}

	// Generation config.
	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}

	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": -1,
		}
	}

	body["generationConfig"] = genConfig

	return body, nil
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role agentstart.Role) string {
	if role == agentstart.RoleAssistant {
		return "model"
	}
	return string(role)
}

// toolNameFromCallID strips the positional suffix our parser appends to
// synthesize call ids. Gemini wants the bare function name back.
func toolNameFromCallID(callID string) string {
	if i := strings.LastIndexByte(callID, '_'); i > 0 {
		suffix := callID[i+1:]
		if suffix != "" && strings.TrimLeft(suffix, "0123456789") == "" {
			return callID[:i]
		}
	}
	return callID
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertions.
var (
	_ agentstart.Provider         = (*Gemini)(nil)
	_ agentstart.ReasoningCapable = (*Gemini)(nil)
)
