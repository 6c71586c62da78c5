// Package agentstart is an embeddable server-side runtime for long-lived,
// tool-using LLM agents.
//
// A host application supplies a language model, an instruction prompt, a
// memory adapter, and (optionally) an isolated execution sandbox; the
// runtime provides a thread-oriented API for streaming the agent's
// incremental reasoning, persisting conversation history, and letting the
// agent act on a remote workspace through well-defined tools.
//
// # Quick Start
//
//	mem := inmem.New()
//	agent, err := agentstart.New(agentstart.Config{
//		Instructions: "You are a coding assistant.",
//		Provider:     provider,
//	},
//		agentstart.WithMemory(mem),
//		agentstart.WithKV(agentstart.NewMemoryKV()),
//		agentstart.WithSandbox(local.NewProvisioner(workdir)),
//	)
//	http.Handle("/api/", agentstart.NewServer(agent, resolveUser))
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [MemoryAdapter] — storage facade over the thread/message/todo schema
//   - [KV] — TTL key-value store backing the sandbox lease protocol
//   - [Sandbox] — remote execution environment (filesystem, shell, git)
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Tool] — pluggable capability with streaming status events
//
// # Included Implementations
//
// Storage: memory/inmem (in-process), memory/sqlite (local file),
// memory/postgres (pgx pool). Lease KV: kv/redis. Sandboxes:
// sandbox/local (host process), sandbox/docker (container).
// Tools: tools/file, tools/shell, tools/todo.
//
// See the cmd/agentstart directory for a complete reference server.
package agentstart
