package agentstart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TitleConfig enables automatic thread titling on the first user
// message. A nil Provider falls back to the agent's main provider.
type TitleConfig struct {
	Provider     Provider
	Instructions string
}

// SuggestionsConfig enables follow-up prompt generation after each
// assistant turn. Limit defaults to 3.
type SuggestionsConfig struct {
	Provider     Provider
	Instructions string
	Limit        int
}

// WelcomeConfig is static content surfaced by config.get for empty
// threads.
type WelcomeConfig struct {
	Description string   `json:"description,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ModelsConfig lists the models a client may choose between.
type ModelsConfig struct {
	Default   string      `json:"default,omitempty"`
	Available []ModelInfo `json:"available,omitempty"`
}

// BlobConfig bounds blob.upload. Zero values mean: 10 MiB per file,
// any mime type, 5 files per request.
type BlobConfig struct {
	MaxFileSize      int64    `json:"maxFileSize,omitempty"`
	AllowedMimeTypes []string `json:"allowedMimeTypes,omitempty"`
	MaxFiles         int      `json:"maxFiles,omitempty"`
}

const (
	defaultMaxFileSize int64 = 10 << 20
	defaultMaxFiles          = 5
)

// Config declares an agent. Instructions and Provider are required;
// everything else has a usable zero value.
type Config struct {
	// Instructions is the system prompt.
	Instructions string
	// AgentsMDPrompt is appended as a second system message when the
	// sandbox workdir contains an AGENTS.md file; the file's content is
	// substituted for the {AGENTS_MD} placeholder, or appended.
	AgentsMDPrompt string
	Provider       Provider
	Tools          []Tool
	// StopWhen ends the tool loop; defaults to StepCountIs(100).
	StopWhen StopPredicate
	// Context is extra system context appended after Instructions.
	Context string
	// MessageMetadata computes metadata persisted with each assistant
	// message.
	MessageMetadata func(msg *UIMessage) json.RawMessage

	GenerateTitle       *TitleConfig
	GenerateSuggestions *SuggestionsConfig

	// AutoStopDelay is the sandbox lease TTL; defaults to 60s.
	AutoStopDelay time.Duration
	// Timeout bounds one full stream run; 0 means no bound.
	Timeout time.Duration
	// ParallelTools executes a step's tool calls concurrently. Results
	// are spliced in model order either way; default is sequential.
	ParallelTools bool

	AppName string
	BaseURL string
	Welcome *WelcomeConfig
	Models  ModelsConfig
	Blob    BlobConfig

	// WorkDir is the repository root inside the sandbox.
	WorkDir string
	Commit  CommitConfig
}

// Agent is the embeddable runtime: thread persistence, the tool loop,
// and the stream coordinator hang off it.
type Agent struct {
	cfg         Config
	mem         MemoryAdapter
	kv          KV
	provisioner Provisioner
	leases      *LeaseManager
	registry    *ToolRegistry
	assembler   *Assembler
	blobs       BlobStore
	logger      *slog.Logger
	tracer      Tracer
}

// Option configures an Agent.
type Option func(*Agent)

// WithMemory sets the persistence adapter. Required.
func WithMemory(mem MemoryAdapter) Option {
	return func(a *Agent) { a.mem = mem }
}

// WithKV sets the lease store; defaults to the in-process MemoryKV.
func WithKV(kv KV) Option {
	return func(a *Agent) { a.kv = kv }
}

// WithSandbox sets the sandbox provisioner. Without one, sandbox-backed
// tools fail with a sandbox-not-configured error.
func WithSandbox(p Provisioner) Option {
	return func(a *Agent) { a.provisioner = p }
}

// WithLogger sets the structured logger; defaults to a nop logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithTracer enables span emission for loop steps and streams.
func WithTracer(t Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithBlobStore sets the upload store; defaults to the in-process
// MemoryBlob.
func WithBlobStore(s BlobStore) Option {
	return func(a *Agent) { a.blobs = s }
}

// New builds an Agent from cfg and options.
func New(cfg Config, opts ...Option) (*Agent, error) {
	if cfg.Instructions == "" {
		return nil, errors.New("agentstart: Config.Instructions is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("agentstart: Config.Provider is required")
	}
	if cfg.Commit == (CommitConfig{}) {
		cfg.Commit = DefaultCommitConfig
	}
	if cfg.Blob.MaxFileSize <= 0 {
		cfg.Blob.MaxFileSize = defaultMaxFileSize
	}
	if cfg.Blob.MaxFiles <= 0 {
		cfg.Blob.MaxFiles = defaultMaxFiles
	}
	if cfg.GenerateSuggestions != nil && cfg.GenerateSuggestions.Limit <= 0 {
		cfg.GenerateSuggestions.Limit = 3
	}

	a := &Agent{cfg: cfg, logger: nopLogger}
	for _, opt := range opts {
		opt(a)
	}
	if a.mem == nil {
		return nil, errors.New("agentstart: a memory adapter is required (WithMemory)")
	}
	if a.kv == nil {
		a.kv = NewMemoryKV()
	}
	a.leases = NewLeaseManager(a.kv, cfg.AutoStopDelay)
	a.registry = NewToolRegistry()
	for _, t := range cfg.Tools {
		a.registry.Add(t)
	}
	a.assembler = NewAssembler(a.mem, a.logger)
	if a.blobs == nil {
		a.blobs = NewMemoryBlob()
	}
	return a, nil
}

// Registry exposes the tool registry, e.g. to execute an approved call.
func (a *Agent) Registry() *ToolRegistry { return a.registry }

// Memory exposes the persistence adapter.
func (a *Agent) Memory() MemoryAdapter { return a.mem }

// Leases exposes the sandbox lease manager.
func (a *Agent) Leases() *LeaseManager { return a.leases }

// Blobs exposes the upload store.
func (a *Agent) Blobs() BlobStore { return a.blobs }

// ListSandboxFiles lists the thread's sandbox filesystem. The sandbox
// is rebound from the thread's cached id; a thread that never ran (or
// whose lease expired) reports sandbox-not-initialized.
func (a *Agent) ListSandboxFiles(ctx context.Context, userID, threadID, path string, recursive bool, ignore []string) ([]Dirent, error) {
	thread, err := a.ownedThread(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	if a.provisioner == nil {
		return nil, ErrSandboxNotConfigured()
	}
	id := sandboxIDFromContext(thread.LastContext)
	if id == "" {
		return nil, ErrSandboxNotInitialized()
	}
	alive, err := a.leases.Alive(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, ErrSandboxNotInitialized()
	}
	sb, err := a.provisioner.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.leases.Refresh(ctx, id); err != nil {
		a.logger.Warn("refresh sandbox lease", "sandbox_id", id, "error", err)
	}
	if path == "" {
		path = a.workDir()
	}
	return sb.FS().ReadDir(ctx, path, ReadDirOptions{
		Recursive: recursive,
		Ignores:   MergeIgnores(ignore),
	})
}

// ConfigSnapshot is the config.get payload.
type ConfigSnapshot struct {
	AppName string         `json:"appName,omitempty"`
	BaseURL string         `json:"baseURL,omitempty"`
	Welcome *WelcomeConfig `json:"welcome,omitempty"`
	Models  ModelsConfig   `json:"models,omitempty"`
	Blob    BlobConfig     `json:"blob,omitempty"`
}

// Snapshot returns the client-visible configuration.
func (a *Agent) Snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		AppName: a.cfg.AppName,
		BaseURL: a.cfg.BaseURL,
		Welcome: a.cfg.Welcome,
		Models:  a.cfg.Models,
		Blob:    a.cfg.Blob,
	}
}

// --- thread CRUD ---

// CreateThread creates a thread owned by userID. An empty title gets
// the default placeholder; an empty visibility defaults to private.
func (a *Agent) CreateThread(ctx context.Context, userID, title string, visibility Visibility) (Thread, error) {
	if userID == "" {
		return Thread{}, ErrUnauthorized
	}
	if title == "" {
		title = DefaultThreadTitle
	}
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	now := Now()
	t := Thread{
		ID:         NewID(),
		UserID:     userID,
		Title:      title,
		Visibility: visibility,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := a.mem.Create(ctx, ModelThread, ThreadToRow(t)); err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// GetThread loads a thread, enforcing visibility: owners always read
// their threads, everyone reads public ones, anything else is forbidden.
func (a *Agent) GetThread(ctx context.Context, userID, threadID string) (Thread, error) {
	row, err := a.mem.FindOne(ctx, ModelThread, []Where{Eq("id", threadID)})
	if err != nil {
		return Thread{}, err
	}
	if row == nil {
		return Thread{}, ErrNotFound
	}
	t := RowToThread(row)
	if t.UserID != userID && t.Visibility != VisibilityPublic {
		return Thread{}, ErrForbidden
	}
	return t, nil
}

// ownedThread loads a thread and requires userID to be the owner.
func (a *Agent) ownedThread(ctx context.Context, userID, threadID string) (Thread, error) {
	row, err := a.mem.FindOne(ctx, ModelThread, []Where{Eq("id", threadID)})
	if err != nil {
		return Thread{}, err
	}
	if row == nil {
		return Thread{}, ErrNotFound
	}
	t := RowToThread(row)
	if t.UserID != userID {
		return Thread{}, ErrForbidden
	}
	return t, nil
}

// ListThreads returns the user's threads ordered by most recent
// activity. limit<=0 means no limit.
func (a *Agent) ListThreads(ctx context.Context, userID string, limit, offset int) ([]Thread, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	rows, err := a.mem.FindMany(ctx, ModelThread,
		[]Where{Eq("userId", userID)},
		&SortBy{Field: "updatedAt", Direction: "desc"}, limit, offset)
	if err != nil {
		return nil, err
	}
	threads := make([]Thread, 0, len(rows))
	for _, row := range rows {
		threads = append(threads, RowToThread(row))
	}
	return threads, nil
}

// ThreadPatch is a partial thread update; nil fields are untouched.
type ThreadPatch struct {
	Title       *string
	Visibility  *Visibility
	LastContext json.RawMessage
}

// UpdateThread applies a patch to an owned thread.
func (a *Agent) UpdateThread(ctx context.Context, userID, threadID string, patch ThreadPatch) (Thread, error) {
	t, err := a.ownedThread(ctx, userID, threadID)
	if err != nil {
		return Thread{}, err
	}
	update := map[string]any{"updatedAt": Now()}
	if patch.Title != nil {
		update["title"] = *patch.Title
	}
	if patch.Visibility != nil {
		update["visibility"] = string(*patch.Visibility)
	}
	if len(patch.LastContext) > 0 {
		update["lastContext"] = patch.LastContext
	}
	if _, err := a.mem.Update(ctx, ModelThread, []Where{Eq("id", t.ID)}, update); err != nil {
		return Thread{}, fmt.Errorf("update thread %s: %w", threadID, err)
	}
	return a.ownedThread(ctx, userID, threadID)
}

// DeleteThread removes a thread and cascades to its messages, todos,
// and sandbox lease.
func (a *Agent) DeleteThread(ctx context.Context, userID, threadID string) error {
	t, err := a.ownedThread(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if id := sandboxIDFromContext(t.LastContext); id != "" {
		if err := a.leases.Release(ctx, id); err != nil {
			a.logger.Warn("release sandbox lease on thread delete", "sandbox_id", id, "error", err)
		}
	}
	if _, err := a.mem.DeleteMany(ctx, ModelMessage, []Where{Eq("threadId", t.ID)}); err != nil {
		return fmt.Errorf("delete thread messages: %w", err)
	}
	if _, err := a.mem.DeleteMany(ctx, ModelTodo, []Where{Eq("threadId", t.ID)}); err != nil {
		return fmt.Errorf("delete thread todos: %w", err)
	}
	if err := a.mem.Delete(ctx, ModelThread, []Where{Eq("id", t.ID)}); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// LoadMessages returns the thread history, enforcing visibility.
func (a *Agent) LoadMessages(ctx context.Context, userID, threadID string) ([]UIMessage, error) {
	if _, err := a.GetThread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return a.assembler.LoadThread(ctx, threadID)
}

// GetMessage loads a single message by id, enforcing the visibility of
// its thread.
func (a *Agent) GetMessage(ctx context.Context, userID, messageID string) (UIMessage, error) {
	row, err := a.mem.FindOne(ctx, ModelMessage, []Where{Eq("id", messageID)})
	if err != nil {
		return UIMessage{}, err
	}
	if row == nil {
		return UIMessage{}, ErrNotFound
	}
	msg, err := RowToUIMessage(row)
	if err != nil {
		return UIMessage{}, err
	}
	if _, err := a.GetThread(ctx, userID, msg.ThreadID); err != nil {
		return UIMessage{}, err
	}
	return msg, nil
}

// threadContext is the persisted lastContext payload.
type threadContext struct {
	SandboxID string `json:"sandboxId,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
}

func sandboxIDFromContext(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var tc threadContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return ""
	}
	return tc.SandboxID
}
