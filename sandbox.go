package agentstart

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EntryType classifies a directory entry.
type EntryType string

const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "dir"
	EntrySymlink EntryType = "symlink"
)

// Dirent describes one filesystem entry inside the sandbox.
type Dirent struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	ParentPath   string    `json:"parentPath"`
	Type         EntryType `json:"type"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modifiedTime"`
}

// DefaultIgnores are directory names skipped by recursive listings and
// globs unless explicitly requested. Always merged with caller ignores.
var DefaultIgnores = []string{
	"node_modules", ".git", "dist", "build", ".next", ".cache",
	"vendor", "__pycache__", "target", "coverage",
}

// MergeIgnores combines DefaultIgnores with user-supplied names.
func MergeIgnores(extra []string) []string {
	out := make([]string, 0, len(DefaultIgnores)+len(extra))
	out = append(out, DefaultIgnores...)
	for _, e := range extra {
		dup := false
		for _, d := range out {
			if d == e {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}

// ReadDirOptions configures FS.ReadDir.
type ReadDirOptions struct {
	Recursive bool
	Ignores   []string
}

// WriteFileOptions configures FS.WriteFile.
type WriteFileOptions struct {
	// Recursive creates missing parent directories.
	Recursive bool
}

// RemoveOptions configures FS.Remove.
type RemoveOptions struct {
	Force     bool
	Recursive bool
}

// GlobOptions configures FS.Glob. Pattern semantics: ** matches any
// depth including zero, * one path segment, ? one character.
type GlobOptions struct {
	CWD     string
	Exclude []string
}

// WatchEventType classifies a watch notification.
type WatchEventType string

const (
	WatchCreate WatchEventType = "create"
	WatchChange WatchEventType = "change"
	WatchDelete WatchEventType = "delete"
)

// WatchEvent is one filesystem change notification.
type WatchEvent struct {
	Type WatchEventType `json:"type"`
	Path string         `json:"path"`
}

// WatchOptions configures FS.Watch.
type WatchOptions struct {
	Recursive   bool
	Debounce    time.Duration
	Ignore      []string
	InitialScan bool
}

// WatchHandle stops a running watch.
type WatchHandle interface {
	Close() error
}

// FS is the sandbox filesystem capability.
type FS interface {
	ReadDir(ctx context.Context, path string, opts ReadDirOptions) ([]Dirent, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, opts WriteFileOptions) error
	Mkdir(ctx context.Context, path string, recursive bool) error
	Remove(ctx context.Context, path string, opts RemoveOptions) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Stat(ctx context.Context, path string) (Dirent, error)
	Exists(ctx context.Context, path string) (bool, error)
	Glob(ctx context.Context, patterns []string, opts GlobOptions) ([]string, error)
	Watch(ctx context.Context, path string, fn func(WatchEvent), opts WatchOptions) (WatchHandle, error)
}

// ExecOptions configures a shell command. Background commands are not
// supported; every command runs to completion or timeout.
type ExecOptions struct {
	CWD      string
	Env      map[string]string
	Timeout  time.Duration
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// ExecResult is the outcome of a shell command.
type ExecResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Shell is the sandbox command execution capability.
type Shell interface {
	Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
}

// Sandbox is one remote execution environment: a filesystem, a shell,
// and (via the Git façade) a git client.
type Sandbox interface {
	ID() string
	FS() FS
	Shell() Shell
	// Stop kills the remote environment. Operations after Stop fail
	// with a sandbox not_initialized error.
	Stop(ctx context.Context) error
}

// Provisioner creates and re-attaches sandboxes. Implementations:
// sandbox/local (host process), sandbox/docker (container).
type Provisioner interface {
	// Create provisions a fresh sandbox.
	Create(ctx context.Context) (Sandbox, error)
	// Connect attaches to an existing sandbox by id. Returns an error
	// when the sandbox no longer exists; the manager then creates a
	// fresh one.
	Connect(ctx context.Context, sandboxID string) (Sandbox, error)
}

// SandboxStatus reports the manager's view of its sandbox.
type SandboxStatus struct {
	Active       bool          `json:"active"`
	SandboxID    string        `json:"sandboxId,omitempty"`
	Uptime       time.Duration `json:"uptime"`
	LastActivity time.Time     `json:"lastActivity,omitzero"`
	// Reusable is true iff the sandbox is active and its lease exists.
	Reusable bool `json:"reusable"`
}

// SandboxManager owns one sandbox on behalf of one thread and enforces
// the lease protocol: every operation refreshes the heartbeat, and any
// operation observing a dead or missing sandbox transparently provisions
// a new one (forgetting the old id).
type SandboxManager struct {
	mu          sync.Mutex
	provisioner Provisioner
	leases      *LeaseManager
	logger      *slog.Logger

	sandbox   Sandbox
	token     string
	startedAt time.Time
	stopped   bool
}

// NewSandboxManager creates a manager. Both arguments are required; the
// host wires the provisioner and the lease manager's KV.
func NewSandboxManager(p Provisioner, leases *LeaseManager, opts ...SandboxManagerOption) *SandboxManager {
	m := &SandboxManager{provisioner: p, leases: leases, logger: nopLogger}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SandboxManagerOption configures a SandboxManager.
type SandboxManagerOption func(*SandboxManager)

// WithSandboxLogger sets a structured logger for lifecycle events.
func WithSandboxLogger(l *slog.Logger) SandboxManagerOption {
	return func(m *SandboxManager) { m.logger = l }
}

// ConnectOrCreate attaches to sandboxID when its lease still exists,
// otherwise provisions a fresh sandbox. The lease is refreshed and the
// auth token recorded either way.
func (m *SandboxManager) ConnectOrCreate(ctx context.Context, sandboxID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.stopped = false

	if sandboxID != "" {
		alive, err := m.leases.Alive(ctx, sandboxID)
		if err != nil {
			return err
		}
		if alive {
			sb, err := m.provisioner.Connect(ctx, sandboxID)
			if err == nil {
				m.adopt(sb)
				return m.leases.Refresh(ctx, sb.ID())
			}
			m.logger.Warn("sandbox attach failed, creating fresh", "sandbox_id", sandboxID, "error", err)
		}
	}
	return m.createLocked(ctx)
}

// createLocked provisions a fresh sandbox. Caller holds m.mu.
func (m *SandboxManager) createLocked(ctx context.Context) error {
	sb, err := m.provisioner.Create(ctx)
	if err != nil {
		return err
	}
	m.adopt(sb)
	m.logger.Info("sandbox created", "sandbox_id", sb.ID())
	return m.leases.Refresh(ctx, sb.ID())
}

func (m *SandboxManager) adopt(sb Sandbox) {
	m.sandbox = sb
	m.startedAt = Now()
}

// ensure returns a live sandbox, recreating it when the lease is gone.
// Refreshes the lease (keepAlive) on the way out.
func (m *SandboxManager) ensure(ctx context.Context) (Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrSandboxNotInitialized()
	}
	if m.sandbox != nil {
		alive, err := m.leases.Alive(ctx, m.sandbox.ID())
		if err != nil {
			return nil, err
		}
		if alive {
			if err := m.leases.Refresh(ctx, m.sandbox.ID()); err != nil {
				return nil, err
			}
			return m.sandbox, nil
		}
		// Lease expired between operations: the old sandbox is dead,
		// forget its id and start over.
		m.logger.Info("sandbox lease expired, recreating", "sandbox_id", m.sandbox.ID())
		m.sandbox = nil
	}
	if err := m.createLocked(ctx); err != nil {
		return nil, err
	}
	return m.sandbox, nil
}

// KeepAlive refreshes the current sandbox's lease.
func (m *SandboxManager) KeepAlive(ctx context.Context) error {
	_, err := m.ensure(ctx)
	return err
}

// ID returns the current sandbox id, or "" when none is provisioned.
func (m *SandboxManager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sandbox == nil {
		return ""
	}
	return m.sandbox.ID()
}

// Token returns the auth token recorded by ConnectOrCreate.
func (m *SandboxManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Status reports the lifecycle view: reusable ⇔ active ∧ lease exists.
func (m *SandboxManager) Status(ctx context.Context) (SandboxStatus, error) {
	m.mu.Lock()
	sb := m.sandbox
	started := m.startedAt
	stopped := m.stopped
	m.mu.Unlock()

	st := SandboxStatus{}
	if sb == nil || stopped {
		return st, nil
	}
	st.Active = true
	st.SandboxID = sb.ID()
	st.Uptime = time.Since(started)
	alive, err := m.leases.Alive(ctx, sb.ID())
	if err != nil {
		return st, err
	}
	st.Reusable = alive
	if last, ok, err := m.leases.LastActivity(ctx, sb.ID()); err == nil && ok {
		st.LastActivity = last
	}
	return st, nil
}

// Stop kills the sandbox and deletes its heartbeat key. Subsequent
// operations fail until ConnectOrCreate is called again.
func (m *SandboxManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sb := m.sandbox
	m.sandbox = nil
	m.stopped = true
	m.mu.Unlock()
	if sb == nil {
		return nil
	}
	if err := m.leases.Release(ctx, sb.ID()); err != nil {
		m.logger.Warn("lease release failed", "sandbox_id", sb.ID(), "error", err)
	}
	return sb.Stop(ctx)
}

// Dispose is an alias of Stop kept for symmetry with the coordinator's
// lifecycle: disposing the coordinator disposes the sandbox.
func (m *SandboxManager) Dispose(ctx context.Context) error { return m.Stop(ctx) }

// FS returns the lease-guarded filesystem capability.
func (m *SandboxManager) FS() FS { return managedFS{m} }

// Shell returns the lease-guarded shell capability.
func (m *SandboxManager) Shell() Shell { return managedShell{m} }

// Git returns a git façade bound to the managed shell and the recorded
// auth token.
func (m *SandboxManager) Git(cwd string) *Git {
	return NewGit(m.Shell(), cwd, WithGitToken(m.Token()))
}

// managedFS refreshes the lease (and recreates the sandbox if needed)
// before every filesystem operation.
type managedFS struct{ m *SandboxManager }

func (f managedFS) ReadDir(ctx context.Context, path string, opts ReadDirOptions) ([]Dirent, error) {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return sb.FS().ReadDir(ctx, path, opts)
}

func (f managedFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return sb.FS().ReadFile(ctx, path)
}

func (f managedFS) WriteFile(ctx context.Context, path string, data []byte, opts WriteFileOptions) error {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return err
	}
	return sb.FS().WriteFile(ctx, path, data, opts)
}

func (f managedFS) Mkdir(ctx context.Context, path string, recursive bool) error {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return err
	}
	return sb.FS().Mkdir(ctx, path, recursive)
}

func (f managedFS) Remove(ctx context.Context, path string, opts RemoveOptions) error {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return err
	}
	return sb.FS().Remove(ctx, path, opts)
}

func (f managedFS) Rename(ctx context.Context, oldPath, newPath string) error {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return err
	}
	return sb.FS().Rename(ctx, oldPath, newPath)
}

func (f managedFS) Stat(ctx context.Context, path string) (Dirent, error) {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return Dirent{}, err
	}
	return sb.FS().Stat(ctx, path)
}

func (f managedFS) Exists(ctx context.Context, path string) (bool, error) {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return false, err
	}
	return sb.FS().Exists(ctx, path)
}

func (f managedFS) Glob(ctx context.Context, patterns []string, opts GlobOptions) ([]string, error) {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return sb.FS().Glob(ctx, patterns, opts)
}

func (f managedFS) Watch(ctx context.Context, path string, fn func(WatchEvent), opts WatchOptions) (WatchHandle, error) {
	sb, err := f.m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return sb.FS().Watch(ctx, path, fn, opts)
}

type managedShell struct{ m *SandboxManager }

func (s managedShell) Exec(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	sb, err := s.m.ensure(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	return sb.Shell().Exec(ctx, command, opts)
}
