// Package local implements the sandbox contract on the host
// filesystem. Each sandbox is a directory under the provisioner root;
// commands run as host subprocesses. Intended for development and
// single-tenant embedding, where isolation comes from the deployment
// rather than the runtime.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/agentstart/agentstart"
)

// Provisioner creates directory-backed sandboxes under Root.
type Provisioner struct {
	root string
}

var _ agentstart.Provisioner = (*Provisioner)(nil)

// NewProvisioner uses root as the parent of all sandbox directories.
func NewProvisioner(root string) *Provisioner {
	return &Provisioner{root: root}
}

// Create provisions a fresh sandbox directory.
func (p *Provisioner) Create(ctx context.Context) (agentstart.Sandbox, error) {
	id := agentstart.NewID()
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local: create sandbox dir: %w", err)
	}
	return newSandbox(id, dir), nil
}

// Connect re-attaches to an existing sandbox directory.
func (p *Provisioner) Connect(ctx context.Context, sandboxID string) (agentstart.Sandbox, error) {
	dir := filepath.Join(p.root, sandboxID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("local: sandbox %s not found", sandboxID)
	}
	return newSandbox(sandboxID, dir), nil
}

type sandbox struct {
	id  string
	dir string
}

func newSandbox(id, dir string) *sandbox {
	return &sandbox{id: id, dir: dir}
}

func (s *sandbox) ID() string              { return s.id }
func (s *sandbox) FS() agentstart.FS       { return localFS{s} }
func (s *sandbox) Shell() agentstart.Shell { return localShell{s} }

// Stop leaves the directory in place so an id with a live lease can be
// re-attached; removal is the host's concern.
func (s *sandbox) Stop(ctx context.Context) error { return nil }

// resolve confines a sandbox path to the sandbox directory. Absolute
// and relative paths are both interpreted from the sandbox root, and
// ".." cannot escape it.
func (s *sandbox) resolve(path string) string {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(path, s.dir))
	return filepath.Join(s.dir, cleaned)
}

// rel maps a host path back into sandbox-relative form.
func (s *sandbox) rel(hostPath string) string {
	r, err := filepath.Rel(s.dir, hostPath)
	if err != nil {
		return hostPath
	}
	return filepath.ToSlash(r)
}

type localFS struct{ s *sandbox }

func (l localFS) ReadDir(ctx context.Context, path string, opts agentstart.ReadDirOptions) ([]agentstart.Dirent, error) {
	root := l.s.resolve(path)
	ignored := func(name string) bool {
		for _, ig := range opts.Ignores {
			if name == ig {
				return true
			}
		}
		return false
	}

	var out []agentstart.Dirent
	if !opts.Recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("local: readdir: %w", err)
		}
		for _, e := range entries {
			if ignored(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, l.dirent(filepath.Join(root, e.Name()), info))
		}
		return out, nil
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if p == root {
			return nil
		}
		if d.IsDir() && ignored(d.Name()) {
			return filepath.SkipDir
		}
		if ignored(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, l.dirent(p, info))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l localFS) dirent(hostPath string, info fs.FileInfo) agentstart.Dirent {
	typ := agentstart.EntryFile
	switch {
	case info.IsDir():
		typ = agentstart.EntryDir
	case info.Mode()&fs.ModeSymlink != 0:
		typ = agentstart.EntrySymlink
	}
	rel := l.s.rel(hostPath)
	return agentstart.Dirent{
		Name:         info.Name(),
		Path:         rel,
		ParentPath:   filepath.ToSlash(filepath.Dir(rel)),
		Type:         typ,
		Size:         info.Size(),
		ModifiedTime: info.ModTime().UTC(),
	}
}

func (l localFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.s.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("local: read %s: %w", path, err)
	}
	return data, nil
}

func (l localFS) WriteFile(ctx context.Context, path string, data []byte, opts agentstart.WriteFileOptions) error {
	host := l.s.resolve(path)
	if opts.Recursive {
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			return fmt.Errorf("local: mkdir parents: %w", err)
		}
	}
	if err := os.WriteFile(host, data, 0o644); err != nil {
		return fmt.Errorf("local: write %s: %w", path, err)
	}
	return nil
}

func (l localFS) Mkdir(ctx context.Context, path string, recursive bool) error {
	host := l.s.resolve(path)
	var err error
	if recursive {
		err = os.MkdirAll(host, 0o755)
	} else {
		err = os.Mkdir(host, 0o755)
	}
	if err != nil {
		return fmt.Errorf("local: mkdir %s: %w", path, err)
	}
	return nil
}

func (l localFS) Remove(ctx context.Context, path string, opts agentstart.RemoveOptions) error {
	host := l.s.resolve(path)
	var err error
	if opts.Recursive {
		err = os.RemoveAll(host)
	} else {
		err = os.Remove(host)
	}
	if err != nil {
		if opts.Force && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("local: remove %s: %w", path, err)
	}
	return nil
}

func (l localFS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := os.Rename(l.s.resolve(oldPath), l.s.resolve(newPath)); err != nil {
		return fmt.Errorf("local: rename: %w", err)
	}
	return nil
}

func (l localFS) Stat(ctx context.Context, path string) (agentstart.Dirent, error) {
	host := l.s.resolve(path)
	info, err := os.Lstat(host)
	if err != nil {
		return agentstart.Dirent{}, fmt.Errorf("local: stat %s: %w", path, err)
	}
	return l.dirent(host, info), nil
}

func (l localFS) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Lstat(l.s.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Glob matches patterns against the sandbox tree. ** matches any depth
// including zero segments. Results are deduplicated and sorted
// lexicographically for determinism.
func (l localFS) Glob(ctx context.Context, patterns []string, opts agentstart.GlobOptions) ([]string, error) {
	base := l.s.dir
	if opts.CWD != "" {
		base = l.s.resolve(opts.CWD)
	}
	fsys := os.DirFS(base)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("local: glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] || excluded(m, opts.Exclude) {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func excluded(path string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, err := doublestar.Match(ex, path); err == nil && ok {
			return true
		}
	}
	return false
}

// watchHandle stops the polling goroutine.
type watchHandle struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (h *watchHandle) Close() error {
	h.once.Do(h.cancel)
	return nil
}

// Watch polls the subtree for changes. Local filesystems rarely need
// sub-second latency here; polling keeps the behavior identical to the
// docker sandbox, which has no inotify access either.
func (l localFS) Watch(ctx context.Context, path string, fn func(agentstart.WatchEvent), opts agentstart.WatchOptions) (agentstart.WatchHandle, error) {
	root := l.s.resolve(path)
	interval := opts.Debounce
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ignored := func(name string) bool {
		for _, ig := range agentstart.MergeIgnores(opts.Ignore) {
			if name == ig {
				return true
			}
		}
		return false
	}

	snapshot := func() map[string]time.Time {
		snap := make(map[string]time.Time)
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if p != root && ignored(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if ignored(d.Name()) {
				return nil
			}
			if info, err := d.Info(); err == nil {
				snap[p] = info.ModTime()
			}
			return nil
		})
		return snap
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	prev := snapshot()
	if opts.InitialScan {
		for p := range prev {
			fn(agentstart.WatchEvent{Type: agentstart.WatchCreate, Path: l.s.rel(p)})
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
			cur := snapshot()
			for p, mod := range cur {
				old, ok := prev[p]
				switch {
				case !ok:
					fn(agentstart.WatchEvent{Type: agentstart.WatchCreate, Path: l.s.rel(p)})
				case !mod.Equal(old):
					fn(agentstart.WatchEvent{Type: agentstart.WatchChange, Path: l.s.rel(p)})
				}
			}
			for p := range prev {
				if _, ok := cur[p]; !ok {
					fn(agentstart.WatchEvent{Type: agentstart.WatchDelete, Path: l.s.rel(p)})
				}
			}
			prev = cur
		}
	}()
	return &watchHandle{cancel: cancel}, nil
}

type localShell struct{ s *sandbox }

// Exec runs command through bash in the sandbox directory. The timeout
// kills the whole process group; partial output captured so far is
// still returned.
func (sh localShell) Exec(ctx context.Context, command string, opts agentstart.ExecOptions) (agentstart.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = sh.s.dir
	if opts.CWD != "" {
		cmd.Dir = sh.s.resolve(opts.CWD)
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = newTeeWriter(&stdout, opts.OnStdout)
	cmd.Stderr = newTeeWriter(&stderr, opts.OnStderr)

	start := time.Now()
	err := cmd.Run()
	res := agentstart.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Err = "command timed out"
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err.Error()
		}
	}
	return res, nil
}

// teeWriter copies chunks to a builder and an optional callback.
type teeWriter struct {
	dst io.Writer
	fn  func(string)
}

func newTeeWriter(dst io.Writer, fn func(string)) io.Writer {
	return &teeWriter{dst: dst, fn: fn}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	if t.fn != nil {
		t.fn(string(p))
	}
	return t.dst.Write(p)
}
