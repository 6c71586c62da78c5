// Package docker implements the sandbox contract on Docker containers.
// Each sandbox is one long-lived container; files move over the Engine
// API's tar-based copy endpoints and commands run through exec
// sessions. Reattach works as long as the container still exists, which
// pairs with the lease protocol: a live lease implies the container has
// not been reaped yet.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agentstart/agentstart"
)

const sandboxLabel = "agentstart.sandbox"

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithImage sets the container image; default ubuntu:24.04.
func WithImage(image string) Option {
	return func(p *Provisioner) { p.image = image }
}

// WithWorkDir sets the in-container working directory; default /workspace.
func WithWorkDir(dir string) Option {
	return func(p *Provisioner) { p.workDir = dir }
}

// WithEnv adds environment variables to created containers.
func WithEnv(env []string) Option {
	return func(p *Provisioner) { p.env = env }
}

// Provisioner creates container-backed sandboxes. The Docker client is
// externally owned; the caller creates and closes it, typically with
// client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()).
type Provisioner struct {
	cli     *client.Client
	image   string
	workDir string
	env     []string
}

var _ agentstart.Provisioner = (*Provisioner)(nil)

// NewProvisioner wraps an existing Docker client.
func NewProvisioner(cli *client.Client, opts ...Option) *Provisioner {
	p := &Provisioner{cli: cli, image: "ubuntu:24.04", workDir: "/workspace"}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Create starts a fresh sandbox container.
func (p *Provisioner) Create(ctx context.Context) (agentstart.Sandbox, error) {
	cfg := &container.Config{
		Image:      p.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: p.workDir,
		Env:        p.env,
		Labels:     map[string]string{sandboxLabel: "true"},
	}
	created, err := p.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker: start container: %w", err)
	}
	sb := p.sandbox(created.ID)
	if _, err := sb.exec(ctx, []string{"mkdir", "-p", p.workDir}, "/", nil, nil, nil); err != nil {
		return nil, fmt.Errorf("docker: prepare workdir: %w", err)
	}
	return sb, nil
}

// Connect re-attaches to a container, starting it if it was stopped.
func (p *Provisioner) Connect(ctx context.Context, sandboxID string) (agentstart.Sandbox, error) {
	info, err := p.cli.ContainerInspect(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("docker: sandbox %s not found: %w", sandboxID, err)
	}
	if info.Config == nil || info.Config.Labels[sandboxLabel] != "true" {
		return nil, fmt.Errorf("docker: container %s is not a sandbox", sandboxID)
	}
	if info.State == nil || !info.State.Running {
		if err := p.cli.ContainerStart(ctx, sandboxID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("docker: restart sandbox: %w", err)
		}
	}
	return p.sandbox(sandboxID), nil
}

func (p *Provisioner) sandbox(id string) *sandbox {
	return &sandbox{id: id, cli: p.cli, workDir: p.workDir}
}

type sandbox struct {
	id      string
	cli     *client.Client
	workDir string
}

func (s *sandbox) ID() string              { return s.id }
func (s *sandbox) FS() agentstart.FS       { return dockerFS{s} }
func (s *sandbox) Shell() agentstart.Shell { return dockerShell{s} }

// Stop force-removes the container.
func (s *sandbox) Stop(ctx context.Context) error {
	err := s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("docker: remove container: %w", err)
	}
	return nil
}

// resolve anchors a sandbox path under the container workdir.
func (s *sandbox) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.workDir, p)
}

// exec runs a command inside the container and captures both streams.
func (s *sandbox) exec(ctx context.Context, cmd []string, cwd string, env []string, onStdout, onStderr func(string)) (agentstart.ExecResult, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   cwd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return agentstart.ExecResult{}, fmt.Errorf("docker: exec create: %w", err)
	}
	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return agentstart.ExecResult{}, fmt.Errorf("docker: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	start := time.Now()
	// stdcopy demultiplexes the engine's combined stream
	_, copyErr := stdcopy.StdCopy(
		newTeeWriter(&stdout, onStdout),
		newTeeWriter(&stderr, onStderr),
		attach.Reader,
	)

	res := agentstart.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.Err = "command timed out"
		return res, nil
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		res.ExitCode = -1
		res.Err = copyErr.Error()
		return res, nil
	}
	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return res, fmt.Errorf("docker: exec inspect: %w", err)
	}
	res.ExitCode = inspect.ExitCode
	return res, nil
}

type dockerShell struct{ s *sandbox }

func (sh dockerShell) Exec(ctx context.Context, command string, opts agentstart.ExecOptions) (agentstart.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cwd := sh.s.workDir
	if opts.CWD != "" {
		cwd = sh.s.resolve(opts.CWD)
	}
	var env []string
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	return sh.s.exec(ctx, []string{"bash", "-c", command}, cwd, env, opts.OnStdout, opts.OnStderr)
}

type dockerFS struct{ s *sandbox }

// statFormat matches the parser in parseStatLine: path|type|size|mtime.
const statFormat = `%n|%F|%s|%Y`

func (f dockerFS) ReadDir(ctx context.Context, dirPath string, opts agentstart.ReadDirOptions) ([]agentstart.Dirent, error) {
	root := f.s.resolve(dirPath)
	depth := "-maxdepth 1"
	if opts.Recursive {
		depth = ""
	}
	var prunes []string
	for _, ig := range opts.Ignores {
		prunes = append(prunes, fmt.Sprintf("-name %s -prune -o", shellQuote(ig)))
	}
	cmd := fmt.Sprintf(`find %s -mindepth 1 %s %s -exec stat --format '%s' {} + 2>/dev/null`,
		shellQuote(root), depth, strings.Join(prunes, " "), statFormat)
	res, err := f.s.exec(ctx, []string{"bash", "-c", cmd}, f.s.workDir, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var out []agentstart.Dirent
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		d, ok := f.parseStatLine(line)
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f dockerFS) parseStatLine(line string) (agentstart.Dirent, bool) {
	fields := strings.SplitN(line, "|", 4)
	if len(fields) != 4 {
		return agentstart.Dirent{}, false
	}
	size, _ := strconv.ParseInt(fields[2], 10, 64)
	mtime, _ := strconv.ParseInt(fields[3], 10, 64)
	typ := agentstart.EntryFile
	switch {
	case strings.Contains(fields[1], "directory"):
		typ = agentstart.EntryDir
	case strings.Contains(fields[1], "symbolic link"):
		typ = agentstart.EntrySymlink
	}
	hostPath := fields[0]
	rel := strings.TrimPrefix(strings.TrimPrefix(hostPath, f.s.workDir), "/")
	if rel == "" {
		rel = "."
	}
	return agentstart.Dirent{
		Name:         path.Base(hostPath),
		Path:         rel,
		ParentPath:   path.Dir(rel),
		Type:         typ,
		Size:         size,
		ModifiedTime: time.Unix(mtime, 0).UTC(),
	}, true
}

// ReadFile pulls the file through the Engine's tar copy endpoint.
func (f dockerFS) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	host := f.s.resolve(filePath)
	rc, _, err := f.s.cli.CopyFromContainer(ctx, f.s.id, host)
	if err != nil {
		return nil, fmt.Errorf("docker: read %s: %w", filePath, err)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docker: read tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("docker: %s is not a regular file", filePath)
}

// WriteFile pushes the file as a single-entry tar stream.
func (f dockerFS) WriteFile(ctx context.Context, filePath string, data []byte, opts agentstart.WriteFileOptions) error {
	host := f.s.resolve(filePath)
	dir := path.Dir(host)
	if opts.Recursive {
		if _, err := f.s.exec(ctx, []string{"mkdir", "-p", dir}, "", nil, nil, nil); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(host),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	err := f.s.cli.CopyToContainer(ctx, f.s.id, dir, &buf, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("docker: write %s: %w", filePath, err)
	}
	return nil
}

func (f dockerFS) Mkdir(ctx context.Context, dirPath string, recursive bool) error {
	cmd := []string{"mkdir", f.s.resolve(dirPath)}
	if recursive {
		cmd = []string{"mkdir", "-p", f.s.resolve(dirPath)}
	}
	return f.runOrErr(ctx, cmd, "mkdir "+dirPath)
}

func (f dockerFS) Remove(ctx context.Context, target string, opts agentstart.RemoveOptions) error {
	args := []string{"rm"}
	if opts.Recursive {
		args = append(args, "-r")
	}
	if opts.Force {
		args = append(args, "-f")
	}
	args = append(args, f.s.resolve(target))
	return f.runOrErr(ctx, args, "remove "+target)
}

func (f dockerFS) Rename(ctx context.Context, oldPath, newPath string) error {
	return f.runOrErr(ctx, []string{"mv", f.s.resolve(oldPath), f.s.resolve(newPath)}, "rename "+oldPath)
}

func (f dockerFS) Stat(ctx context.Context, target string) (agentstart.Dirent, error) {
	res, err := f.s.exec(ctx, []string{"stat", "--format", statFormat, f.s.resolve(target)}, "", nil, nil, nil)
	if err != nil {
		return agentstart.Dirent{}, err
	}
	if res.ExitCode != 0 {
		return agentstart.Dirent{}, fmt.Errorf("docker: stat %s: %s", target, strings.TrimSpace(res.Stderr))
	}
	d, ok := f.parseStatLine(strings.TrimSpace(res.Stdout))
	if !ok {
		return agentstart.Dirent{}, fmt.Errorf("docker: stat %s: unparseable output", target)
	}
	return d, nil
}

func (f dockerFS) Exists(ctx context.Context, target string) (bool, error) {
	res, err := f.s.exec(ctx, []string{"test", "-e", f.s.resolve(target)}, "", nil, nil, nil)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Glob lists the tree once and matches with doublestar, so pattern
// semantics are identical to the local sandbox.
func (f dockerFS) Glob(ctx context.Context, patterns []string, opts agentstart.GlobOptions) ([]string, error) {
	base := opts.CWD
	if base == "" {
		base = "."
	}
	entries, err := f.ReadDir(ctx, base, agentstart.ReadDirOptions{
		Recursive: true,
		Ignores:   agentstart.DefaultIgnores,
	})
	if err != nil {
		return nil, err
	}
	baseRel := strings.TrimPrefix(strings.TrimPrefix(f.s.resolve(base), f.s.workDir), "/")
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		rel := e.Path
		if baseRel != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(rel, baseRel), "/")
		}
		for _, pattern := range patterns {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				return nil, fmt.Errorf("docker: glob %q: %w", pattern, err)
			}
			if ok && !seen[rel] && !excluded(rel, opts.Exclude) {
				seen[rel] = true
				out = append(out, rel)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func excluded(p string, excludes []string) bool {
	for _, ex := range excludes {
		if ok, err := doublestar.Match(ex, p); err == nil && ok {
			return true
		}
	}
	return false
}

type watchHandle struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (h *watchHandle) Close() error {
	h.once.Do(h.cancel)
	return nil
}

// Watch polls the tree over exec; the engine API exposes no change
// notification for container filesystems.
func (f dockerFS) Watch(ctx context.Context, dirPath string, fn func(agentstart.WatchEvent), opts agentstart.WatchOptions) (agentstart.WatchHandle, error) {
	interval := opts.Debounce
	if interval <= 0 {
		interval = time.Second
	}
	snapshot := func(ctx context.Context) map[string]time.Time {
		snap := make(map[string]time.Time)
		entries, err := f.ReadDir(ctx, dirPath, agentstart.ReadDirOptions{
			Recursive: true,
			Ignores:   agentstart.MergeIgnores(opts.Ignore),
		})
		if err != nil {
			return snap
		}
		for _, e := range entries {
			if e.Type == agentstart.EntryFile {
				snap[e.Path] = e.ModifiedTime
			}
		}
		return snap
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	prev := snapshot(watchCtx)
	if opts.InitialScan {
		for p := range prev {
			fn(agentstart.WatchEvent{Type: agentstart.WatchCreate, Path: p})
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
			cur := snapshot(watchCtx)
			for p, mod := range cur {
				old, ok := prev[p]
				switch {
				case !ok:
					fn(agentstart.WatchEvent{Type: agentstart.WatchCreate, Path: p})
				case !mod.Equal(old):
					fn(agentstart.WatchEvent{Type: agentstart.WatchChange, Path: p})
				}
			}
			for p := range prev {
				if _, ok := cur[p]; !ok {
					fn(agentstart.WatchEvent{Type: agentstart.WatchDelete, Path: p})
				}
			}
			prev = cur
		}
	}()
	return &watchHandle{cancel: cancel}, nil
}

func (f dockerFS) runOrErr(ctx context.Context, cmd []string, what string) error {
	res, err := f.s.exec(ctx, cmd, "", nil, nil, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker: %s: %s", what, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

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
