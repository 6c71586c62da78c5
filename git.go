package agentstart

import (
	"context"
	"fmt"
	"strings"
)

// GitResult is the outcome of one git subcommand.
type GitResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Err      string `json:"error,omitempty"`
	ExitCode int    `json:"exitCode"`
	Hash     string `json:"hash,omitempty"`
}

// askpassDir is created inside the sandbox with 0700 permissions; the
// helper script echoes the token git asks for. The script is recreated
// if missing on next use.
const askpassDir = "/tmp/.agentstart-git"

const askpassPath = askpassDir + "/askpass.sh"

// askpassScript reads the token from the environment rather than
// embedding it, so the secret never lands on disk.
const askpassScript = `#!/bin/sh
echo "$AGENTSTART_GIT_TOKEN"
`

// Git is a façade over the sandbox shell exposing the git subcommands
// the tools and the auto-commit protocol need. When a token is set,
// authentication flows through a GIT_ASKPASS helper with terminal
// prompts disabled.
type Git struct {
	sh    Shell
	cwd   string
	token string
}

// GitOption configures a Git façade.
type GitOption func(*Git)

// WithGitToken sets the auth token injected via the askpass helper.
func WithGitToken(token string) GitOption {
	return func(g *Git) { g.token = token }
}

// NewGit creates a git façade running in cwd over sh.
func NewGit(sh Shell, cwd string, opts ...GitOption) *Git {
	g := &Git{sh: sh, cwd: cwd}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetToken updates the auth token for subsequent commands.
func (g *Git) SetToken(token string) { g.token = token }

// env builds the command environment: prompts disabled always, askpass
// wiring only when a token is present.
func (g *Git) env() map[string]string {
	env := map[string]string{"GIT_TERMINAL_PROMPT": "0"}
	if g.token != "" {
		env["GIT_ASKPASS"] = askpassPath
		env["AGENTSTART_GIT_TOKEN"] = g.token
	}
	return env
}

// ensureAskpass recreates the helper script when missing.
func (g *Git) ensureAskpass(ctx context.Context) error {
	if g.token == "" {
		return nil
	}
	check, err := g.sh.Exec(ctx, fmt.Sprintf("test -x %s", askpassPath), ExecOptions{})
	if err != nil {
		return err
	}
	if check.ExitCode == 0 {
		return nil
	}
	script := fmt.Sprintf(
		"mkdir -m 700 -p %s && printf '%%s' %s > %s && chmod 700 %s",
		askpassDir, shellQuote(askpassScript), askpassPath, askpassPath)
	res, err := g.sh.Exec(ctx, script, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create askpass helper: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// run executes a git subcommand and folds the outcome into a GitResult.
func (g *Git) run(ctx context.Context, args ...string) (GitResult, error) {
	if err := g.ensureAskpass(ctx); err != nil {
		return GitResult{Err: err.Error(), ExitCode: -1}, err
	}
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, "git")
	for _, a := range args {
		quoted = append(quoted, shellQuote(a))
	}
	res, err := g.sh.Exec(ctx, strings.Join(quoted, " "), ExecOptions{CWD: g.cwd, Env: g.env()})
	if err != nil {
		return GitResult{Err: err.Error(), ExitCode: -1}, err
	}
	out := GitResult{
		Success:  res.ExitCode == 0,
		Message:  strings.TrimSpace(res.Stdout),
		ExitCode: res.ExitCode,
	}
	if res.ExitCode != 0 {
		out.Err = strings.TrimSpace(res.Stderr)
		if out.Err == "" {
			out.Err = strings.TrimSpace(res.Stdout)
		}
	}
	return out, nil
}

func (g *Git) Status(ctx context.Context) (GitResult, error) {
	return g.run(ctx, "status", "--porcelain")
}

func (g *Git) Add(ctx context.Context, paths ...string) (GitResult, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	return g.run(ctx, append([]string{"add", "--"}, paths...)...)
}

// Commit records a commit and resolves the new HEAD hash on success.
func (g *Git) Commit(ctx context.Context, message string) (GitResult, error) {
	res, err := g.run(ctx, "commit", "-m", message)
	if err != nil || !res.Success {
		return res, err
	}
	head, herr := g.run(ctx, "rev-parse", "HEAD")
	if herr == nil && head.Success {
		res.Hash = strings.TrimSpace(head.Message)
	}
	return res, nil
}

func (g *Git) Push(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"push"}, args...)...)
}

func (g *Git) Pull(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"pull"}, args...)...)
}

func (g *Git) Fetch(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"fetch"}, args...)...)
}

func (g *Git) Checkout(ctx context.Context, ref string) (GitResult, error) {
	return g.run(ctx, "checkout", ref)
}

func (g *Git) Branch(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"branch"}, args...)...)
}

func (g *Git) Merge(ctx context.Context, ref string) (GitResult, error) {
	return g.run(ctx, "merge", ref)
}

func (g *Git) Rebase(ctx context.Context, ref string) (GitResult, error) {
	return g.run(ctx, "rebase", ref)
}

func (g *Git) Log(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"log"}, args...)...)
}

func (g *Git) Diff(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"diff"}, args...)...)
}

func (g *Git) Stash(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"stash"}, args...)...)
}

func (g *Git) Tag(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"tag"}, args...)...)
}

func (g *Git) Remote(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"remote"}, args...)...)
}

func (g *Git) Reset(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"reset"}, args...)...)
}

func (g *Git) Revert(ctx context.Context, ref string) (GitResult, error) {
	return g.run(ctx, "revert", "--no-edit", ref)
}

func (g *Git) CherryPick(ctx context.Context, ref string) (GitResult, error) {
	return g.run(ctx, "cherry-pick", ref)
}

func (g *Git) Clean(ctx context.Context, args ...string) (GitResult, error) {
	return g.run(ctx, append([]string{"clean"}, args...)...)
}

// Config sets a local repository configuration value.
func (g *Git) Config(ctx context.Context, key, value string) (GitResult, error) {
	return g.run(ctx, "config", "--local", key, value)
}

// Usable reports whether cwd is inside a working git tree.
func (g *Git) Usable(ctx context.Context) bool {
	res, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && res.Success && strings.TrimSpace(res.Message) == "true"
}

// shellQuote wraps s in single quotes, escaping embedded quotes, so
// arbitrary arguments survive `sh -c`.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
