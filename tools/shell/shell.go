// Package shell provides the bash and grep tools on top of the sandbox
// shell. Successful bash commands that leave the git worktree dirty are
// auto-committed.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentstart/agentstart"
)

const (
	// defaultTimeout / maxTimeout bound one bash invocation.
	defaultTimeout = 120_000 * time.Millisecond
	maxTimeout     = 600_000 * time.Millisecond
	// maxOutputChars truncates each captured stream.
	maxOutputChars    = 30_000
	truncationMarker  = "\n... (output truncated)"
	maxCommandInTitle = 80
)

// Tool implements the bash and grep tools.
type Tool struct{}

// New creates the shell tool.
func New() *Tool { return &Tool{} }

var _ agentstart.Tool = (*Tool)(nil)
var _ agentstart.Prompter = (*Tool)(nil)

func (t *Tool) Definitions() []agentstart.ToolDefinition {
	return []agentstart.ToolDefinition{
		{
			Name:        "bash",
			Description: "Run a bash command in the workspace. Commands run to completion or timeout; background processes are not supported.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"The command to run"},"description":{"type":"string","description":"Short human-readable summary of what the command does"},"timeout":{"type":"integer","description":"Timeout in milliseconds, capped at 600000"},"cwd":{"type":"string","description":"Working directory relative to the workspace"}},"required":["command"]}`),
		},
		{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns file, line number, and matching line.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string","description":"File or directory to search, defaults to the workspace root"},"include":{"type":"string","description":"Only search files matching this glob"},"exclude":{"type":"array","items":{"type":"string"},"description":"Skip files matching these globs"},"ignoreCase":{"type":"boolean"},"literal":{"type":"boolean","description":"Treat pattern as a fixed string"},"wholeWord":{"type":"boolean","description":"Match whole words only"},"recursive":{"type":"boolean","description":"Descend into directories, defaults to true"},"context":{"type":"integer","description":"Lines of context around each match"},"maxResults":{"type":"integer","description":"Stop after this many matching lines"}},"required":["pattern"]}`),
		},
	}
}

func (t *Tool) PendingPrompt(name string, args json.RawMessage) string {
	switch name {
	case "bash":
		var p struct {
			Command     string `json:"command"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(args, &p)
		if p.Description != "" {
			return p.Description
		}
		cmd := p.Command
		if len(cmd) > maxCommandInTitle {
			cmd = cmd[:maxCommandInTitle] + "..."
		}
		return "Running " + cmd
	case "grep":
		var p struct {
			Pattern string `json:"pattern"`
		}
		_ = json.Unmarshal(args, &p)
		return "Searching for " + p.Pattern
	}
	return ""
}

func (t *Tool) Execute(ctx context.Context, rc *agentstart.RunContext, name string, args json.RawMessage, events chan<- agentstart.ToolEvent) (agentstart.ToolResult, error) {
	if rc == nil || rc.Sandbox == nil {
		return agentstart.ToolResult{}, agentstart.ErrSandboxNotConfigured()
	}
	switch name {
	case "bash":
		return t.bash(ctx, rc, args, events)
	case "grep":
		return t.grep(ctx, rc, args)
	default:
		return agentstart.ToolResult{Error: "unknown shell tool: " + name}, nil
	}
}

func (t *Tool) bash(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage, events chan<- agentstart.ToolEvent) (agentstart.ToolResult, error) {
	var p struct {
		Command     string `json:"command"`
		Description string `json:"description"`
		Timeout     int    `json:"timeout"` // milliseconds
		CWD         string `json:"cwd"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(p.Command) == "" {
		return agentstart.ToolResult{Error: "command is required"}, nil
	}
	timeout := defaultTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Millisecond
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	cwd := rc.WorkDir
	if p.CWD != "" {
		cwd = rc.WorkDir + "/" + strings.TrimPrefix(p.CWD, "/")
	}

	git := rc.Sandbox.Git(rc.WorkDir)
	gitBefore := git.Usable(ctx)

	res, err := rc.Sandbox.Shell().Exec(ctx, p.Command, agentstart.ExecOptions{
		CWD:     cwd,
		Timeout: timeout,
		OnStdout: func(chunk string) {
			emitProgress(events, "stdout", chunk)
		},
		OnStderr: func(chunk string) {
			emitProgress(events, "stderr", chunk)
		},
	})
	if err != nil {
		return agentstart.ToolResult{Error: "exec error: " + err.Error()}, nil
	}

	stdout := truncate(res.Stdout)
	stderr := truncate(res.Stderr)
	metadata := map[string]any{
		"exitCode":   res.ExitCode,
		"durationMs": res.Duration.Milliseconds(),
	}

	var commitHash string
	if gitBefore && res.ExitCode == 0 {
		commitHash = commitDirty(ctx, rc, git, p.Command)
		if commitHash != "" {
			metadata["commitHash"] = commitHash
		}
	}

	content := stdout
	if stderr != "" {
		if content != "" {
			content += "\n"
		}
		content += "stderr:\n" + stderr
	}
	if res.Err != "" {
		return agentstart.ToolResult{Error: res.Err, Content: content, Metadata: metadata}, nil
	}
	if res.ExitCode != 0 {
		return agentstart.ToolResult{
			Error:    fmt.Sprintf("command exited with code %d", res.ExitCode),
			Content:  content,
			Metadata: metadata,
		}, nil
	}
	if content == "" {
		content = "(no output)"
	}
	return agentstart.ToolResult{Content: content, Metadata: metadata}, nil
}

// commitDirty auto-commits whatever the command changed. Only runs when
// the worktree was already a git repo before the command, so a command
// that runs `git init` does not trigger a surprise commit.
func commitDirty(ctx context.Context, rc *agentstart.RunContext, git *agentstart.Git, command string) string {
	status, err := git.Status(ctx)
	if err != nil || !status.Success || strings.TrimSpace(status.Message) == "" {
		return ""
	}
	paths := changedPaths(status.Message)
	if len(paths) == 0 {
		return ""
	}
	desc := "executed: " + command
	hash, err := agentstart.AutoCommit(ctx, git, rc.Commit, paths, desc, rc.Log())
	if err != nil {
		rc.Log().Warn("auto-commit after bash failed", "error", err)
		return ""
	}
	return hash
}

// changedPaths parses `git status --porcelain` output.
func changedPaths(porcelain string) []string {
	var out []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// renames show as "old -> new"
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + truncationMarker
}

// emitProgress forwards an output chunk as a pending update without
// ever blocking command execution.
func emitProgress(events chan<- agentstart.ToolEvent, stream, chunk string) {
	if events == nil || chunk == "" {
		return
	}
	if len(chunk) > 512 {
		chunk = chunk[:512]
	}
	select {
	case events <- agentstart.ToolEvent{
		Status:   agentstart.StatusPending,
		Metadata: map[string]any{"stream": stream, "chunk": chunk},
	}:
	default:
	}
}

func (t *Tool) grep(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		Pattern    string   `json:"pattern"`
		Path       string   `json:"path"`
		Include    string   `json:"include"`
		Exclude    []string `json:"exclude"`
		IgnoreCase bool     `json:"ignoreCase"`
		Literal    bool     `json:"literal"`
		WholeWord  bool     `json:"wholeWord"`
		Recursive  *bool    `json:"recursive"`
		Context    int      `json:"context"`
		MaxResults int      `json:"maxResults"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if p.Pattern == "" {
		return agentstart.ToolResult{Error: "pattern is required"}, nil
	}
	target := "."
	if p.Path != "" {
		target = p.Path
	}

	flags := []string{"-n", "--null", "-I"}
	if p.Recursive == nil || *p.Recursive {
		flags = append(flags, "-r")
	} else {
		flags = append(flags, "-d", "skip")
	}
	if p.IgnoreCase {
		flags = append(flags, "-i")
	}
	if p.Literal {
		flags = append(flags, "-F")
	}
	if p.WholeWord {
		flags = append(flags, "-w")
	}
	if p.Context > 0 {
		flags = append(flags, fmt.Sprintf("-C %d", p.Context))
	}
	if p.Include != "" {
		flags = append(flags, "--include="+shellQuote(p.Include))
	}
	for _, glob := range p.Exclude {
		flags = append(flags, "--exclude="+shellQuote(glob))
	}
	for _, dir := range agentstart.DefaultIgnores {
		flags = append(flags, "--exclude-dir="+shellQuote(dir))
	}
	cmd := fmt.Sprintf("grep %s -e %s %s",
		strings.Join(flags, " "), shellQuote(p.Pattern), shellQuote(target))

	res, err := rc.Sandbox.Shell().Exec(ctx, cmd, agentstart.ExecOptions{
		CWD:     rc.WorkDir,
		Timeout: defaultTimeout,
	})
	if err != nil {
		return agentstart.ToolResult{Error: "exec error: " + err.Error()}, nil
	}
	switch {
	case res.ExitCode == 1:
		return agentstart.ToolResult{Content: "No matches found", Metadata: map[string]any{
			"files": []map[string]any{}, "totalFiles": 0, "totalMatches": 0,
			"duration": res.Duration.Milliseconds(),
		}}, nil
	case res.ExitCode > 1:
		return agentstart.ToolResult{Error: "grep failed: " + strings.TrimSpace(res.Stderr)}, nil
	}

	lines := parseGrepOutput(res.Stdout)
	if p.MaxResults > 0 {
		lines = capMatches(lines, p.MaxResults)
	}
	var b strings.Builder
	for _, m := range lines {
		sep := ":"
		if !m.match {
			sep = "-"
		}
		fmt.Fprintf(&b, "%s%s%s%s%s\n", m.file, sep, m.line, sep, m.text)
	}
	return agentstart.ToolResult{
		Content:  truncate(b.String()),
		Metadata: grepMetadata(lines, res.Duration),
	}, nil
}

type grepMatch struct {
	file, line, text string
	match            bool
}

// capMatches keeps output up to and including the n-th matching line.
// Trailing context after the cut is dropped with it.
func capMatches(lines []grepMatch, n int) []grepMatch {
	seen := 0
	for i, m := range lines {
		if !m.match {
			continue
		}
		seen++
		if seen == n {
			return lines[:i+1]
		}
	}
	return lines
}

// grepMetadata aggregates matches per file, in order of first
// appearance, for the structured result alongside the rendered text.
func grepMetadata(lines []grepMatch, took time.Duration) map[string]any {
	files := []map[string]any{}
	index := map[string]int{}
	total := 0
	for _, m := range lines {
		if !m.match {
			continue
		}
		i, ok := index[m.file]
		if !ok {
			i = len(files)
			index[m.file] = i
			files = append(files, map[string]any{
				"filename":   m.file,
				"matches":    []map[string]any{},
				"matchCount": 0,
			})
		}
		files[i]["matches"] = append(files[i]["matches"].([]map[string]any),
			map[string]any{"lineNumber": m.line, "lineText": m.text})
		files[i]["matchCount"] = files[i]["matchCount"].(int) + 1
		total++
	}
	return map[string]any{
		"files":        files,
		"totalFiles":   len(files),
		"totalMatches": total,
		"duration":     took.Milliseconds(),
	}
}

// parseGrepOutput handles --null output, where the filename is
// terminated by a NUL byte so names containing colons parse correctly.
// With context enabled, context lines separate the line number with a
// dash instead of a colon and groups are delimited by "--" lines.
// Output without a NUL falls back to splitting on the first two colons.
func parseGrepOutput(out string) []grepMatch {
	var matches []grepMatch
	for _, line := range strings.Split(out, "\n") {
		if line == "" || line == "--" {
			continue
		}
		m := grepMatch{match: true}
		if i := strings.IndexByte(line, 0); i >= 0 {
			m.file = line[:i]
			rest := line[i+1:]
			if j := strings.IndexAny(rest, ":-"); j >= 0 {
				m.line, m.text = rest[:j], rest[j+1:]
				m.match = rest[j] == ':'
			} else {
				m.text = rest
			}
		} else {
			parts := strings.SplitN(line, ":", 3)
			if len(parts) < 3 {
				continue
			}
			m.file, m.line, m.text = parts[0], parts[1], parts[2]
		}
		matches = append(matches, m)
	}
	return matches
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
