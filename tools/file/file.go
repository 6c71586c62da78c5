// Package file provides the filesystem tools: read, write, update, ls,
// and glob. All paths resolve inside the sandbox workdir and every
// mutation is auto-committed when the workdir is a git repository.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentstart/agentstart"
)

const (
	// defaultReadLimit is the number of lines returned when the model
	// does not pass an explicit limit.
	defaultReadLimit = 2000
	// maxLineLength truncates pathological single lines.
	maxLineLength = 2000
	// listing caps keep ls output model-sized
	maxRecursiveEntries = 500
	maxFlatEntries      = 100
)

// Tool implements the file tool family.
type Tool struct{}

// New creates the file tool.
func New() *Tool { return &Tool{} }

var _ agentstart.Tool = (*Tool)(nil)
var _ agentstart.Prompter = (*Tool)(nil)

func (t *Tool) Definitions() []agentstart.ToolDefinition {
	return []agentstart.ToolDefinition{
		{
			Name:        "read",
			Description: "Read a file from the workspace. Returns numbered lines. Use offset and limit to page through large files.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"filePath":{"type":"string","description":"File path relative to the workspace"},"offset":{"type":"integer","description":"1-based line to start from"},"limit":{"type":"integer","description":"Maximum number of lines to return"}},"required":["filePath"]}`),
		},
		{
			Name:        "write",
			Description: "Write content to a file, creating parent directories as needed. Overwrites existing files.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"filePath":{"type":"string","description":"File path relative to the workspace"},"content":{"type":"string","description":"Full file content"}},"required":["filePath","content"]}`),
		},
		{
			Name:        "update",
			Description: "Replace an exact string in a file. oldString must match exactly once unless replaceAll is set. An empty oldString creates the file with newString.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"filePath":{"type":"string"},"oldString":{"type":"string"},"newString":{"type":"string"},"replaceAll":{"type":"boolean"}},"required":["filePath","oldString","newString"]}`),
		},
		{
			Name:        "ls",
			Description: "List directory contents. Directories first, then files, both alphabetical.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory to list, defaults to the workspace root"},"recursive":{"type":"boolean"},"ignore":{"type":"array","items":{"type":"string"}}}}`),
		},
		{
			Name:        "glob",
			Description: "Find files matching glob patterns. ** matches any number of path segments including zero.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"patterns":{"type":"array","items":{"type":"string"}},"cwd":{"type":"string"},"exclude":{"type":"array","items":{"type":"string"}}},"required":["patterns"]}`),
		},
	}
}

// PendingPrompt labels the initial pending event.
func (t *Tool) PendingPrompt(name string, args json.RawMessage) string {
	var p struct {
		FilePath string `json:"filePath"`
		Path     string `json:"path"`
	}
	_ = json.Unmarshal(args, &p)
	target := p.FilePath
	if target == "" {
		target = p.Path
	}
	switch name {
	case "read":
		return "Reading " + target
	case "write":
		return "Writing " + target
	case "update":
		return "Updating " + target
	case "ls":
		if target == "" {
			return "Listing files"
		}
		return "Listing " + target
	case "glob":
		return "Searching for files"
	}
	return ""
}

func (t *Tool) Execute(ctx context.Context, rc *agentstart.RunContext, name string, args json.RawMessage, events chan<- agentstart.ToolEvent) (agentstart.ToolResult, error) {
	if rc == nil || rc.Sandbox == nil {
		return agentstart.ToolResult{}, agentstart.ErrSandboxNotConfigured()
	}
	switch name {
	case "read":
		return t.read(ctx, rc, args)
	case "write":
		return t.write(ctx, rc, args)
	case "update":
		return t.update(ctx, rc, args)
	case "ls":
		return t.ls(ctx, rc, args)
	case "glob":
		return t.glob(ctx, rc, args)
	default:
		return agentstart.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

// resolve anchors a model-supplied path under the workdir. ".." cannot
// escape it.
func resolve(workDir, p string) (string, error) {
	cleaned := path.Clean("/" + p)
	if cleaned == "/.." || strings.HasPrefix(cleaned, "/../") {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}
	return path.Join(workDir, cleaned), nil
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".webp": true, ".ico": true, ".svg": true,
}

func (t *Tool) read(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		FilePath string `json:"filePath"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	target, err := resolve(rc.WorkDir, p.FilePath)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	if imageExts[strings.ToLower(path.Ext(target))] {
		return agentstart.ToolResult{Error: "cannot read image file: " + p.FilePath}, nil
	}
	data, err := rc.Sandbox.FS().ReadFile(ctx, target)
	if err != nil {
		return agentstart.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	if isBinary(data) {
		return agentstart.ToolResult{Error: "cannot read binary file: " + p.FilePath}, nil
	}

	lines := strings.Split(string(data), "\n")
	total := len(lines)
	offset := p.Offset
	if offset < 1 {
		offset = 1
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if offset > total {
		// Past the end is an empty page, not an error: the caller just
		// paged one step too far.
		return agentstart.ToolResult{
			Content: "",
			Metadata: map[string]any{
				"totalLines": total,
				"linesRead":  0,
				"offset":     offset,
			},
		}, nil
	}
	end := offset - 1 + limit
	if end > total {
		end = total
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		line := lines[i]
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%05d| %s\n", i+1, line)
	}
	content := b.String()
	if end < total {
		content += fmt.Sprintf("\n(%d more lines not shown)", total-end)
	}
	return agentstart.ToolResult{
		Content: content,
		Metadata: map[string]any{
			"totalLines": total,
			"linesRead":  end - offset + 1,
			"offset":     offset,
		},
	}, nil
}

// isBinary applies the null-byte and non-printable heuristics to the
// head of the file.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	if len(head) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range head {
		if b == 0 {
			return true
		}
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(head)) > 0.30
}

func (t *Tool) write(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		FilePath string `json:"filePath"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	target, err := resolve(rc.WorkDir, p.FilePath)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	existed, err := rc.Sandbox.FS().Exists(ctx, target)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	err = rc.Sandbox.FS().WriteFile(ctx, target, []byte(p.Content), agentstart.WriteFileOptions{Recursive: true})
	if err != nil {
		return agentstart.ToolResult{Error: "write error: " + err.Error()}, nil
	}

	description := "created"
	if existed {
		description = "overwritten"
	}
	metadata := map[string]any{"path": p.FilePath, "bytes": len(p.Content)}
	if hash := autoCommit(ctx, rc, []string{p.FilePath}, description); hash != "" {
		metadata["commitHash"] = hash
	}
	return agentstart.ToolResult{
		Content:  fmt.Sprintf("File %s %s (%d bytes)", p.FilePath, description, len(p.Content)),
		Metadata: metadata,
	}, nil
}

func (t *Tool) update(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		FilePath   string `json:"filePath"`
		OldString  string `json:"oldString"`
		NewString  string `json:"newString"`
		ReplaceAll bool   `json:"replaceAll"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if p.OldString == p.NewString {
		return agentstart.ToolResult{Error: "oldString and newString are identical"}, nil
	}
	target, err := resolve(rc.WorkDir, p.FilePath)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}

	var before string
	if p.OldString == "" {
		// empty oldString creates the file
		existed, err := rc.Sandbox.FS().Exists(ctx, target)
		if err != nil {
			return agentstart.ToolResult{Error: err.Error()}, nil
		}
		if existed {
			return agentstart.ToolResult{Error: "file already exists: " + p.FilePath}, nil
		}
	} else {
		data, err := rc.Sandbox.FS().ReadFile(ctx, target)
		if err != nil {
			return agentstart.ToolResult{Error: "read error: " + err.Error()}, nil
		}
		before = string(data)
	}

	after, replacements, editErr := applyEdit(before, p.OldString, p.NewString, p.ReplaceAll)
	if editErr != "" {
		return agentstart.ToolResult{Error: editErr}, nil
	}
	err = rc.Sandbox.FS().WriteFile(ctx, target, []byte(after), agentstart.WriteFileOptions{Recursive: true})
	if err != nil {
		return agentstart.ToolResult{Error: "write error: " + err.Error()}, nil
	}

	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(before, after))

	metadata := map[string]any{
		"path":         p.FilePath,
		"replacements": replacements,
		"diff":         patch,
	}
	description := "edited"
	if p.OldString == "" {
		description = "created"
	}
	if hash := autoCommit(ctx, rc, []string{p.FilePath}, description); hash != "" {
		metadata["commitHash"] = hash
	}
	return agentstart.ToolResult{
		Content:  fmt.Sprintf("Edited %s (%d replacement(s))", p.FilePath, replacements),
		Metadata: metadata,
	}, nil
}

// applyEdit performs the exact-string replacement. The empty oldString
// creates content; otherwise oldString must occur exactly once unless
// replaceAll.
func applyEdit(before, oldString, newString string, replaceAll bool) (string, int, string) {
	if oldString == "" {
		return newString, 1, ""
	}
	count := strings.Count(before, oldString)
	switch {
	case count == 0:
		return "", 0, "oldString not found in file"
	case count > 1 && !replaceAll:
		return "", 0, fmt.Sprintf("oldString occurs %d times; pass replaceAll or disambiguate", count)
	case replaceAll:
		return strings.ReplaceAll(before, oldString, newString), count, ""
	default:
		return strings.Replace(before, oldString, newString, 1), 1, ""
	}
}

func (t *Tool) ls(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		Path      string   `json:"path"`
		Recursive bool     `json:"recursive"`
		Ignore    []string `json:"ignore"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	target, err := resolve(rc.WorkDir, p.Path)
	if err != nil {
		return agentstart.ToolResult{Error: err.Error()}, nil
	}
	entries, err := rc.Sandbox.FS().ReadDir(ctx, target, agentstart.ReadDirOptions{
		Recursive: p.Recursive,
		Ignores:   agentstart.MergeIgnores(p.Ignore),
	})
	if err != nil {
		return agentstart.ToolResult{Error: "list error: " + err.Error()}, nil
	}

	// directories first, then files, both alphabetical by path
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Type == agentstart.EntryDir, entries[j].Type == agentstart.EntryDir
		if di != dj {
			return di
		}
		return entries[i].Path < entries[j].Path
	})
	limit := maxFlatEntries
	if p.Recursive {
		limit = maxRecursiveEntries
	}
	truncated := false
	if len(entries) > limit {
		entries = entries[:limit]
		truncated = true
	}

	var b strings.Builder
	for _, e := range entries {
		if e.Type == agentstart.EntryDir {
			fmt.Fprintf(&b, "%s/\n", e.Path)
		} else {
			fmt.Fprintf(&b, "%s\n", e.Path)
		}
	}
	if truncated {
		fmt.Fprintf(&b, "\n(truncated to %d entries)", limit)
	}
	return agentstart.ToolResult{
		Content:  b.String(),
		Metadata: map[string]any{"count": len(entries), "truncated": truncated},
	}, nil
}

func (t *Tool) glob(ctx context.Context, rc *agentstart.RunContext, args json.RawMessage) (agentstart.ToolResult, error) {
	var p struct {
		Patterns []string `json:"patterns"`
		CWD      string   `json:"cwd"`
		Exclude  []string `json:"exclude"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return agentstart.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if len(p.Patterns) == 0 {
		return agentstart.ToolResult{Error: "patterns is required"}, nil
	}
	cwd := rc.WorkDir
	if p.CWD != "" {
		var err error
		cwd, err = resolve(rc.WorkDir, p.CWD)
		if err != nil {
			return agentstart.ToolResult{Error: err.Error()}, nil
		}
	}
	matches, err := rc.Sandbox.FS().Glob(ctx, p.Patterns, agentstart.GlobOptions{
		CWD:     cwd,
		Exclude: p.Exclude,
	})
	if err != nil {
		return agentstart.ToolResult{Error: "glob error: " + err.Error()}, nil
	}
	return agentstart.ToolResult{
		Content:  strings.Join(matches, "\n"),
		Metadata: map[string]any{"count": len(matches)},
	}, nil
}

// autoCommit records the mutation when the workdir is a git repository.
// Failures are non-fatal: the file change already happened.
func autoCommit(ctx context.Context, rc *agentstart.RunContext, paths []string, description string) string {
	git := rc.Sandbox.Git(rc.WorkDir)
	if !git.Usable(ctx) {
		return ""
	}
	hash, err := agentstart.AutoCommit(ctx, git, rc.Commit, paths, description, rc.Log())
	if err != nil {
		rc.Log().Warn("auto-commit failed", "error", err)
		return ""
	}
	return hash
}
