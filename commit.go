package agentstart

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// CommitConfig supplies the fixed identity used by auto-commits.
type CommitConfig struct {
	UserName  string
	UserEmail string
}

// DefaultCommitConfig is used when the host configures no identity.
var DefaultCommitConfig = CommitConfig{
	UserName:  "agentstart",
	UserEmail: "agent@agentstart.dev",
}

// commitRule maps a keyword found in the change description to a
// conventional-commits type. Checked in order after the exact operation
// match; see TestClassifyCommit for the vectors these rules must satisfy.
type commitRule struct {
	keyword string
	typ     string
}

var operationRules = []commitRule{
	{"created", "feat"},
	{"overwritten", "chore"},
	{"edited", "chore"},
	{"executed:", "chore"},
}

var keywordRules = []commitRule{
	{"fix", "fix"},
	{"bug", "fix"},
	{"add", "feat"},
	{"new", "feat"},
	{"remove", "chore"},
	{"delete", "chore"},
	{"update", "chore"},
	{"change", "chore"},
}

var fileTypeRules = []struct {
	match func(name string) bool
	typ   string
}{
	{func(n string) bool {
		return strings.Contains(n, "test") || strings.Contains(n, ".spec.")
	}, "test"},
	{func(n string) bool {
		return strings.HasPrefix(n, "readme") || strings.HasSuffix(n, ".md")
	}, "docs"},
	{func(n string) bool {
		for _, ext := range []string{".css", ".scss", ".less", ".sass"} {
			if strings.HasSuffix(n, ext) {
				return true
			}
		}
		return false
	}, "style"},
}

// ClassifyCommit derives the conventional-commits type from a change
// description and a file name. Priority: exact operation match, then
// semantic keywords, then file type, then "chore".
func ClassifyCommit(description, filename string) string {
	desc := strings.ToLower(strings.TrimSpace(description))
	for _, r := range operationRules {
		if desc == r.keyword || strings.HasPrefix(desc, r.keyword) {
			return r.typ
		}
	}
	for _, r := range keywordRules {
		if strings.Contains(desc, r.keyword) {
			return r.typ
		}
	}
	name := strings.ToLower(path.Base(filename))
	for _, r := range fileTypeRules {
		if r.match(name) {
			return r.typ
		}
	}
	return "chore"
}

// CommitMessage formats the auto-commit message:
// "<type>(<scope>): <description>" with the file base name as scope.
func CommitMessage(description, filename string) string {
	return fmt.Sprintf("%s(%s): %s", ClassifyCommit(description, filename), path.Base(filename), description)
}

// AutoCommit runs the commit protocol for a file-mutating tool: set the
// local identity, stage the paths, commit with a classified message, and
// push. Returns the commit hash when available.
//
// An identity-configuration failure propagates; any later step's failure
// is non-fatal — the caller still reports tool success, just without a
// commitHash.
func AutoCommit(ctx context.Context, git *Git, cfg CommitConfig, paths []string, description string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = nopLogger
	}
	if cfg.UserName == "" {
		cfg = DefaultCommitConfig
	}
	if res, err := git.Config(ctx, "user.name", cfg.UserName); err != nil || !res.Success {
		return "", fmt.Errorf("git config user.name: %s", commitFailure(res, err))
	}
	if res, err := git.Config(ctx, "user.email", cfg.UserEmail); err != nil || !res.Success {
		return "", fmt.Errorf("git config user.email: %s", commitFailure(res, err))
	}

	if res, err := git.Add(ctx, paths...); err != nil || !res.Success {
		logger.Warn("auto-commit: git add failed", "error", commitFailure(res, err))
		return "", nil
	}

	scope := "files"
	if len(paths) == 1 {
		scope = paths[0]
	}
	msg := CommitMessage(description, scope)
	commit, err := git.Commit(ctx, msg)
	if err != nil || !commit.Success {
		logger.Warn("auto-commit: git commit failed", "error", commitFailure(commit, err))
		return "", nil
	}

	if res, perr := git.Push(ctx); perr != nil || !res.Success {
		logger.Warn("auto-commit: git push failed", "error", commitFailure(res, perr))
	}
	return commit.Hash, nil
}

func commitFailure(res GitResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Err != "" {
		return res.Err
	}
	return fmt.Sprintf("exit %d", res.ExitCode)
}
