// Package vcs shells out to the git and gh CLIs for branch naming, push,
// and pull-request creation. The core never links a VCS library; it
// invokes these binaries by name and interprets exit status and stdout.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JoshuaAFerguson/apex/internal/common/logger"
)

// ErrGitHubCLIUnavailable is returned when the gh binary cannot be found or
// fails its version check.
var ErrGitHubCLIUnavailable = errors.New("gh CLI not available")

// ErrNotGitHubRemote is returned when origin does not point at github.com.
var ErrNotGitHubRemote = errors.New("origin remote is not a GitHub repository")

// Runner shells out to git/gh. A single Runner is safe for concurrent use;
// each call spawns its own subprocess.
type Runner struct {
	log *logger.Logger
}

// New constructs a Runner.
func New(log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{log: log.WithComponent("vcs")}
}

func (r *Runner) run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		r.log.Warn("external command failed",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.String("output", output),
			zap.Error(err))
		return output, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, output)
	}
	return output, nil
}

// GitHubCLIAvailable reports whether `gh --version` succeeds.
func (r *Runner) GitHubCLIAvailable(ctx context.Context) bool {
	_, err := r.run(ctx, "", "gh", "--version")
	return err == nil
}

// RemoteURL returns the origin remote URL for the repository at projectPath.
func (r *Runner) RemoteURL(ctx context.Context, projectPath string) (string, error) {
	return r.run(ctx, projectPath, "git", "remote", "get-url", "origin")
}

// IsGitHubRepo reports whether origin's URL identifies a GitHub repository.
func (r *Runner) IsGitHubRepo(ctx context.Context, projectPath string) (bool, error) {
	url, err := r.RemoteURL(ctx, projectPath)
	if err != nil {
		return false, err
	}
	return strings.Contains(url, "github.com"), nil
}

// PushBranch pushes branchName to origin. Callers gate this on
// config.git.pushAfterTask and any pre-push validation.
func (r *Runner) PushBranch(ctx context.Context, projectPath, branchName string) (string, error) {
	return r.run(ctx, projectPath, "git", "push", "--set-upstream", "origin", branchName)
}

// CreatePullRequestOptions configures a PR creation call.
type CreatePullRequestOptions struct {
	Title string
	Body  string
	Draft bool
	Base  string
}

// CreatePullRequest shells out to `gh pr create` and returns the PR URL
// (gh prints it verbatim to stdout on success).
func (r *Runner) CreatePullRequest(ctx context.Context, projectPath string, opts CreatePullRequestOptions) (string, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body}
	if opts.Draft {
		args = append(args, "--draft")
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	out, err := r.run(ctx, projectPath, "gh", args...)
	if err != nil {
		return "", err
	}
	lines := strings.Split(out, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

var (
	slugNonAlnum  = regexp.MustCompile(`[^a-z0-9]+`)
	slugTrimDash  = regexp.MustCompile(`^-+|-+$`)
	leadingVerbRe = regexp.MustCompile(`(?i)^(add|implement|create|fix|update|refactor|write|build|remove|improve)\s+`)
)

// Slugify lower-cases s, replaces non-alphanumeric runs with a single
// hyphen, and trims leading/trailing hyphens. Used to derive branch names
// and idle task ids from free-text descriptions.
func Slugify(s string) string {
	lower := strings.ToLower(s)
	slug := slugNonAlnum.ReplaceAllString(lower, "-")
	slug = slugTrimDash.ReplaceAllString(slug, "")
	if len(slug) > 60 {
		slug = strings.Trim(slug[:60], "-")
	}
	return slug
}

// BranchName derives the stable `apex/<slug>` branch name for a task
// description. Assigned once at task creation and never rewritten.
func BranchName(description string) string {
	return "apex/" + Slugify(description)
}

// commitTypeForWorkflow maps a workflow name to its conventional-commit
// type prefix. Unrecognised workflows default to "feat".
func commitTypeForWorkflow(workflow string) string {
	switch strings.ToLower(workflow) {
	case "bugfix", "bug-fix", "hotfix":
		return "fix"
	case "refactor", "refactoring":
		return "refactor"
	case "docs", "documentation":
		return "docs"
	case "test", "testing":
		return "test"
	default:
		return "feat"
	}
}

// CommitTitle builds a conventional-commit PR title from the task's
// workflow and description: "<type>: <suffix>", suffix stripped of a
// leading imperative verb and truncated so the total stays near 70 chars.
func CommitTitle(workflow, description string) string {
	commitType := commitTypeForWorkflow(workflow)
	suffix := leadingVerbRe.ReplaceAllString(strings.TrimSpace(description), "")
	if suffix == "" {
		suffix = strings.TrimSpace(description)
	}
	const maxSuffix = 60
	if len(suffix) > maxSuffix {
		suffix = strings.TrimSpace(suffix[:maxSuffix])
	}
	return fmt.Sprintf("%s: %s", commitType, suffix)
}

// formatThousands inserts comma separators into a non-negative integer.
func formatThousands(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteString(",")
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// PRBodyInput carries the task facts rendered into a PR body.
type PRBodyInput struct {
	TaskID             string
	AcceptanceCriteria string
	Workflow           string
	BranchName         string
	TotalTokens        int
	Cost               float64
}

// CommitBody renders the PR body: acceptance criteria, task metadata,
// formatted usage, and an APEX footer.
func CommitBody(in PRBodyInput) string {
	var b strings.Builder
	if in.AcceptanceCriteria != "" {
		b.WriteString("## Acceptance Criteria\n\n")
		b.WriteString(in.AcceptanceCriteria)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "## Details\n\n")
	fmt.Fprintf(&b, "- Task: `%s`\n", in.TaskID)
	fmt.Fprintf(&b, "- Workflow: `%s`\n", in.Workflow)
	fmt.Fprintf(&b, "- Branch: `%s`\n", in.BranchName)
	fmt.Fprintf(&b, "- Tokens used: %s\n", formatThousands(in.TotalTokens))
	fmt.Fprintf(&b, "- Cost: $%.2f\n", in.Cost)
	b.WriteString("\n---\nGenerated by APEX\n")
	return b.String()
}
