package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Add OAuth login flow!":     "add-oauth-login-flow",
		"  Fix   bug   ":            "fix-bug",
		"already-a-slug":            "already-a-slug",
		"Trailing punctuation...":   "trailing-punctuation",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "apex/add-oauth-login", BranchName("Add OAuth login"))
}

func TestCommitTitle(t *testing.T) {
	assert.Equal(t, "feat: oauth login flow", CommitTitle("feature", "Add OAuth login flow"))
	assert.Equal(t, "fix: null pointer on logout", CommitTitle("bugfix", "Fix null pointer on logout"))
	assert.Equal(t, "refactor: the scheduler loop", CommitTitle("refactor", "Refactor the scheduler loop"))
}

func TestCommitTitleTruncatesSuffix(t *testing.T) {
	long := "a very long task description that goes on and on past the sixty character limit for sure"
	title := CommitTitle("feature", long)
	assert.LessOrEqual(t, len(title), 70)
}

func TestFormatThousands(t *testing.T) {
	assert.Equal(t, "0", formatThousands(0))
	assert.Equal(t, "999", formatThousands(999))
	assert.Equal(t, "1,000", formatThousands(1000))
	assert.Equal(t, "1,234,567", formatThousands(1234567))
}

func TestCommitBodyContainsFooter(t *testing.T) {
	body := CommitBody(PRBodyInput{
		TaskID:      "task_123",
		Workflow:    "feature",
		BranchName:  "apex/add-thing",
		TotalTokens: 12345,
		Cost:        4.5,
	})
	assert.Contains(t, body, "Generated by APEX")
	assert.Contains(t, body, "12,345")
	assert.Contains(t, body, "$4.50")
}
