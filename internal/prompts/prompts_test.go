package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTaskTemplate(t *testing.T) {
	r := NewRenderer("")

	out, err := r.Render(TaskTemplate, map[string]string{
		"task_id":     "f-abc123",
		"title":       "fix the login flow",
		"description": "cookie expires too early",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "f-abc123")
	assert.Contains(t, out, "fix the login flow")
	assert.Contains(t, out, "cookie expires too early")
	assert.NotContains(t, out, "previous review", "no review section without issues")
	assert.NotContains(t, out, "---", "front-matter must be stripped")
}

func TestRenderTaskTemplateWithReviewIssues(t *testing.T) {
	r := NewRenderer("")

	out, err := r.Render(TaskTemplate, map[string]string{
		"task_id":       "f-abc123",
		"title":         "t",
		"review_issues": "- missing tests\n- unused import",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "previous review")
	assert.Contains(t, out, "- missing tests")
}

func TestRenderReviewTemplate(t *testing.T) {
	r := NewRenderer("")

	out, err := r.Render(ReviewTemplate, map[string]string{
		"task_id":    "f-abc123",
		"title":      "t",
		"git_diff":   "+added line",
		"git_status": "M main.go",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "+added line")
	assert.Contains(t, out, "M main.go")
	assert.Contains(t, out, `{"result": "pass", "issues": []}`)
}

func TestRenderMissingVarsAreEmpty(t *testing.T) {
	r := NewRenderer("")

	out, err := r.Render(TaskTemplate, map[string]string{"task_id": "f-abc123", "title": "t"})
	require.NoError(t, err)
	assert.NotContains(t, out, "<no value>")
}

func TestRenderUnknownTemplate(t *testing.T) {
	r := NewRenderer("")
	_, err := r.Render("nonexistent", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown prompt template")
}

func TestOverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	custom := "---\nvars: [title]\n---\nCUSTOM: {{.title}}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.md"), []byte(custom), 0o644))

	r := NewRenderer(dir)
	out, err := r.Render(TaskTemplate, map[string]string{"title": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM: hello\n", out)

	// Templates without an override still fall back to the embedded copy.
	out, err = r.Render(ReviewTemplate, map[string]string{"task_id": "x", "title": "y"})
	require.NoError(t, err)
	assert.Contains(t, out, "reviewing task x")
}

func TestVarsFromFrontMatter(t *testing.T) {
	r := NewRenderer("")

	vars, err := r.Vars(TaskTemplate)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_id", "title", "description", "complexity", "review_issues"}, vars)

	vars, err = r.Vars(ReviewTemplate)
	require.NoError(t, err)
	assert.Contains(t, vars, "git_diff")
}

func TestTemplateWithoutFrontMatter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.md"), []byte("plain {{.title}}"), 0o644))

	r := NewRenderer(dir)
	out, err := r.Render(TaskTemplate, map[string]string{"title": "body"})
	require.NoError(t, err)
	assert.Equal(t, "plain body", out)

	vars, err := r.Vars(TaskTemplate)
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestBuildArgv(t *testing.T) {
	argv := BuildArgv("claude", []string{"--dangerously-skip-permissions"}, []string{"-p", "{prompt}"}, "do the thing")
	assert.Equal(t, []string{"claude", "--dangerously-skip-permissions", "-p", "do the thing"}, argv)
}

func TestBuildArgvEmbeddedPlaceholder(t *testing.T) {
	argv := BuildArgv("agent", nil, []string{"--prompt={prompt}"}, "task body")
	assert.Equal(t, []string{"agent", "--prompt=task body"}, argv)
}

func TestBuildArgvNoPromptArgs(t *testing.T) {
	argv := BuildArgv("agent", []string{"run"}, nil, "ignored")
	assert.Equal(t, []string{"agent", "run"}, argv)
}
