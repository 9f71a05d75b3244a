package claude

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayInput(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{
			name:  "read file path",
			tool:  ToolRead,
			input: map[string]any{"file_path": "/srv/app/main.go"},
			want:  "/srv/app/main.go",
		},
		{
			name:  "bash command truncated",
			tool:  ToolBash,
			input: map[string]any{"command": strings.Repeat("x", 60)},
			want:  strings.Repeat("x", 40) + "…",
		},
		{
			name:  "grep pattern truncated at thirty",
			tool:  ToolGrep,
			input: map[string]any{"pattern": strings.Repeat("p", 35)},
			want:  strings.Repeat("p", 30) + "…",
		},
		{
			name:  "glob pattern untruncated",
			tool:  ToolGlob,
			input: map[string]any{"pattern": "**/*.go"},
			want:  "**/*.go",
		},
		{
			name:  "task description",
			tool:  ToolTask,
			input: map[string]any{"description": "Explore codebase", "prompt": "long prompt here"},
			want:  "Explore codebase",
		},
		{
			name:  "unknown tool uses first string value",
			tool:  "mcp__github__create_issue",
			input: map[string]any{"title": "Bug report"},
			want:  "Bug report",
		},
		{
			name:  "empty input",
			tool:  ToolBash,
			input: nil,
			want:  "",
		},
		{
			name:  "missing field",
			tool:  ToolBash,
			input: map[string]any{"timeout": 5},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayInput(tt.tool, tt.input))
		})
	}
}

func TestDisplayInput_ShortensHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got := DisplayInput(ToolEdit, map[string]any{"file_path": filepath.Join(home, "projects", "x.go")})
	assert.Equal(t, filepath.Join("~", "projects", "x.go"), got)
}

func TestParseTodos(t *testing.T) {
	input := map[string]any{
		"todos": []any{
			map[string]any{"content": "write tests", "status": "in_progress", "activeForm": "Writing tests"},
			map[string]any{"content": "ship it", "status": "pending"},
		},
	}

	todos := ParseTodos(input)
	require.Len(t, todos, 2)
	assert.Equal(t, "write tests", todos[0].Content)
	assert.Equal(t, TodoInProgress, todos[0].Status)
	assert.Equal(t, "Writing tests", todos[0].ActiveForm)
	assert.Equal(t, TodoPending, todos[1].Status)
}

func TestParseTodos_Malformed(t *testing.T) {
	assert.Nil(t, ParseTodos(map[string]any{}))
	assert.Nil(t, ParseTodos(map[string]any{"todos": "not a list"}))
}

func TestParseQuestions(t *testing.T) {
	input := map[string]any{
		"questions": []any{
			map[string]any{
				"question":    "Which database?",
				"header":      "Storage",
				"multiSelect": false,
				"options": []any{
					map[string]any{"label": "SQLite", "description": "zero config"},
					map[string]any{"label": "Postgres"},
				},
			},
		},
	}

	questions := ParseQuestions(input)
	require.Len(t, questions, 1)
	assert.Equal(t, "Which database?", questions[0].Question)
	assert.Equal(t, "Storage", questions[0].Header)
	require.Len(t, questions[0].Options, 2)
	assert.Equal(t, "SQLite", questions[0].Options[0].Label)
	assert.Equal(t, "zero config", questions[0].Options[0].Description)
}

func TestParsePlan(t *testing.T) {
	assert.Equal(t, "do the thing", ParsePlan(map[string]any{"plan": "do the thing"}))
	assert.Empty(t, ParsePlan(map[string]any{}))

	dir := t.TempDir()
	path := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("# Plan\nsteps"), 0o600))
	assert.Equal(t, "# Plan\nsteps", ParsePlan(map[string]any{"filePath": path}))
}
