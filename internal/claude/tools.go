package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Reserved tool names with dedicated handling.
const (
	ToolRead      = "Read"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolBash      = "Bash"
	ToolGrep      = "Grep"
	ToolGlob      = "Glob"
	ToolTask      = "Task"
	ToolTodoWrite = "TodoWrite"
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
	ToolQuestion  = "AskUserQuestion"
	ToolExitPlan  = "ExitPlanMode"
)

// DefaultInputMaxLen caps a display detail derived from a free-form input value.
const DefaultInputMaxLen = 40

// inputConfig selects and formats the display detail for one tool name.
type inputConfig struct {
	field  string
	maxLen int
	format func(string) string
}

var toolInputConfigs = map[string]inputConfig{
	ToolRead:      {field: "file_path", format: shortenPath},
	ToolWrite:     {field: "file_path", format: shortenPath},
	ToolEdit:      {field: "file_path", format: shortenPath},
	ToolBash:      {field: "command", maxLen: DefaultInputMaxLen},
	ToolGrep:      {field: "pattern", maxLen: 30},
	ToolGlob:      {field: "pattern"},
	ToolTask:      {field: "description"},
	ToolWebFetch:  {field: "url", maxLen: DefaultInputMaxLen},
	ToolWebSearch: {field: "query"},
}

// DisplayInput returns the short human-readable detail line for a tool
// invocation. Unknown tools fall back to the first string value of the input.
func DisplayInput(name string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}

	cfg, ok := toolInputConfigs[name]
	if !ok {
		return truncate(firstStringValue(input), DefaultInputMaxLen)
	}

	value, _ := input[cfg.field].(string)
	if value == "" {
		return ""
	}
	if cfg.format != nil {
		value = cfg.format(value)
	}
	if cfg.maxLen > 0 {
		value = truncate(value, cfg.maxLen)
	}
	return value
}

// firstStringValue returns some string value of the input map, preferring
// well-known key names so the choice is stable across runs.
func firstStringValue(input map[string]any) string {
	for _, key := range []string{"path", "file_path", "command", "query", "url", "prompt", "description"} {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// shortenPath replaces the home directory prefix with ~.
func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if rel, ok := strings.CutPrefix(path, home+string(filepath.Separator)); ok {
		return "~" + string(filepath.Separator) + rel
	}
	return path
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// TodoItem is one entry of a TodoWrite invocation.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm,omitempty"`
}

// Todo item statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// ParseTodos extracts the todo list from a TodoWrite input.
func ParseTodos(input map[string]any) []TodoItem {
	raw, ok := input["todos"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var todos []TodoItem
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil
	}
	return todos
}

// Question is one prompt of an AskUserQuestion invocation.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	MultiSelect bool             `json:"multiSelect,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ParseQuestions extracts the question list from an AskUserQuestion input.
func ParseQuestions(input map[string]any) []Question {
	raw, ok := input["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return nil
	}
	return questions
}

// ParsePlan extracts the plan text from an ExitPlanMode input. The CLI sends
// either the plan inline or a file path to read it from.
func ParsePlan(input map[string]any) string {
	if plan, ok := input["plan"].(string); ok && plan != "" {
		return plan
	}
	path, ok := input["filePath"].(string)
	if !ok || path == "" {
		return ""
	}
	data, err := os.ReadFile(path) //nolint:gosec // path originates from the local CLI
	if err != nil {
		return fmt.Sprintf("(plan file unreadable: %s)", path)
	}
	return string(data)
}
