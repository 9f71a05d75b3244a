// Package turn maintains the rendered state of a live conversation turn:
// streaming text, thinking blocks, tool cards, sub-agent cards, the todo
// widget, permission cards, and queued user messages.
package turn

import (
	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/permission"
)

// ArtifactKind discriminates the rendered artifact types.
type ArtifactKind string

const (
	ArtifactUser       ArtifactKind = "user"
	ArtifactText       ArtifactKind = "text"
	ArtifactThinking   ArtifactKind = "thinking"
	ArtifactTool       ArtifactKind = "tool"
	ArtifactSubAgent   ArtifactKind = "subagent"
	ArtifactTodo       ArtifactKind = "todo"
	ArtifactPermission ArtifactKind = "permission"
	ArtifactError      ArtifactKind = "error"
	ArtifactDivider    ArtifactKind = "divider"
)

// Artifact statuses.
const (
	StatusOpen      = "open"
	StatusComplete  = "complete"
	StatusCollapsed = "collapsed"
)

// Permission card variants.
const (
	PermissionVariantTool     = "tool"
	PermissionVariantQuestion = "question"
	PermissionVariantPlan     = "plan"
)

// Artifact is one rendered element of a conversation. Exactly one payload
// branch is populated according to Kind. Streaming text carries no cursor
// glyph in Text; clients render one while Streaming is set.
type Artifact struct {
	ID     string       `json:"id"`
	Kind   ArtifactKind `json:"kind"`
	Status string       `json:"status"`

	// Text holds the payload for user, text, thinking, error, and divider
	// artifacts.
	Text      string `json:"text,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`

	// Queued marks a user message submitted while a turn was in flight; the
	// badge clears on the next message_start.
	Queued bool `json:"queued,omitempty"`

	Tool       *ToolCard         `json:"tool,omitempty"`
	SubAgent   *SubAgentCard     `json:"sub_agent,omitempty"`
	Todos      []claude.TodoItem `json:"todos,omitempty"`
	Permission *PermissionCard   `json:"permission,omitempty"`
}

// ToolCard is the rendered state of one tool invocation.
type ToolCard struct {
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Detail    string         `json:"detail,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	RawInput  string         `json:"raw_input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Complete  bool           `json:"complete"`
}

// SubAgentCard is the rendered state of one Task sub-agent, holding its own
// nested child cards.
type SubAgentCard struct {
	ToolUseID   string      `json:"tool_use_id"`
	Description string      `json:"description,omitempty"`
	Activity    string      `json:"activity,omitempty"`
	Children    []*ToolCard `json:"children,omitempty"`
	Complete    bool        `json:"complete"`
}

// PermissionCard is the rendered state of one permission prompt.
type PermissionCard struct {
	RequestID   string              `json:"request_id"`
	ToolName    string              `json:"tool_name"`
	Variant     string              `json:"variant"`
	Detail      string              `json:"detail,omitempty"`
	Input       map[string]any      `json:"input,omitempty"`
	Questions   []claude.Question   `json:"questions,omitempty"`
	Plan        string              `json:"plan,omitempty"`
	Suggestions []permission.Update `json:"suggestions,omitempty"`
	Resolved    bool                `json:"resolved"`
	Behavior    string              `json:"behavior,omitempty"`
	// Disabled marks a card force-resolved by a stream error; the UI renders
	// it inert.
	Disabled bool `json:"disabled,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (a *Artifact) Clone() Artifact {
	out := *a
	if a.Tool != nil {
		tool := *a.Tool
		tool.Input = cloneMap(a.Tool.Input)
		out.Tool = &tool
	}
	if a.SubAgent != nil {
		sub := *a.SubAgent
		sub.Children = make([]*ToolCard, len(a.SubAgent.Children))
		for i, child := range a.SubAgent.Children {
			c := *child
			c.Input = cloneMap(child.Input)
			sub.Children[i] = &c
		}
		out.SubAgent = &sub
	}
	if a.Permission != nil {
		perm := *a.Permission
		perm.Input = cloneMap(a.Permission.Input)
		perm.Questions = append([]claude.Question(nil), a.Permission.Questions...)
		perm.Suggestions = append([]permission.Update(nil), a.Permission.Suggestions...)
		out.Permission = &perm
	}
	out.Todos = append([]claude.TodoItem(nil), a.Todos...)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// variantFor maps a tool name to its permission card variant.
func variantFor(toolName string) string {
	switch toolName {
	case claude.ToolQuestion:
		return PermissionVariantQuestion
	case claude.ToolExitPlan:
		return PermissionVariantPlan
	default:
		return PermissionVariantTool
	}
}
