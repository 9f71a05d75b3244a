package turn

import (
	"fmt"
	"log/slog"

	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/permission"
)

// activityMaxLen caps the sub-agent activity line.
const activityMaxLen = 80

// Assembler folds decoded block events into an ordered artifact list. One
// Assembler serves one session. It is not safe for concurrent use; the owning
// controller serializes all calls.
type Assembler struct {
	logger *slog.Logger

	artifacts []*Artifact
	seq       int

	// Live indices into artifacts.
	openText     *Artifact
	openThinking *Artifact
	tools        map[string]*Artifact // tool_use_id → tool artifact
	subAgents    map[string]*Artifact // Task tool_use_id → sub-agent artifact
	permissions  map[string]*Artifact // request id → permission artifact
	todo         *Artifact

	subAgentText map[string]string // Task tool_use_id → streamed activity text

	turnOpen    bool
	toolUseSeen bool
	textSeen    bool

	model  string
	tokens int
	cost   float64
}

// NewAssembler returns an empty Assembler.
func NewAssembler(logger *slog.Logger) *Assembler {
	return &Assembler{
		logger:       logger,
		tools:        make(map[string]*Artifact),
		subAgents:    make(map[string]*Artifact),
		permissions:  make(map[string]*Artifact),
		subAgentText: make(map[string]string),
	}
}

// Model returns the most recently reported model name.
func (a *Assembler) Model() string { return a.model }

// Tokens returns the cumulative token count for the session.
func (a *Assembler) Tokens() int { return a.tokens }

// Cost returns the cumulative cost for the session in USD.
func (a *Assembler) Cost() float64 { return a.cost }

// TurnOpen reports whether a turn is currently in flight.
func (a *Assembler) TurnOpen() bool { return a.turnOpen }

// ToolUseSeen reports whether the current turn has observed a tool-use.
func (a *Assembler) ToolUseSeen() bool { return a.toolUseSeen }

// PendingPermissions returns the number of unresolved permission cards.
func (a *Assembler) PendingPermissions() int { return len(a.permissions) }

// Snapshot returns a deep copy of all artifacts for history replay.
func (a *Assembler) Snapshot() []Artifact {
	out := make([]Artifact, len(a.artifacts))
	for i, artifact := range a.artifacts {
		out[i] = artifact.Clone()
	}
	return out
}

// Apply folds one decoded event into the turn state and returns the artifacts
// it created or changed, in order.
func (a *Assembler) Apply(ev claude.BlockEvent) []*Artifact {
	switch e := ev.(type) {
	case *claude.MessageStartEvent:
		return a.applyMessageStart(e)
	case *claude.TextStartEvent:
		if e.SubAgent() {
			return nil
		}
		return []*Artifact{a.ensureOpenText()}
	case *claude.TextDeltaEvent:
		return a.applyTextDelta(e)
	case *claude.TextStopEvent:
		if e.SubAgent() {
			return nil
		}
		return a.finalizeText()
	case *claude.ThinkingStartEvent:
		if e.SubAgent() {
			return nil
		}
		return []*Artifact{a.ensureOpenThinking()}
	case *claude.ThinkingDeltaEvent:
		if e.SubAgent() {
			return nil
		}
		artifact := a.ensureOpenThinking()
		artifact.Text += e.Text
		return []*Artifact{artifact}
	case *claude.ThinkingStopEvent:
		if e.SubAgent() {
			return nil
		}
		return a.finalizeThinking()
	case *claude.ToolStartEvent:
		return a.applyToolStart(e)
	case *claude.ToolStopEvent:
		return a.applyToolStop(e)
	case *claude.ToolResultEvent:
		return a.applyToolResult(e)
	case *claude.MessageDeltaEvent:
		a.applyUsage(e.Usage)
		return nil
	case *claude.MessageStopEvent:
		// A turn without tool use concludes here; otherwise the result
		// event closes it.
		if e.SubAgent() || a.toolUseSeen {
			return nil
		}
		return a.CloseTurn()
	case *claude.InitEvent:
		if e.Model != "" {
			a.model = e.Model
		}
		return nil
	case *claude.CompactEvent:
		return []*Artifact{a.appendDivider("compacted")}
	case *claude.AssistantEvent:
		if e.Message != nil && e.Message.Model != "" {
			a.model = e.Message.Model
		}
		if e.Message != nil {
			a.applyUsage(e.Message.Usage)
		}
		return nil
	case *claude.ResultEvent:
		return a.applyResult(e)
	default:
		a.logger.Debug("turn assembler ignoring event", "type", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (a *Assembler) applyMessageStart(e *claude.MessageStartEvent) []*Artifact {
	var changed []*Artifact

	if !e.SubAgent() {
		if !a.turnOpen {
			a.turnOpen = true
			a.toolUseSeen = false
			a.textSeen = false
		}
		if e.Model != "" {
			a.model = e.Model
		}
		a.applyUsage(e.Usage)

		// All queued badges clear together when the next turn starts.
		for _, artifact := range a.artifacts {
			if artifact.Kind == ArtifactUser && artifact.Queued {
				artifact.Queued = false
				changed = append(changed, artifact)
			}
		}
	}
	return changed
}

func (a *Assembler) applyTextDelta(e *claude.TextDeltaEvent) []*Artifact {
	if e.SubAgent() {
		return a.applySubAgentActivity(e.ParentID(), e.Text)
	}
	artifact := a.ensureOpenText()
	artifact.Text += e.Text
	return []*Artifact{artifact}
}

func (a *Assembler) applyToolStart(e *claude.ToolStartEvent) []*Artifact {
	a.toolUseSeen = true

	if e.SubAgent() {
		parent := a.subAgents[e.ParentID()]
		if parent == nil {
			a.logger.Debug("sub-agent tool start without parent card", "parent", e.ParentID(), "tool", e.Name)
			return nil
		}
		if e.Name == claude.ToolTodoWrite {
			return nil
		}
		parent.SubAgent.Children = append(parent.SubAgent.Children, &ToolCard{
			ToolUseID: e.ToolUseID,
			Name:      e.Name,
		})
		return []*Artifact{parent}
	}

	switch e.Name {
	case claude.ToolTask:
		artifact := a.append(&Artifact{
			Kind:   ArtifactSubAgent,
			Status: StatusOpen,
			SubAgent: &SubAgentCard{
				ToolUseID: e.ToolUseID,
			},
		})
		a.subAgents[e.ToolUseID] = artifact
		return []*Artifact{artifact}

	case claude.ToolTodoWrite:
		// Never a card; the widget updates when the input is complete.
		return nil

	default:
		artifact := a.append(&Artifact{
			Kind:   ArtifactTool,
			Status: StatusOpen,
			Tool: &ToolCard{
				ToolUseID: e.ToolUseID,
				Name:      e.Name,
			},
		})
		a.tools[e.ToolUseID] = artifact
		return []*Artifact{artifact}
	}
}

func (a *Assembler) applyToolStop(e *claude.ToolStopEvent) []*Artifact {
	if e.SubAgent() {
		parent := a.subAgents[e.ParentID()]
		if parent == nil {
			return nil
		}
		for _, child := range parent.SubAgent.Children {
			if child.ToolUseID == e.ToolUseID {
				child.Input = e.Input
				child.RawInput = e.RawInput
				child.Detail = claude.DisplayInput(e.Name, e.Input)
				return []*Artifact{parent}
			}
		}
		return nil
	}

	switch e.Name {
	case claude.ToolTask:
		artifact := a.subAgents[e.ToolUseID]
		if artifact == nil {
			return nil
		}
		if desc, ok := e.Input["description"].(string); ok {
			artifact.SubAgent.Description = desc
		}
		return []*Artifact{artifact}

	case claude.ToolTodoWrite:
		return a.applyTodos(e.Input)

	default:
		artifact := a.tools[e.ToolUseID]
		if artifact == nil {
			return nil
		}
		artifact.Tool.Input = e.Input
		artifact.Tool.RawInput = e.RawInput
		if e.RawInput != "" {
			// Input never parsed; the raw fragment is all the detail we have.
			artifact.Tool.Detail = truncateRaw(e.RawInput)
		} else {
			artifact.Tool.Detail = claude.DisplayInput(e.Name, e.Input)
		}
		return []*Artifact{artifact}
	}
}

func (a *Assembler) applyToolResult(e *claude.ToolResultEvent) []*Artifact {
	if e.SubAgent() {
		parent := a.subAgents[e.ParentID()]
		if parent == nil {
			return nil
		}
		for _, child := range parent.SubAgent.Children {
			if child.ToolUseID == e.ToolUseID {
				child.Output = e.Content
				child.IsError = e.IsError
				child.Complete = true
				return []*Artifact{parent}
			}
		}
		return nil
	}

	if artifact, ok := a.subAgents[e.ToolUseID]; ok {
		return []*Artifact{a.completeSubAgent(artifact)}
	}

	artifact := a.tools[e.ToolUseID]
	if artifact == nil {
		// TodoWrite has no card, so its result has nothing to update.
		return nil
	}
	artifact.Tool.Output = e.Content
	artifact.Tool.IsError = e.IsError
	artifact.Tool.Complete = true
	artifact.Status = StatusComplete
	return []*Artifact{artifact}
}

func (a *Assembler) applyTodos(input map[string]any) []*Artifact {
	todos := claude.ParseTodos(input)
	if todos == nil {
		return nil
	}
	if a.todo == nil {
		a.todo = a.append(&Artifact{Kind: ArtifactTodo, Status: StatusOpen})
	}
	a.todo.Todos = todos
	a.todo.Status = StatusOpen
	if allCompleted(todos) {
		a.todo.Status = StatusComplete
	}
	return []*Artifact{a.todo}
}

func (a *Assembler) applyResult(e *claude.ResultEvent) []*Artifact {
	if e.SubAgent() {
		if artifact, ok := a.subAgents[e.ParentID()]; ok {
			return []*Artifact{a.completeSubAgent(artifact)}
		}
		return nil
	}

	var changed []*Artifact

	// Slash commands answer through the result string alone, with no
	// content blocks streamed ahead of it; surface the string as text.
	// Normal turns carry their final text here too, already rendered from
	// deltas, so it must not be shown twice.
	if !a.textSeen && !a.toolUseSeen && !e.IsError && e.Result != "" {
		changed = append(changed, a.append(&Artifact{
			Kind:   ArtifactText,
			Status: StatusComplete,
			Text:   e.Result,
		}))
	}
	a.textSeen = false
	a.toolUseSeen = false

	changed = append(changed, a.CloseTurn()...)

	a.applyUsage(e.Usage)
	if e.TotalCostUSD > 0 {
		a.cost = e.TotalCostUSD
	}
	return changed
}

// CloseTurn finalizes every open block and card and marks the turn finished.
// Safe to call on an already closed turn.
func (a *Assembler) CloseTurn() []*Artifact {
	if !a.turnOpen {
		return nil
	}

	var changed []*Artifact
	changed = append(changed, a.finalizeText()...)
	changed = append(changed, a.finalizeThinking()...)

	// Force-close whatever the stream left dangling.
	for _, artifact := range a.tools {
		if !artifact.Tool.Complete {
			artifact.Tool.Complete = true
			artifact.Status = StatusComplete
			changed = append(changed, artifact)
		}
	}
	for _, artifact := range a.subAgents {
		if !artifact.SubAgent.Complete {
			changed = append(changed, a.completeSubAgent(artifact))
		}
	}

	a.turnOpen = false
	clear(a.tools)
	clear(a.subAgents)
	clear(a.subAgentText)
	return changed
}

// AddUserMessage appends a user artifact. queued marks it as awaiting the
// next turn. A finished todo widget collapses away at this point.
func (a *Assembler) AddUserMessage(text string, queued bool) []*Artifact {
	var changed []*Artifact
	if a.todo != nil && a.todo.Status == StatusComplete {
		a.todo.Status = StatusCollapsed
		changed = append(changed, a.todo)
		a.todo = nil
	}
	artifact := a.append(&Artifact{
		Kind:   ArtifactUser,
		Status: StatusComplete,
		Text:   text,
		Queued: queued,
	})
	return append(changed, artifact)
}

// AddPermission renders a permission card for req, variant chosen by tool.
func (a *Assembler) AddPermission(req permission.Request) *Artifact {
	card := &PermissionCard{
		RequestID:   req.ID,
		ToolName:    req.ToolName,
		Variant:     variantFor(req.ToolName),
		Input:       req.Input,
		Suggestions: req.Suggestions,
	}

	switch card.Variant {
	case PermissionVariantQuestion:
		card.Questions = claude.ParseQuestions(req.Input)
	case PermissionVariantPlan:
		card.Plan = claude.ParsePlan(req.Input)
	default:
		card.Detail = claude.DisplayInput(req.ToolName, req.Input)
	}

	// A plan card absorbs the streamed plan text from the assistant block
	// above it, so the plan is not shown twice.
	if card.Variant == PermissionVariantPlan && card.Plan == "" && a.openText != nil {
		card.Plan = a.openText.Text
		a.openText.Text = ""
	}

	artifact := a.append(&Artifact{
		Kind:       ArtifactPermission,
		Status:     StatusOpen,
		Permission: card,
	})
	a.permissions[req.ID] = artifact
	return artifact
}

// ResolvePermission marks the request's card resolved with the behavior.
func (a *Assembler) ResolvePermission(requestID, behavior string) *Artifact {
	artifact := a.permissions[requestID]
	if artifact == nil {
		return nil
	}
	artifact.Permission.Resolved = true
	artifact.Permission.Behavior = behavior
	artifact.Status = StatusComplete
	delete(a.permissions, requestID)
	return artifact
}

// DisablePendingPermissions force-resolves every open permission card,
// rendering it inert. Used when the stream errors out.
func (a *Assembler) DisablePendingPermissions() []*Artifact {
	var changed []*Artifact
	for id, artifact := range a.permissions {
		artifact.Permission.Resolved = true
		artifact.Permission.Disabled = true
		artifact.Status = StatusComplete
		changed = append(changed, artifact)
		delete(a.permissions, id)
	}
	return changed
}

// AddError appends an error artifact.
func (a *Assembler) AddError(text string) *Artifact {
	return a.append(&Artifact{
		Kind:   ArtifactError,
		Status: StatusComplete,
		Text:   text,
	})
}

// AddDivider appends a divider artifact with the given label, such as
// "resumed" or "forked".
func (a *Assembler) AddDivider(label string) *Artifact {
	return a.appendDivider(label)
}

// AddHistory appends a pre-built artifact, used when replaying transcripts.
func (a *Assembler) AddHistory(artifact Artifact) *Artifact {
	return a.append(&artifact)
}

func (a *Assembler) append(artifact *Artifact) *Artifact {
	a.seq++
	artifact.ID = fmt.Sprintf("a%d", a.seq)
	a.artifacts = append(a.artifacts, artifact)
	return artifact
}

func (a *Assembler) appendDivider(label string) *Artifact {
	return a.append(&Artifact{
		Kind:   ArtifactDivider,
		Status: StatusComplete,
		Text:   label,
	})
}

func (a *Assembler) ensureOpenText() *Artifact {
	if a.openText == nil {
		a.textSeen = true
		a.openText = a.append(&Artifact{
			Kind:      ArtifactText,
			Status:    StatusOpen,
			Streaming: true,
		})
	}
	return a.openText
}

func (a *Assembler) ensureOpenThinking() *Artifact {
	if a.openThinking == nil {
		a.openThinking = a.append(&Artifact{
			Kind:      ArtifactThinking,
			Status:    StatusOpen,
			Streaming: true,
		})
	}
	return a.openThinking
}

func (a *Assembler) finalizeText() []*Artifact {
	if a.openText == nil {
		return nil
	}
	artifact := a.openText
	artifact.Streaming = false
	artifact.Status = StatusComplete
	a.openText = nil
	return []*Artifact{artifact}
}

func (a *Assembler) finalizeThinking() []*Artifact {
	if a.openThinking == nil {
		return nil
	}
	artifact := a.openThinking
	artifact.Streaming = false
	artifact.Status = StatusComplete
	a.openThinking = nil
	return []*Artifact{artifact}
}

func (a *Assembler) completeSubAgent(artifact *Artifact) *Artifact {
	artifact.SubAgent.Complete = true
	artifact.Status = StatusComplete
	for _, child := range artifact.SubAgent.Children {
		child.Complete = true
	}
	return artifact
}

func (a *Assembler) applySubAgentActivity(parentID, text string) []*Artifact {
	parent := a.subAgents[parentID]
	if parent == nil {
		return nil
	}
	full := a.subAgentText[parentID] + text
	a.subAgentText[parentID] = full
	parent.SubAgent.Activity = tail(full, activityMaxLen)
	return []*Artifact{parent}
}

func (a *Assembler) applyUsage(usage *claude.Usage) {
	if usage == nil {
		return
	}
	if total := usage.Total(); total > 0 {
		a.tokens = total
	}
}

func allCompleted(todos []claude.TodoItem) bool {
	for _, item := range todos {
		if item.Status != claude.TodoCompleted {
			return false
		}
	}
	return len(todos) > 0
}

// tail returns the last max runes of s.
func tail(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[len(runes)-max:])
}

// truncateRaw shortens an unparsed input fragment for card detail display.
func truncateRaw(raw string) string {
	const max = 60
	runes := []rune(raw)
	if len(runes) <= max {
		return raw
	}
	return string(runes[:max]) + "…"
}
