// Package transcript reads the stored JSONL conversations the claude CLI
// writes under ~/.claude/projects/. The Reader replays one transcript as
// static turn artifacts for resume and fork; the Index maintains a browsable
// catalog of every stored session, backed by an incremental SQLite cache.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/turn"
)

// scanBufferSize bounds one transcript line. Tool results with large file
// contents routinely exceed bufio's default.
const scanBufferSize = 4 * 1024 * 1024

// entry is one line of a stored transcript. The CLI writes camelCase
// envelope fields around an API-shaped message body.
type entry struct {
	Type        string    `json:"type"`
	UUID        string    `json:"uuid"`
	ParentUUID  string    `json:"parentUuid"`
	IsSidechain bool      `json:"isSidechain"`
	IsMeta      bool      `json:"isMeta"`
	Timestamp   time.Time `json:"timestamp"`
	CWD         string    `json:"cwd"`
	GitBranch   string    `json:"gitBranch"`
	Message     *message  `json:"message,omitempty"`
}

type message struct {
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content"`
	Usage   *claude.Usage   `json:"usage,omitempty"`
}

// blocks parses the content field, which is either a plain string or an
// array of content blocks.
func (m *message) blocks() []claude.ContentItem {
	if len(m.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []claude.ContentItem{{Type: claude.BlockText, Text: s}}
	}
	var items []claude.ContentItem
	if err := json.Unmarshal(m.Content, &items); err != nil {
		return nil
	}
	return items
}

// ClaudeHome returns the claude CLI's data directory.
func ClaudeHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/root", ".claude")
	}
	return filepath.Join(home, ".claude")
}

// DefaultProjectsRoot returns the directory the CLI stores transcripts under.
func DefaultProjectsRoot() string {
	return filepath.Join(ClaudeHome(), "projects")
}

// EncodeProjectPath converts a project working directory to the directory
// name the CLI stores its transcripts under: every '/' and '.' becomes '-'.
func EncodeProjectPath(projectDir string) string {
	return strings.NewReplacer("/", "-", ".", "-").Replace(projectDir)
}

// Reader replays stored transcripts as renderable history.
type Reader struct {
	root   string
	logger *slog.Logger
}

// NewReader returns a Reader over the given projects root.
func NewReader(root string, logger *slog.Logger) *Reader {
	if root == "" {
		root = DefaultProjectsRoot()
	}
	return &Reader{root: root, logger: logger}
}

// Replay reads the transcript for (projectDir, sessionID) and renders it as
// completed artifacts, terminated by a divider. With anchor set, emission
// stops after the entry with that uuid and the divider reads "forked";
// otherwise the full history is replayed under a "resumed" divider.
//
// Permission prompts never appear in replayed history, and TodoWrite
// invocations are skipped; both are live-turn concerns.
func (r *Reader) Replay(projectDir, sessionID, anchor string) ([]turn.Artifact, error) {
	path := filepath.Join(r.root, EncodeProjectPath(projectDir), sessionID+".jsonl")
	entries, err := r.readEntries(path)
	if err != nil {
		return nil, err
	}

	// First pass joins each tool invocation to its result so cards render
	// with output in one piece.
	results := make(map[string]claude.ContentItem)
	for _, e := range entries {
		if e.Type != "user" || e.Message == nil {
			continue
		}
		for _, item := range e.Message.blocks() {
			if item.Type == claude.BlockToolResult && item.ToolUseID != "" {
				results[item.ToolUseID] = item
			}
		}
	}

	b := builder{results: results}
	anchorSeen := false
	for _, e := range entries {
		b.add(e)
		if anchor != "" && e.UUID == anchor {
			anchorSeen = true
			break
		}
	}

	label := "resumed"
	if anchor != "" {
		label = "forked"
		if !anchorSeen {
			r.logger.Warn("fork anchor not found in transcript, replayed full history",
				"session_id", sessionID, "anchor", anchor)
		}
	}
	b.artifacts = append(b.artifacts, turn.Artifact{
		Kind:   turn.ArtifactDivider,
		Status: turn.StatusComplete,
		Text:   label,
	})
	return b.artifacts, nil
}

func (r *Reader) readEntries(path string) ([]entry, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from the CLI's own layout
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, scanBufferSize), scanBufferSize)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Type {
		case "user", "assistant":
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return entries, nil
}

// builder accumulates replayed artifacts. Sidechain tool invocations nest
// under the most recent open Task card, matching how the live turn routes
// sub-agent events.
type builder struct {
	results   map[string]claude.ContentItem
	artifacts []turn.Artifact
	openTask  *turn.SubAgentCard
}

func (b *builder) add(e entry) {
	if e.Message == nil {
		return
	}
	if e.IsSidechain {
		b.addSidechain(e)
		return
	}

	switch e.Type {
	case "user":
		if e.IsMeta {
			return
		}
		text := joinText(e.Message.blocks())
		if text == "" {
			return
		}
		b.artifacts = append(b.artifacts, turn.Artifact{
			Kind:   turn.ArtifactUser,
			Status: turn.StatusComplete,
			Text:   text,
		})

	case "assistant":
		for _, item := range e.Message.blocks() {
			b.addAssistantBlock(item)
		}
	}
}

func (b *builder) addAssistantBlock(item claude.ContentItem) {
	switch item.Type {
	case claude.BlockText:
		if item.Text != "" {
			b.artifacts = append(b.artifacts, turn.Artifact{
				Kind:   turn.ArtifactText,
				Status: turn.StatusComplete,
				Text:   item.Text,
			})
		}

	case claude.BlockThinking:
		if item.Thinking != "" {
			b.artifacts = append(b.artifacts, turn.Artifact{
				Kind:   turn.ArtifactThinking,
				Status: turn.StatusComplete,
				Text:   item.Thinking,
			})
		}

	case claude.BlockToolUse:
		if item.Name == claude.ToolTodoWrite {
			return
		}
		input := parseInput(item.Input)
		if item.Name == claude.ToolTask {
			card := &turn.SubAgentCard{ToolUseID: item.ID, Complete: true}
			if desc, ok := input["description"].(string); ok {
				card.Description = desc
			}
			b.openTask = card
			b.artifacts = append(b.artifacts, turn.Artifact{
				Kind:     turn.ArtifactSubAgent,
				Status:   turn.StatusComplete,
				SubAgent: card,
			})
			return
		}
		b.artifacts = append(b.artifacts, turn.Artifact{
			Kind:   turn.ArtifactTool,
			Status: turn.StatusComplete,
			Tool:   b.toolCard(item, input),
		})
	}
}

// addSidechain folds a sub-agent transcript entry into the owning Task card.
func (b *builder) addSidechain(e entry) {
	if b.openTask == nil || e.Type != "assistant" {
		return
	}
	for _, item := range e.Message.blocks() {
		if item.Type != claude.BlockToolUse || item.Name == claude.ToolTodoWrite {
			continue
		}
		b.openTask.Children = append(b.openTask.Children, b.toolCard(item, parseInput(item.Input)))
	}
}

func (b *builder) toolCard(item claude.ContentItem, input map[string]any) *turn.ToolCard {
	card := &turn.ToolCard{
		ToolUseID: item.ID,
		Name:      item.Name,
		Input:     input,
		Detail:    claude.DisplayInput(item.Name, input),
		Complete:  true,
	}
	if res, ok := b.results[item.ID]; ok {
		card.Output = res.ResultText()
		card.IsError = res.IsError
	}
	return card
}

func parseInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil
	}
	return input
}

func joinText(items []claude.ContentItem) string {
	var sb strings.Builder
	for _, item := range items {
		if item.Type == claude.BlockText && item.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(item.Text)
		}
	}
	return sb.String()
}
