// Package claude drives claude CLI processes in stream-json mode and decodes
// their output into semantic block events.
//
// One Runner owns one CLI process for the life of a chat session. Lines the
// process writes to stdout are parsed into StreamMessage values; the Decoder
// turns those into the typed events the turn assembler consumes.
package claude

import (
	"encoding/json"
	"fmt"
)

// Stream message types emitted by the CLI.
const (
	TypeStreamEvent = "stream_event"
	TypeSystem      = "system"
	TypeAssistant   = "assistant"
	TypeUser        = "user"
	TypeResult      = "result"
)

// Stream event types nested inside a stream_event message.
const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
)

// Delta types inside content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// Content block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// System message subtypes.
const (
	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
)

// Result subtypes.
const (
	ResultSuccess              = "success"
	ResultErrorMaxTurns        = "error_max_turns"
	ResultErrorMaxBudget       = "error_max_budget"
	ResultErrorDuringExecution = "error_during_execution"
)

// StreamMessage is one line of the CLI's stream-json stdout.
type StreamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// ParentToolUseID is set on messages originating from a sub-agent
	// spawned by the Task tool.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// Message is present on assistant and user lines.
	Message *MessageBody `json:"message,omitempty"`

	// Event is present on stream_event lines.
	Event *StreamEvent `json:"event,omitempty"`

	// ToolUseResult accompanies user lines that carry a tool result. The CLI
	// emits it as either a plain string or a structured object.
	ToolUseResult *ToolUseResult `json:"toolUseResult,omitempty"`

	// Fields below are present on result lines.
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`

	// Fields below are present on system lines.
	Model           string           `json:"model,omitempty"`
	SlashCommands   []string         `json:"slash_commands,omitempty"`
	CWD             string           `json:"cwd,omitempty"`
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`
}

// MessageBody is the message envelope nested inside assistant and user lines.
type MessageBody struct {
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Model   string        `json:"model,omitempty"`
	Content []ContentItem `json:"content,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// TextContent joins all text items of the message content.
func (m *MessageBody) TextContent() string {
	var out string
	for _, c := range m.Content {
		if c.Type == BlockText {
			out += c.Text
		}
	}
	return out
}

// ContentItem is one element of a message's content array.
type ContentItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload, which the CLI emits as
// either a plain string or an array of typed blocks.
func (c *ContentItem) ResultText() string {
	if len(c.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Content, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == BlockText {
				out += b.Text
			}
		}
		return out
	}
	return string(c.Content)
}

// StreamEvent is the raw streaming event nested inside a stream_event line.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Message      *MessageBody  `json:"message,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *EventDelta   `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
}

// ContentBlock describes a block opened by content_block_start.
type ContentBlock struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// EventDelta is the delta payload of content_block_delta and message_delta.
type EventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Usage carries cumulative token counts.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u *Usage) Total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// CompactMetadata accompanies system compact_boundary messages.
type CompactMetadata struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int    `json:"pre_tokens,omitempty"`
}

// ToolUseResult captures the CLI's toolUseResult field, which is a plain
// string for simple tools and a structured object for others.
type ToolUseResult struct {
	Raw json.RawMessage
}

// UnmarshalJSON keeps the raw payload regardless of shape.
func (t *ToolUseResult) UnmarshalJSON(data []byte) error {
	t.Raw = append(t.Raw[:0], data...)
	return nil
}

// Text renders the result for display: the string itself when the payload is
// a string, otherwise the raw JSON.
func (t *ToolUseResult) Text() string {
	var s string
	if err := json.Unmarshal(t.Raw, &s); err == nil {
		return s
	}
	return string(t.Raw)
}

// ParseStreamMessage parses one stdout line from the CLI.
func ParseStreamMessage(line []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parsing stream message: %w", err)
	}
	return &msg, nil
}

// InputBlock is one content element of an outbound user message.
type InputBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries a base64 image attachment.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// InputMessage is the stdin frame wrapping one user prompt.
type InputMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string       `json:"role"`
		Content []InputBlock `json:"content"`
	} `json:"message"`
}

// NewInputMessage builds a user input frame from prompt text and optional
// image attachments. Images precede the text so the model sees them first.
func NewInputMessage(text string, images []ImageSource) InputMessage {
	var msg InputMessage
	msg.Type = TypeUser
	msg.Message.Role = "user"
	for i := range images {
		img := images[i]
		if img.Type == "" {
			img.Type = "base64"
		}
		msg.Message.Content = append(msg.Message.Content, InputBlock{Type: "image", Source: &img})
	}
	msg.Message.Content = append(msg.Message.Content, InputBlock{Type: "text", Text: text})
	return msg
}
