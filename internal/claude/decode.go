package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Origin carries the sub-agent tagging shared by every block event. Parent is
// the tool-use id of the Task invocation that spawned the emitting sub-agent,
// or empty for top-level events.
type Origin struct {
	Parent string
}

// ParentID returns the owning Task tool-use id, or empty.
func (o Origin) ParentID() string { return o.Parent }

// SubAgent reports whether the event originated from a sub-agent.
func (o Origin) SubAgent() bool { return o.Parent != "" }

// BlockEvent is a semantic event decoded from the CLI stream. Concrete types
// are the *Event structs below; consumers dispatch with a type switch.
type BlockEvent interface {
	ParentID() string
}

// MessageStartEvent opens a new assistant message within the turn.
type MessageStartEvent struct {
	Origin
	MessageID string
	Model     string
	Usage     *Usage
}

// TextStartEvent opens a streaming text block.
type TextStartEvent struct {
	Origin
	Index int
}

// TextDeltaEvent appends text to an open text block.
type TextDeltaEvent struct {
	Origin
	Index int
	Text  string
}

// TextStopEvent finalizes a text block.
type TextStopEvent struct {
	Origin
	Index int
}

// ThinkingStartEvent opens a thinking block.
type ThinkingStartEvent struct {
	Origin
	Index int
}

// ThinkingDeltaEvent appends to an open thinking block.
type ThinkingDeltaEvent struct {
	Origin
	Index int
	Text  string
}

// ThinkingStopEvent finalizes a thinking block.
type ThinkingStopEvent struct {
	Origin
	Index int
}

// ToolStartEvent opens a tool-use block. Input streams in afterwards as
// partial JSON; the decoder buffers it until the block stops.
type ToolStartEvent struct {
	Origin
	Index     int
	ToolUseID string
	Name      string
}

// ToolStopEvent finalizes a tool-use block with its assembled input. When the
// buffered input did not parse, Input is nil and RawInput holds the fragment
// for display.
type ToolStopEvent struct {
	Origin
	Index     int
	ToolUseID string
	Name      string
	Input     map[string]any
	RawInput  string
}

// MessageDeltaEvent carries stop-reason and cumulative usage updates.
type MessageDeltaEvent struct {
	Origin
	StopReason string
	Usage      *Usage
}

// MessageStopEvent closes the current assistant message.
type MessageStopEvent struct {
	Origin
}

// InitEvent reports the model and slash commands at session startup.
type InitEvent struct {
	Origin
	Model         string
	SlashCommands []string
}

// CompactEvent marks a conversation compaction boundary.
type CompactEvent struct {
	Origin
	Trigger   string
	PreTokens int
}

// AssistantEvent carries a complete (non-streamed) assistant message. The CLI
// emits one after the streaming events of each message; consumers that track
// streaming state use it only to backfill fields such as the model name.
type AssistantEvent struct {
	Origin
	Message *MessageBody
}

// ToolResultEvent reports a completed tool execution.
type ToolResultEvent struct {
	Origin
	ToolUseID string
	Content   string
	IsError   bool
}

// ResultEvent terminates a turn.
type ResultEvent struct {
	Origin
	Subtype      string
	IsError      bool
	Errors       []string
	Result       string
	DurationMs   int64
	NumTurns     int
	TotalCostUSD float64
	Usage        *Usage
}

// Err flattens the result's error list into one message, falling back to the
// subtype when the CLI supplied no detail.
func (e *ResultEvent) Err() string {
	if len(e.Errors) > 0 {
		return strings.Join(e.Errors, "; ")
	}
	return e.Subtype
}

// openBlock tracks one in-flight content block between start and stop.
type openBlock struct {
	kind      string
	toolUseID string
	name      string
	input     strings.Builder
}

// Decoder converts parsed stream messages into semantic block events. One
// Decoder serves one session. It tracks open content blocks so tool input
// fragments can be assembled, and frees each buffer when its block stops.
type Decoder struct {
	logger *slog.Logger
	blocks map[int]*openBlock
}

// NewDecoder returns a Decoder logging through the given logger.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		logger: logger,
		blocks: make(map[int]*openBlock),
	}
}

// Reset drops all open block state. Called when a turn terminates so no
// partial input buffer survives into the next turn.
func (d *Decoder) Reset() {
	clear(d.blocks)
}

// OpenBuffers reports how many partial input buffers are currently held.
func (d *Decoder) OpenBuffers() int {
	n := 0
	for _, b := range d.blocks {
		if b.kind == BlockToolUse {
			n++
		}
	}
	return n
}

// Decode turns one parsed stream message into its semantic events, in wire
// order. Malformed or unknown messages yield no events.
func (d *Decoder) Decode(msg *StreamMessage) []BlockEvent {
	origin := Origin{Parent: msg.ParentToolUseID}

	switch msg.Type {
	case TypeStreamEvent:
		if msg.Event == nil {
			d.logger.Warn("stream_event line without event payload")
			return nil
		}
		return d.decodeStreamEvent(msg.Event, origin)

	case TypeSystem:
		return d.decodeSystem(msg, origin)

	case TypeAssistant:
		if msg.Message == nil {
			d.logger.Warn("assistant line without message payload")
			return nil
		}
		return []BlockEvent{&AssistantEvent{Origin: origin, Message: msg.Message}}

	case TypeUser:
		return d.decodeUser(msg, origin)

	case TypeResult:
		// A terminated turn must not leak partial input buffers.
		d.Reset()
		return []BlockEvent{&ResultEvent{
			Origin:       origin,
			Subtype:      msg.Subtype,
			IsError:      msg.IsError,
			Errors:       msg.Errors,
			Result:       msg.Result,
			DurationMs:   msg.DurationMs,
			NumTurns:     msg.NumTurns,
			TotalCostUSD: msg.TotalCostUSD,
			Usage:        msg.Usage,
		}}

	default:
		d.logger.Debug("dropping unknown stream message", "type", msg.Type)
		return nil
	}
}

func (d *Decoder) decodeStreamEvent(ev *StreamEvent, origin Origin) []BlockEvent {
	switch ev.Type {
	case EventMessageStart:
		// Indices restart with each assistant message, so stale open blocks
		// from the previous one are discarded here.
		d.Reset()
		e := &MessageStartEvent{Origin: origin}
		if ev.Message != nil {
			e.MessageID = ev.Message.ID
			e.Model = ev.Message.Model
			e.Usage = ev.Message.Usage
		}
		return []BlockEvent{e}

	case EventContentBlockStart:
		return d.decodeBlockStart(ev, origin)

	case EventContentBlockDelta:
		return d.decodeBlockDelta(ev, origin)

	case EventContentBlockStop:
		return d.decodeBlockStop(ev, origin)

	case EventMessageDelta:
		e := &MessageDeltaEvent{Origin: origin, Usage: ev.Usage}
		if ev.Delta != nil {
			e.StopReason = ev.Delta.StopReason
		}
		return []BlockEvent{e}

	case EventMessageStop:
		return []BlockEvent{&MessageStopEvent{Origin: origin}}

	default:
		d.logger.Debug("dropping unknown stream event", "event_type", ev.Type)
		return nil
	}
}

func (d *Decoder) decodeBlockStart(ev *StreamEvent, origin Origin) []BlockEvent {
	if ev.ContentBlock == nil {
		d.logger.Warn("content_block_start without content_block", "index", ev.Index)
		return nil
	}

	switch ev.ContentBlock.Type {
	case BlockText:
		d.blocks[ev.Index] = &openBlock{kind: BlockText}
		events := []BlockEvent{&TextStartEvent{Origin: origin, Index: ev.Index}}
		// Some blocks open pre-populated.
		if ev.ContentBlock.Text != "" {
			events = append(events, &TextDeltaEvent{Origin: origin, Index: ev.Index, Text: ev.ContentBlock.Text})
		}
		return events

	case BlockThinking:
		d.blocks[ev.Index] = &openBlock{kind: BlockThinking}
		return []BlockEvent{&ThinkingStartEvent{Origin: origin, Index: ev.Index}}

	case BlockToolUse:
		d.blocks[ev.Index] = &openBlock{
			kind:      BlockToolUse,
			toolUseID: ev.ContentBlock.ID,
			name:      ev.ContentBlock.Name,
		}
		return []BlockEvent{&ToolStartEvent{
			Origin:    origin,
			Index:     ev.Index,
			ToolUseID: ev.ContentBlock.ID,
			Name:      ev.ContentBlock.Name,
		}}

	default:
		d.logger.Debug("dropping unknown content block type", "block_type", ev.ContentBlock.Type, "index", ev.Index)
		return nil
	}
}

func (d *Decoder) decodeBlockDelta(ev *StreamEvent, origin Origin) []BlockEvent {
	if ev.Delta == nil {
		d.logger.Warn("content_block_delta without delta", "index", ev.Index)
		return nil
	}

	switch ev.Delta.Type {
	case DeltaText:
		return []BlockEvent{&TextDeltaEvent{Origin: origin, Index: ev.Index, Text: ev.Delta.Text}}

	case DeltaThinking:
		return []BlockEvent{&ThinkingDeltaEvent{Origin: origin, Index: ev.Index, Text: ev.Delta.Thinking}}

	case DeltaInputJSON:
		block, ok := d.blocks[ev.Index]
		if !ok || block.kind != BlockToolUse {
			d.logger.Debug("input_json_delta for unknown tool block", "index", ev.Index)
			return nil
		}
		block.input.WriteString(ev.Delta.PartialJSON)
		return nil

	default:
		d.logger.Debug("dropping unknown delta type", "delta_type", ev.Delta.Type, "index", ev.Index)
		return nil
	}
}

func (d *Decoder) decodeBlockStop(ev *StreamEvent, origin Origin) []BlockEvent {
	block, ok := d.blocks[ev.Index]
	if !ok {
		// Stops without a matching start show up around compact boundaries.
		d.logger.Debug("dropping orphan content_block_stop", "index", ev.Index)
		return nil
	}
	delete(d.blocks, ev.Index)

	switch block.kind {
	case BlockText:
		return []BlockEvent{&TextStopEvent{Origin: origin, Index: ev.Index}}

	case BlockThinking:
		return []BlockEvent{&ThinkingStopEvent{Origin: origin, Index: ev.Index}}

	case BlockToolUse:
		stop := &ToolStopEvent{
			Origin:    origin,
			Index:     ev.Index,
			ToolUseID: block.toolUseID,
			Name:      block.name,
		}
		raw := block.input.String()
		if raw == "" {
			stop.Input = map[string]any{}
			return []BlockEvent{stop}
		}
		var input map[string]any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			d.logger.Warn("tool input did not parse, dropping buffer",
				"tool", block.name, "tool_use_id", block.toolUseID, "error", err)
			stop.RawInput = raw
			return []BlockEvent{stop}
		}
		stop.Input = input
		return []BlockEvent{stop}

	default:
		return nil
	}
}

func (d *Decoder) decodeSystem(msg *StreamMessage, origin Origin) []BlockEvent {
	switch msg.Subtype {
	case SubtypeInit:
		return []BlockEvent{&InitEvent{
			Origin:        origin,
			Model:         msg.Model,
			SlashCommands: msg.SlashCommands,
		}}

	case SubtypeCompactBoundary:
		e := &CompactEvent{Origin: origin}
		if msg.CompactMetadata != nil {
			e.Trigger = msg.CompactMetadata.Trigger
			e.PreTokens = msg.CompactMetadata.PreTokens
		}
		return []BlockEvent{e}

	default:
		d.logger.Debug("dropping system message", "subtype", msg.Subtype)
		return nil
	}
}

func (d *Decoder) decodeUser(msg *StreamMessage, origin Origin) []BlockEvent {
	if msg.Message == nil {
		return nil
	}
	var events []BlockEvent
	for i := range msg.Message.Content {
		item := &msg.Message.Content[i]
		if item.Type != BlockToolResult {
			continue
		}
		content := item.ResultText()
		if content == "" && msg.ToolUseResult != nil {
			content = msg.ToolUseResult.Text()
		}
		events = append(events, &ToolResultEvent{
			Origin:    origin,
			ToolUseID: item.ToolUseID,
			Content:   content,
			IsError:   item.IsError,
		})
	}
	return events
}
