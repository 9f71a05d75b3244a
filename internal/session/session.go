// Package session owns live agent conversations: one Controller per chat
// session drives the CLI process, folds its stream into turn artifacts, and
// fans updates out to subscribers. A Manager keys controllers by session id.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/permission"
	"github.com/parley-sh/parley/internal/telemetry"
	"github.com/parley-sh/parley/internal/turn"
)

// Mode is the permission mode governing tool execution for a session.
type Mode string

const (
	// ModeDefault raises a permission request for every tool invocation.
	ModeDefault Mode = "default"
	// ModeAcceptEdits auto-approves every permission request registered
	// during the session. Question and plan prompts still surface.
	ModeAcceptEdits Mode = "acceptEdits"
	// ModePlan has the agent produce a plan without executing tools.
	ModePlan Mode = "plan"
	// ModeBypass skips permission requests entirely on the agent side.
	ModeBypass Mode = "bypassPermissions"
)

// ParseMode normalizes user-facing mode spellings.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "default":
		return ModeDefault, nil
	case "always-allow", "accept-edits", string(ModeAcceptEdits):
		return ModeAcceptEdits, nil
	case "plan-only", string(ModePlan):
		return ModePlan, nil
	case "bypass", string(ModeBypass):
		return ModeBypass, nil
	}
	return "", &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown permission mode %q", s)}
}

// cliPermissionMode maps a session mode to the agent CLI's flag value.
// acceptEdits stays on the CLI default so every request still surfaces here,
// where the controller approves it.
func cliPermissionMode(m Mode) string {
	switch m {
	case ModePlan:
		return claude.ModePlan
	case ModeBypass:
		return claude.ModeBypass
	default:
		return ""
	}
}

// Status is the externally observable session state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusThinking   Status = "thinking"
	StatusResponding Status = "responding"
	StatusWorking    Status = "working"
	StatusWaiting    Status = "waiting"
	StatusError      Status = "error"
)

// Event type constants for session lifecycle notifications.
const (
	EventSessionStarted      = "session.started"
	EventSessionClosed       = "session.closed"
	EventTurnCompleted       = "session.turn_completed"
	EventTurnFailed          = "session.turn_failed"
	EventPermissionRequested = "session.permission_requested"
)

// EventPublisher allows the controller to emit lifecycle events without
// depending on a concrete event bus implementation.
type EventPublisher interface {
	Publish(eventType string, payload map[string]string)
}

// ActivityRecorder attributes wall-clock activity to a project directory.
type ActivityRecorder interface {
	// RecordInput marks direct user activity.
	RecordInput(projectDir string)
	// RecordOutput marks observed agent output. Implementations throttle.
	RecordOutput(projectDir string)
}

// HistoryLoader replays a stored transcript as renderable artifacts,
// terminated by a divider. anchor, when set, truncates the replay at that
// entry and marks the divider as forked.
type HistoryLoader interface {
	Replay(projectDir, sessionID, anchor string) ([]turn.Artifact, error)
}

// AgentRunner is the slice of the CLI runner the controller drives.
type AgentRunner interface {
	Start() error
	Send(text string, images []claude.ImageSource) error
	Interrupt() error
	Close()
}

// RunnerFactory builds the runner for one session. Tests substitute a
// scripted implementation.
type RunnerFactory func(cfg claude.RunnerConfig, cb claude.RunnerCallbacks, logger *slog.Logger) AgentRunner

func defaultRunnerFactory(cfg claude.RunnerConfig, cb claude.RunnerCallbacks, logger *slog.Logger) AgentRunner {
	return claude.NewRunner(cfg, cb, logger)
}

// Config carries process-wide dependencies shared by every session.
type Config struct {
	// Binary is the agent CLI executable.
	Binary string
	// RuntimeDir receives per-session scratch files such as MCP configs.
	RuntimeDir string
	// PermissionBaseURL is the prompt endpoint prefix; the session id is
	// appended per session.
	PermissionBaseURL string
	// APIKey is handed to the CLI process environment.
	APIKey string
	// MCPServers are extra MCP servers forwarded to the CLI.
	MCPServers map[string]any
	// DefaultProjectDir is used when a session supplies no working directory.
	DefaultProjectDir string

	Logger *slog.Logger
	// SessionLogger is optional. When set, each session logs to its own
	// destination.
	SessionLogger func(sessionID string) *slog.Logger
	Broker        *permission.Broker
	Metrics       *telemetry.Metrics
	// EventPublisher is optional. When set, session lifecycle events are
	// published.
	EventPublisher EventPublisher
	// Activity is optional. When set, user input and agent output mark
	// project activity.
	Activity ActivityRecorder
	// History is optional. When set, resume and fork replay prior
	// transcripts.
	History HistoryLoader
	// Runners is optional and defaults to the real CLI runner.
	Runners RunnerFactory
}

// Options configure one session.
type Options struct {
	// SessionID is minted when empty. The CLI requires a UUID.
	SessionID  string
	ProjectDir string
	Model      string
	Mode       Mode
	// ResumeID continues a stored conversation.
	ResumeID string
	// ForkAnchor, with ResumeID, truncates the replayed history at the
	// given transcript entry and continues under a fresh session id.
	ForkAnchor string
	Fork       bool
	// Prompt is the initial user message, sent as soon as the CLI is up.
	Prompt       string
	Images       []claude.ImageSource
	Mentions     []Mention
	SystemPrompt string
	AllowedTools []string
}

// Mention is upstream-resolved context attached to a prompt.
type Mention struct {
	Label   string `json:"label"`
	Content string `json:"content"`
}

// composePrompt prepends resolved mention contents to the prompt text.
func composePrompt(text string, mentions []Mention) string {
	if len(mentions) == 0 {
		return text
	}
	var b strings.Builder
	for _, m := range mentions {
		b.WriteString(m.Label)
		b.WriteString(":\n")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(text)
	return b.String()
}

// Resolution is the user's answer to a permission request.
type Resolution struct {
	// Behavior is one of allow, deny, always-allow.
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// Behavior values accepted by ResolvePermission, beyond the broker's own.
const BehaviorAlwaysAllow = "always-allow"

// EventType tags one subscriber update.
type EventType string

const (
	// EventArtifact carries a created or changed artifact.
	EventArtifact EventType = "artifact"
	// EventStatus carries a status change plus the session counters.
	EventStatus EventType = "status"
	// EventDone is terminal; the subscription channel closes after it.
	EventDone EventType = "done"
)

// Event is one update pushed to session subscribers.
type Event struct {
	Type     EventType      `json:"type"`
	Artifact *turn.Artifact `json:"artifact,omitempty"`
	Status   Status         `json:"status,omitempty"`
	Stats    *Stats         `json:"stats,omitempty"`
}

// Stats are the cumulative session counters.
type Stats struct {
	Model  string  `json:"model,omitempty"`
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Info describes a session for listings.
type Info struct {
	ID             string    `json:"id"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	ProjectDir     string    `json:"project_dir"`
	Model          string    `json:"model,omitempty"`
	Mode           Mode      `json:"mode"`
	Status         Status    `json:"status"`
	Tokens         int       `json:"tokens"`
	Cost           float64   `json:"cost"`
	QueueDepth     int       `json:"queue_depth"`
	CreatedAt      time.Time `json:"created_at"`
}

// Subscription is a live feed of session events, opened with a consistent
// snapshot of everything rendered so far.
type Subscription struct {
	Snapshot []turn.Artifact
	Status   Status
	Stats    Stats
	Events   <-chan Event

	cancel func()
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
