// Package permission bridges the claude CLI's out-of-band permission prompts
// to asynchronous user decisions.
//
// The CLI invokes an MCP tool served by this package's Endpoint and blocks
// until the call returns. The Broker parks each call as a pending Request;
// when the user decides, the parked call is released with the decision
// payload. The agent's turn is paused for exactly that window, with no
// timeout on the user.
package permission

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Behavior values for a Decision.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Update types and destinations used in permission suggestions.
const (
	UpdateSetMode      = "setMode"
	UpdateAddRules     = "addRules"
	DestinationSession = "session"
)

// Request is one pending permission prompt.
type Request struct {
	ID          string         `json:"request_id"`
	SessionID   string         `json:"session_id"`
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	Reason      string         `json:"decision_reason,omitempty"`
	Suggestions []Update       `json:"suggestions,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Update is one structured permission change the CLI proposed or the user
// accepted, for example switching the session to acceptEdits.
type Update struct {
	Type        string   `json:"type"`
	Mode        string   `json:"mode,omitempty"`
	Behavior    string   `json:"behavior,omitempty"`
	Rules       []Rule   `json:"rules,omitempty"`
	Directories []string `json:"directories,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

// Rule scopes an Update to particular tool invocations.
type Rule struct {
	ToolName    string `json:"toolName"`
	RuleContent string `json:"ruleContent,omitempty"`
}

// Decision resolves a Request. Its JSON form is returned verbatim to the CLI
// as the permission tool's result payload.
type Decision struct {
	Behavior           string         `json:"behavior"`
	UpdatedInput       map[string]any `json:"updatedInput,omitempty"`
	Message            string         `json:"message,omitempty"`
	UpdatedPermissions []Update       `json:"updatedPermissions,omitempty"`
}

// Allow approves the invocation with the given (possibly edited) input.
func Allow(input map[string]any) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny refuses the invocation with a message shown to the agent.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// AlwaysAllow builds the allow decision for an "always allow" choice: the
// request's suggestions are passed through verbatim when present, otherwise a
// session-wide acceptEdits mode change is synthesized.
func AlwaysAllow(req Request) Decision {
	updates := req.Suggestions
	if len(updates) == 0 {
		updates = []Update{{Type: UpdateSetMode, Mode: "acceptEdits", Destination: DestinationSession}}
	}
	return Decision{
		Behavior:           BehaviorAllow,
		UpdatedInput:       req.Input,
		UpdatedPermissions: updates,
	}
}

// SessionModeChange returns the session-scoped permission mode carried by the
// decision's updates, or empty when there is none.
func SessionModeChange(d Decision) string {
	for _, u := range d.UpdatedPermissions {
		if u.Type == UpdateSetMode && u.Destination == DestinationSession && u.Mode != "" {
			return u.Mode
		}
	}
	return ""
}

type pendingRequest struct {
	req      Request
	reply    chan Decision
	resolved bool
}

// Broker holds pending permission requests keyed by request id. Every
// registered request is resolved exactly once; late or duplicate resolutions
// are no-ops.
type Broker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewBroker returns an empty Broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
}

// Register parks req and returns the channel its decision will arrive on.
// Exactly one Decision is ever delivered on the channel.
func (b *Broker) Register(req Request) (<-chan Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[req.ID]; exists {
		return nil, errors.New("permission request id already registered")
	}
	p := &pendingRequest{req: req, reply: make(chan Decision, 1)}
	b.pending[req.ID] = p
	return p.reply, nil
}

// Get returns the pending request with the given id.
func (b *Broker) Get(requestID string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}

// Pending returns the pending requests for a session, oldest first.
func (b *Broker) Pending(sessionID string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Request
	for _, p := range b.pending {
		if p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve delivers d to the parked tool call. The first resolution wins;
// resolving an unknown or already-resolved id reports false.
func (b *Broker) Resolve(requestID string, d Decision) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveLocked(requestID, d)
}

func (b *Broker) resolveLocked(requestID string, d Decision) bool {
	p, ok := b.pending[requestID]
	if !ok || p.resolved {
		return false
	}
	p.resolved = true
	p.reply <- d
	delete(b.pending, requestID)

	b.logger.Info("permission resolved",
		"request_id", requestID,
		"session_id", p.req.SessionID,
		"tool", p.req.ToolName,
		"behavior", d.Behavior)
	return true
}

// CancelAll force-denies every pending request for the session and reports
// how many were denied. Used on session close and fatal stream errors.
func (b *Broker) CancelAll(sessionID, message string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for id, p := range b.pending {
		if p.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		b.resolveLocked(id, Deny(message))
	}
	return len(ids)
}
