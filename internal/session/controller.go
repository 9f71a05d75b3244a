package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/permission"
	"github.com/parley-sh/parley/internal/turn"
)

// subscriberBuffer is the per-subscriber event backlog. A subscriber that
// falls this far behind is dropped and has to reconnect for a fresh snapshot.
const subscriberBuffer = 256

type outgoing struct {
	text   string
	images []claude.ImageSource
}

// Controller owns one chat session: the CLI process, the permission mode,
// the input queue, and the turn state. All mutations are serialized on its
// mutex; the CLI stream, the permission endpoint, and API handlers all enter
// through it.
type Controller struct {
	id        string
	opts      Options
	cfg       Config
	logger    *slog.Logger
	createdAt time.Time

	run AgentRunner

	mu             sync.Mutex
	status         Status
	waitingFrom    Status
	mode           Mode
	decoder        *claude.Decoder
	asm            *turn.Assembler
	queue          []outgoing
	aborting       bool
	turnFailed     bool
	closed         bool
	procGone       bool
	agentSessionID string
	slashCommands  []string
	subs           map[int]chan Event
	nextSub        int

	onSlashCommands func([]string)
	onClosed        func()
}

func newController(cfg Config, opts Options) *Controller {
	logger := cfg.Logger
	if cfg.SessionLogger != nil {
		logger = cfg.SessionLogger(opts.SessionID)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeDefault
	}
	return &Controller{
		id:        opts.SessionID,
		opts:      opts,
		cfg:       cfg,
		logger:    logger,
		createdAt: time.Now(),
		status:    StatusIdle,
		mode:      mode,
		decoder:   claude.NewDecoder(logger),
		asm:       turn.NewAssembler(logger),
		subs:      make(map[int]chan Event),
	}
}

// start replays history when resuming, launches the CLI, and issues the
// initial prompt.
func (c *Controller) start() error {
	if c.opts.ResumeID != "" {
		c.replayHistory()
	}

	factory := c.cfg.Runners
	if factory == nil {
		factory = defaultRunnerFactory
	}
	fork := c.opts.Fork || c.opts.ForkAnchor != ""
	runnerCfg := claude.RunnerConfig{
		Binary:         c.cfg.Binary,
		SessionID:      c.id,
		Dir:            c.opts.ProjectDir,
		Model:          c.opts.Model,
		ResumeID:       c.opts.ResumeID,
		Fork:           fork,
		PermissionMode: cliPermissionMode(c.mode),
		SystemPrompt:   c.opts.SystemPrompt,
		AllowedTools:   c.opts.AllowedTools,
		MCPServers:     c.cfg.MCPServers,
		PermissionURL:  c.cfg.PermissionBaseURL + "/" + c.id,
		ConfigDir:      c.cfg.RuntimeDir,
		APIKey:         c.cfg.APIKey,
	}
	c.run = factory(runnerCfg, claude.RunnerCallbacks{
		OnMessage: c.handleMessage,
		OnExit:    c.handleExit,
	}, c.logger)

	if err := c.run.Start(); err != nil {
		return &StartError{Err: err}
	}
	if c.opts.Prompt != "" {
		if err := c.Send(c.opts.Prompt, c.opts.Images, c.opts.Mentions); err != nil {
			c.run.Close()
			return &StartError{Err: err}
		}
	}

	c.cfg.Metrics.SessionOpened(context.Background())
	c.publish(EventSessionStarted, map[string]string{
		"session_id":  c.id,
		"project_dir": c.opts.ProjectDir,
	})
	c.logger.Info("session started",
		"session_id", c.id,
		"project_dir", c.opts.ProjectDir,
		"mode", string(c.mode),
		"resume_id", c.opts.ResumeID)
	return nil
}

func (c *Controller) replayHistory() {
	if c.cfg.History == nil {
		c.asm.AddDivider("resumed")
		return
	}
	arts, err := c.cfg.History.Replay(c.opts.ProjectDir, c.opts.ResumeID, c.opts.ForkAnchor)
	if err != nil {
		c.logger.Warn("transcript replay failed, starting with empty history",
			"session_id", c.id, "resume_id", c.opts.ResumeID, "error", err)
		c.asm.AddDivider("resumed")
		return
	}
	for _, a := range arts {
		c.asm.AddHistory(a)
	}
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Info reports the session's listing view.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	model := c.asm.Model()
	if model == "" {
		model = c.opts.Model
	}
	return Info{
		ID:             c.id,
		AgentSessionID: c.agentSessionID,
		ProjectDir:     c.opts.ProjectDir,
		Model:          model,
		Mode:           c.mode,
		Status:         c.status,
		Tokens:         c.asm.Tokens(),
		Cost:           c.asm.Cost(),
		QueueDepth:     len(c.queue),
		CreatedAt:      c.createdAt,
	}
}

// SlashCommands returns the command list announced by the CLI at startup.
func (c *Controller) SlashCommands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.slashCommands...)
}

// Subscribe opens a live event feed along with a consistent snapshot of the
// session so far. The feed closes after a final done event when the session
// closes, or immediately if it already has.
func (c *Controller) Subscribe() *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &Subscription{
		Snapshot: c.asm.Snapshot(),
		Status:   c.status,
		Stats:    Stats{Model: c.asm.Model(), Tokens: c.asm.Tokens(), Cost: c.asm.Cost()},
	}
	ch := make(chan Event, subscriberBuffer)
	sub.Events = ch

	if c.closed {
		ch <- Event{Type: EventDone}
		close(ch)
		return sub
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.cfg.Metrics.SubscriberChanged(context.Background(), 1)

	sub.cancel = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
			c.cfg.Metrics.SubscriberChanged(context.Background(), -1)
		}
	}
	return sub
}

// Send delivers a user message. During an in-flight turn the message is
// queued and its artifact tagged queued; otherwise it starts a turn
// immediately. Send never waits on the agent's reply.
func (c *Controller) Send(text string, images []claude.ImageSource, mentions []Mention) error {
	if c.cfg.Activity != nil {
		c.cfg.Activity.RecordInput(c.opts.ProjectDir)
	}
	prompt := composePrompt(text, mentions)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ClosedError{ID: c.id}
	}

	var out []Event
	if c.status == StatusError {
		// A fresh send clears the error state.
		c.setStatusLocked(StatusIdle, &out)
	}
	if c.procGone {
		sendErr := &SendError{Err: errors.New("agent process has exited")}
		out = append(out, c.artifactEventLocked(c.asm.AddError(sendErr.Error())))
		c.broadcastLocked(out)
		c.mu.Unlock()
		return sendErr
	}

	inFlight := c.asm.TurnOpen() || c.status != StatusIdle
	for _, a := range c.asm.AddUserMessage(text, inFlight) {
		out = append(out, c.artifactEventLocked(a))
	}

	if inFlight {
		c.queue = append(c.queue, outgoing{text: prompt, images: images})
		c.cfg.Metrics.QueueChanged(context.Background(), 1)
		c.logger.Info("user message queued", "session_id", c.id, "queue_depth", len(c.queue))
		c.broadcastLocked(out)
		c.mu.Unlock()
		return nil
	}

	if err := c.run.Send(prompt, images); err != nil {
		sendErr := &SendError{Err: err}
		out = append(out, c.artifactEventLocked(c.asm.AddError(sendErr.Error())))
		c.broadcastLocked(out)
		c.mu.Unlock()
		c.logger.Error("sending user message", "session_id", c.id, "error", err)
		return sendErr
	}
	c.broadcastLocked(out)
	c.mu.Unlock()
	return nil
}

// Interrupt asks the agent to abort the current turn. The error carried by
// the subsequent result event is suppressed. A second call while one abort
// is pending does nothing.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	if c.closed || c.aborting || !c.asm.TurnOpen() {
		c.mu.Unlock()
		return
	}
	c.aborting = true
	c.mu.Unlock()

	c.logger.Info("interrupting turn", "session_id", c.id)
	if err := c.run.Interrupt(); err != nil {
		c.logger.Error("interrupting agent", "session_id", c.id, "error", err)
	}
}

// ResolvePermission answers a pending permission request. An always-allow
// resolution carries the request's mode-change suggestions back to the agent
// and promotes this controller's own mode to match.
func (c *Controller) ResolvePermission(requestID string, res Resolution) error {
	req, ok := c.cfg.Broker.Get(requestID)
	if !ok || req.SessionID != c.id {
		return &NotFoundError{Resource: "permission request", ID: requestID}
	}

	var d permission.Decision
	switch res.Behavior {
	case permission.BehaviorAllow:
		input := res.UpdatedInput
		if input == nil {
			input = req.Input
		}
		d = permission.Allow(input)
	case BehaviorAlwaysAllow:
		d = permission.AlwaysAllow(req)
	case permission.BehaviorDeny:
		msg := res.Message
		if msg == "" {
			msg = "denied by user"
		}
		d = permission.Deny(msg)
	default:
		return &ValidationError{Field: "behavior", Message: fmt.Sprintf("unknown behavior %q", res.Behavior)}
	}

	if !c.cfg.Broker.Resolve(requestID, d) {
		return &NotFoundError{Resource: "permission request", ID: requestID}
	}
	c.cfg.Metrics.PermissionDecided(context.Background(), d.Behavior)

	c.mu.Lock()
	if m := permission.SessionModeChange(d); m != "" {
		c.mode = Mode(m)
		c.logger.Info("permission mode adopted", "session_id", c.id, "mode", m)
	}
	var out []Event
	if art := c.asm.ResolvePermission(requestID, d.Behavior); art != nil {
		out = append(out, c.artifactEventLocked(art))
	}
	if c.status == StatusWaiting && c.asm.PendingPermissions() == 0 {
		restore := c.waitingFrom
		if restore == "" || restore == StatusWaiting {
			restore = StatusThinking
		}
		c.status = restore
		out = append(out, Event{Type: EventStatus, Status: restore, Stats: c.statsLocked()})
	}
	c.broadcastLocked(out)
	c.mu.Unlock()
	return nil
}

// SetAlwaysAllow promotes the session to auto-approve mode, independent of
// any pending request.
func (c *Controller) SetAlwaysAllow() {
	c.mu.Lock()
	c.mode = ModeAcceptEdits
	c.mu.Unlock()
	c.logger.Info("permission mode promoted", "session_id", c.id, "mode", string(ModeAcceptEdits))
}

// PermissionRequested renders a permission card and parks the session in
// waiting, or auto-approves when the session runs in acceptEdits mode. It is
// the sink the permission endpoint notifies.
func (c *Controller) PermissionRequested(req permission.Request) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.cfg.Broker.Resolve(req.ID, permission.Deny("session closed"))
		return
	}

	if c.mode == ModeAcceptEdits && req.ToolName != claude.ToolQuestion && req.ToolName != claude.ToolExitPlan {
		c.mu.Unlock()
		if c.cfg.Broker.Resolve(req.ID, permission.Allow(req.Input)) {
			c.cfg.Metrics.PermissionDecided(context.Background(), permission.BehaviorAllow)
			c.logger.Info("auto-approved tool", "session_id", c.id, "tool", req.ToolName)
		}
		return
	}

	var out []Event
	out = append(out, c.artifactEventLocked(c.asm.AddPermission(req)))
	if c.status != StatusWaiting {
		c.waitingFrom = c.status
	}
	c.setStatusLocked(StatusWaiting, &out)
	c.broadcastLocked(out)
	c.mu.Unlock()

	c.publish(EventPermissionRequested, map[string]string{
		"session_id": c.id,
		"request_id": req.ID,
		"tool":       req.ToolName,
	})
}

// Close tears the session down: pending permissions are denied, queued
// prompts discarded, the CLI released, and subscribers receive a final done
// event. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	if n := c.cfg.Broker.CancelAll(c.id, "session closed"); n > 0 {
		c.logger.Info("denied pending permissions", "session_id", c.id, "count", n)
	}
	var out []Event
	for _, a := range c.asm.DisablePendingPermissions() {
		out = append(out, c.artifactEventLocked(a))
	}
	for _, a := range c.asm.CloseTurn() {
		out = append(out, c.artifactEventLocked(a))
	}
	out = append(out, Event{Type: EventDone})
	c.broadcastLocked(out)
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
		c.cfg.Metrics.SubscriberChanged(context.Background(), -1)
	}
	if n := len(c.queue); n > 0 {
		c.queue = nil
		c.cfg.Metrics.QueueChanged(context.Background(), -n)
		c.logger.Info("discarded queued messages", "session_id", c.id, "count", n)
	}
	c.mu.Unlock()

	c.run.Close()
	c.cfg.Metrics.SessionClosed(context.Background())
	c.publish(EventSessionClosed, map[string]string{"session_id": c.id})
	c.logger.Info("session closed", "session_id", c.id)
	if c.onClosed != nil {
		c.onClosed()
	}
}

// handleMessage is the CLI stream entry point.
func (c *Controller) handleMessage(msg *claude.StreamMessage) {
	c.cfg.Metrics.StreamMessage(context.Background(), msg.Type)
	if c.cfg.Activity != nil && (msg.Type == claude.TypeStreamEvent || msg.Type == claude.TypeAssistant) {
		c.cfg.Activity.RecordOutput(c.opts.ProjectDir)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if msg.SessionID != "" {
		c.agentSessionID = msg.SessionID
	}

	wasOpen := c.asm.TurnOpen()
	sawResult := false
	var out []Event
	for _, ev := range c.decoder.Decode(msg) {
		for _, art := range c.asm.Apply(ev) {
			out = append(out, c.artifactEventLocked(art))
		}
		if c.applyEventLocked(ev, &out) {
			sawResult = true
		}
	}

	if wasOpen && !c.asm.TurnOpen() {
		c.finishTurnLocked(&out)
	} else if sawResult && !c.asm.TurnOpen() {
		// The turn concluded earlier at message_stop; the result still
		// refreshes the counters.
		out = append(out, Event{Type: EventStatus, Status: c.status, Stats: c.statsLocked()})
	}
	c.broadcastLocked(out)
}

// applyEventLocked updates status and session metadata for one decoded
// event. It reports whether the event was a top-level result.
func (c *Controller) applyEventLocked(ev claude.BlockEvent, out *[]Event) bool {
	switch e := ev.(type) {
	case *claude.MessageStartEvent:
		if !e.SubAgent() {
			c.setStatusLocked(StatusThinking, out)
		}
	case *claude.TextStartEvent:
		if !e.SubAgent() {
			c.setStatusLocked(StatusResponding, out)
		}
	case *claude.ThinkingStartEvent:
		if !e.SubAgent() {
			c.setStatusLocked(StatusThinking, out)
		}
	case *claude.ToolStartEvent:
		if !e.SubAgent() {
			c.setStatusLocked(StatusWorking, out)
		}
	case *claude.TextStopEvent:
		if !e.SubAgent() && c.asm.TurnOpen() {
			c.setStatusLocked(StatusThinking, out)
		}
	case *claude.ThinkingStopEvent:
		if !e.SubAgent() && c.asm.TurnOpen() {
			c.setStatusLocked(StatusThinking, out)
		}
	case *claude.ToolStopEvent:
		if !e.SubAgent() && c.asm.TurnOpen() {
			c.setStatusLocked(StatusThinking, out)
		}
	case *claude.ToolResultEvent:
		if !e.SubAgent() && c.asm.TurnOpen() {
			c.setStatusLocked(StatusThinking, out)
		}
	case *claude.InitEvent:
		if len(e.SlashCommands) > 0 {
			c.slashCommands = append([]string(nil), e.SlashCommands...)
			if c.onSlashCommands != nil {
				c.onSlashCommands(e.SlashCommands)
			}
		}
	case *claude.ResultEvent:
		if !e.SubAgent() {
			c.handleResultLocked(e, out)
			return true
		}
	}
	return false
}

func (c *Controller) handleResultLocked(e *claude.ResultEvent, out *[]Event) {
	failed := e.IsError || (e.Subtype != "" && e.Subtype != claude.ResultSuccess)
	if failed {
		if c.aborting {
			c.logger.Info("turn aborted", "session_id", c.id, "subtype", e.Subtype)
		} else {
			*out = append(*out, c.artifactEventLocked(c.asm.AddError(resultErrorMessage(e))))
			c.turnFailed = true
			c.publish(EventTurnFailed, map[string]string{
				"session_id": c.id,
				"subtype":    e.Subtype,
			})
		}
	}
	c.aborting = false
}

// finishTurnLocked runs once per turn: status back to idle, metrics and
// lifecycle events, then the queued prompts flushed in submission order.
func (c *Controller) finishTurnLocked(out *[]Event) {
	c.setStatusLocked(StatusIdle, out)
	c.waitingFrom = ""

	outcome := "success"
	if c.turnFailed {
		outcome = "failed"
	}
	c.turnFailed = false
	c.cfg.Metrics.TurnFinished(context.Background(), outcome)
	if outcome == "success" {
		c.publish(EventTurnCompleted, map[string]string{
			"session_id": c.id,
			"tokens":     strconv.Itoa(c.asm.Tokens()),
			"cost":       strconv.FormatFloat(c.asm.Cost(), 'f', -1, 64),
		})
	}

	if len(c.queue) == 0 {
		return
	}
	pending := c.queue
	c.queue = nil
	c.cfg.Metrics.QueueChanged(context.Background(), -len(pending))
	for _, q := range pending {
		if err := c.run.Send(q.text, q.images); err != nil {
			*out = append(*out, c.artifactEventLocked(c.asm.AddError((&SendError{Err: err}).Error())))
			c.logger.Error("flushing queued message", "session_id", c.id, "error", err)
			return
		}
	}
	c.logger.Info("flushed queued messages", "session_id", c.id, "count", len(pending))
}

// handleExit runs when the CLI process ends. An exit during a close or an
// interrupt is expected; anything else is a stream failure.
func (c *Controller) handleExit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.procGone = true

	if n := c.cfg.Broker.CancelAll(c.id, "agent process exited"); n > 0 {
		c.logger.Warn("denied pending permissions on process exit", "session_id", c.id, "count", n)
	}
	var out []Event
	for _, a := range c.asm.DisablePendingPermissions() {
		out = append(out, c.artifactEventLocked(a))
	}
	for _, a := range c.asm.CloseTurn() {
		out = append(out, c.artifactEventLocked(a))
	}
	if err != nil && !c.aborting {
		out = append(out, c.artifactEventLocked(c.asm.AddError(fmt.Sprintf("agent stream ended unexpectedly: %v", err))))
		c.setStatusLocked(StatusError, &out)
		c.logger.Error("agent process exited", "session_id", c.id, "error", err)
	} else {
		c.setStatusLocked(StatusIdle, &out)
	}
	c.aborting = false
	if n := len(c.queue); n > 0 {
		c.queue = nil
		c.cfg.Metrics.QueueChanged(context.Background(), -n)
		c.logger.Warn("dropping queued messages, agent process exited", "session_id", c.id, "count", n)
	}
	c.broadcastLocked(out)
}

// setStatusLocked applies a transition. While the session waits on a
// permission, interim block-level statuses land in waitingFrom so resolution
// restores the freshest one; idle and error cut through.
func (c *Controller) setStatusLocked(s Status, out *[]Event) {
	if c.status == StatusWaiting && s != StatusWaiting && s != StatusIdle && s != StatusError {
		c.waitingFrom = s
		return
	}
	if c.status == s {
		return
	}
	c.status = s
	*out = append(*out, Event{Type: EventStatus, Status: s, Stats: c.statsLocked()})
}

func (c *Controller) statsLocked() *Stats {
	return &Stats{Model: c.asm.Model(), Tokens: c.asm.Tokens(), Cost: c.asm.Cost()}
}

func (c *Controller) artifactEventLocked(a *turn.Artifact) Event {
	clone := a.Clone()
	return Event{Type: EventArtifact, Artifact: &clone}
}

// broadcastLocked fans events out. A subscriber whose buffer is full is
// dropped; it reconnects with a fresh snapshot.
func (c *Controller) broadcastLocked(events []Event) {
	if len(events) == 0 || len(c.subs) == 0 {
		return
	}
	for id, ch := range c.subs {
		ok := true
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
		if !ok {
			delete(c.subs, id)
			close(ch)
			c.cfg.Metrics.SubscriberChanged(context.Background(), -1)
			c.logger.Warn("dropping slow subscriber", "session_id", c.id)
		}
	}
}

func (c *Controller) publish(eventType string, payload map[string]string) {
	if c.cfg.EventPublisher != nil {
		c.cfg.EventPublisher.Publish(eventType, payload)
	}
}

func resultErrorMessage(e *claude.ResultEvent) string {
	switch e.Subtype {
	case claude.ResultErrorMaxTurns:
		return "the agent stopped after reaching the maximum number of turns"
	case claude.ResultErrorMaxBudget:
		return "the agent stopped after reaching the spending limit"
	case claude.ResultErrorDuringExecution:
		if len(e.Errors) > 0 {
			return "the agent hit an error: " + e.Err()
		}
		return "the agent hit an error during execution"
	default:
		return "the agent reported an error: " + e.Err()
	}
}
