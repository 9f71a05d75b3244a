package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-sh/parley/internal/config"
)

// PermissionToolName is the fully qualified MCP tool the CLI invokes for
// every permission prompt: server "parley", tool "permission".
const PermissionToolName = "mcp__parley__permission"

// Permission modes understood by the CLI.
const (
	ModeDefault     = "default"
	ModeAcceptEdits = "acceptEdits"
	ModePlan        = "plan"
	ModeBypass      = "bypassPermissions"
)

// RunnerConfig carries everything needed to launch one session's CLI process.
type RunnerConfig struct {
	Binary    string
	SessionID string
	Dir       string
	Model     string

	// ResumeID names a stored transcript to resume. With Fork set, the
	// transcript is replayed under the fresh SessionID instead of being
	// continued in place.
	ResumeID string
	Fork     bool

	// PermissionMode is one of the Mode constants. ModeDefault is omitted
	// from the argument list.
	PermissionMode string

	SystemPrompt string
	AllowedTools []string

	// MCPServers are the pass-through servers from the registry. The runner
	// adds its own permission endpoint entry on top.
	MCPServers    map[string]any
	PermissionURL string

	// ConfigDir is where the generated --mcp-config document is written.
	ConfigDir string

	Env    []string
	APIKey string
}

// BuildArgs assembles the CLI argument list for a session.
func BuildArgs(cfg RunnerConfig, mcpConfigPath string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}

	switch {
	case cfg.ResumeID != "" && cfg.Fork:
		args = append(args, "--resume", cfg.ResumeID, "--fork-session", "--session-id", cfg.SessionID)
	case cfg.ResumeID != "":
		args = append(args, "--resume", cfg.ResumeID)
	default:
		args = append(args, "--session-id", cfg.SessionID)
	}

	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.PermissionMode != "" && cfg.PermissionMode != ModeDefault {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}

	args = append(args,
		"--mcp-config", mcpConfigPath,
		"--permission-prompt-tool", PermissionToolName,
	)

	return args
}

// RunnerCallbacks receive parsed stream messages and the process exit.
type RunnerCallbacks struct {
	OnMessage func(*StreamMessage)
	OnExit    func(err error)
}

// Runner owns one claude CLI process for the life of a chat session: it
// writes the MCP config document, launches the process, feeds prompts to its
// stdin, and parses its stdout into stream messages.
type Runner struct {
	cfg    RunnerConfig
	cb     RunnerCallbacks
	logger *slog.Logger

	proc          *Process
	mcpConfigPath string
}

// NewRunner returns an unstarted Runner.
func NewRunner(cfg RunnerConfig, cb RunnerCallbacks, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, cb: cb, logger: logger}
}

// Start writes the MCP config document and launches the CLI process.
func (r *Runner) Start() error {
	if r.proc != nil {
		return errors.New("runner already started")
	}

	path, err := r.writeMCPConfig()
	if err != nil {
		return err
	}
	r.mcpConfigPath = path

	env := append(os.Environ(), r.cfg.Env...)
	if r.cfg.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+r.cfg.APIKey)
	}

	proc, err := StartProcess(ProcessConfig{
		Binary: r.cfg.Binary,
		Args:   BuildArgs(r.cfg, path),
		Dir:    r.cfg.Dir,
		Env:    env,
	}, ProcessCallbacks{
		OnLine: r.handleLine,
		OnExit: r.handleExit,
	}, r.logger)
	if err != nil {
		r.removeMCPConfig()
		return fmt.Errorf("launching claude for session %s: %w", r.cfg.SessionID, err)
	}

	r.proc = proc
	return nil
}

// Send writes one user prompt to the CLI's stdin.
func (r *Runner) Send(text string, images []ImageSource) error {
	if r.proc == nil {
		return errors.New("runner is not started")
	}
	frame, err := json.Marshal(NewInputMessage(text, images))
	if err != nil {
		return fmt.Errorf("encoding input message: %w", err)
	}
	return r.proc.WriteLine(frame)
}

// Interrupt asks the CLI to abort the current turn.
func (r *Runner) Interrupt() error {
	if r.proc == nil {
		return errors.New("runner is not started")
	}
	return r.proc.Interrupt()
}

// Close stops the CLI process and removes the MCP config document.
func (r *Runner) Close() {
	if r.proc != nil {
		r.proc.Stop()
	}
	r.removeMCPConfig()
}

func (r *Runner) handleLine(line []byte) {
	msg, err := ParseStreamMessage(line)
	if err != nil {
		r.logger.Warn("dropping unparseable stream line", "error", err, "length", len(line))
		return
	}
	if r.cb.OnMessage != nil {
		r.cb.OnMessage(msg)
	}
}

func (r *Runner) handleExit(err error) {
	if err != nil {
		r.logger.Error("claude process exited abnormally", "error", err)
	} else {
		r.logger.Debug("claude process exited")
	}
	if r.cb.OnExit != nil {
		r.cb.OnExit(err)
	}
}

// writeMCPConfig renders the per-session --mcp-config document: the registry
// pass-through servers plus parley's own permission endpoint.
func (r *Runner) writeMCPConfig() (string, error) {
	servers := make(map[string]any, len(r.cfg.MCPServers)+1)
	for name, server := range r.cfg.MCPServers {
		servers[name] = server
	}
	servers["parley"] = config.HTTPServer{Type: "http", URL: r.cfg.PermissionURL}

	doc := map[string]any{"mcpServers": servers}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding MCP config: %w", err)
	}

	if err := os.MkdirAll(r.cfg.ConfigDir, 0750); err != nil {
		return "", fmt.Errorf("creating runtime directory %q: %w", r.cfg.ConfigDir, err)
	}
	path := filepath.Join(r.cfg.ConfigDir, fmt.Sprintf("mcp-%s.json", r.cfg.SessionID))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing MCP config %q: %w", path, err)
	}
	return path, nil
}

func (r *Runner) removeMCPConfig() {
	if r.mcpConfigPath == "" {
		return
	}
	if err := os.Remove(r.mcpConfigPath); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("removing MCP config", "path", r.mcpConfigPath, "error", err)
	}
	r.mcpConfigPath = ""
}
