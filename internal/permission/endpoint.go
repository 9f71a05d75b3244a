package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-sh/parley/internal/build"
)

// ServerName is the MCP server name the claude CLI sees; the prompt tool's
// fully qualified name is mcp__parley__permission.
const ServerName = "parley"

// ToolArgs is the argument payload of one permission prompt tool call.
type ToolArgs struct {
	ToolName              string         `json:"tool_name"`
	Input                 map[string]any `json:"input"`
	ToolUseID             string         `json:"tool_use_id,omitempty"`
	DecisionReason        string         `json:"decision_reason,omitempty"`
	PermissionSuggestions []Update       `json:"permission_suggestions,omitempty"`
}

// Sink is notified when a new request awaits a user decision.
type Sink interface {
	PermissionRequested(req Request)
}

// Endpoint serves the MCP server every session's claude CLI is pointed at via
// --permission-prompt-tool. One endpoint serves all sessions; the owning
// session id travels in the URL path and is recovered per request.
type Endpoint struct {
	broker *Broker
	sink   Sink
	logger *slog.Logger
}

// NewEndpoint returns an Endpoint resolving prompts through broker and
// notifying sink of each new request.
func NewEndpoint(broker *Broker, sink Sink, logger *slog.Logger) *Endpoint {
	return &Endpoint{broker: broker, sink: sink, logger: logger}
}

// Handler returns the streamable HTTP handler to mount at
// /internal/mcp/{session}.
func (e *Endpoint) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		sessionID := chi.URLParam(r, "session")
		if sessionID == "" {
			return nil
		}
		return e.server(sessionID)
	}, nil)
}

// server builds the MCP server instance bound to one session.
func (e *Endpoint) server(sessionID string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: build.Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "permission",
		Description: "Ask the user to approve or deny a tool invocation. Blocks until a decision is made.",
	}, e.promptHandler(sessionID))

	return server
}

// promptHandler returns the tool handler for one session. The handler parks
// each call in the broker and blocks until the user's decision releases it,
// which pauses the CLI's turn for exactly that window.
func (e *Endpoint) promptHandler(sessionID string) func(context.Context, *mcp.CallToolRequest, *ToolArgs) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args *ToolArgs) (*mcp.CallToolResult, any, error) {
		req := Request{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			ToolName:    args.ToolName,
			Input:       args.Input,
			ToolUseID:   args.ToolUseID,
			Reason:      args.DecisionReason,
			Suggestions: args.PermissionSuggestions,
			CreatedAt:   time.Now(),
		}

		reply, err := e.broker.Register(req)
		if err != nil {
			return nil, nil, fmt.Errorf("registering permission request: %w", err)
		}

		e.logger.Info("permission requested",
			"session_id", sessionID,
			"request_id", req.ID,
			"tool", args.ToolName)

		if e.sink != nil {
			e.sink.PermissionRequested(req)
		}

		select {
		case decision := <-reply:
			payload, err := json.Marshal(decision)
			if err != nil {
				return nil, nil, fmt.Errorf("encoding permission decision: %w", err)
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
			}, nil, nil

		case <-ctx.Done():
			// The CLI abandoned the prompt, typically on interrupt or exit.
			e.broker.Resolve(req.ID, Deny("permission prompt canceled"))
			return nil, nil, ctx.Err()
		}
	}
}
