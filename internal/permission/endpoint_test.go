package permission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures requests pushed to the session layer.
type recordingSink struct {
	mu       sync.Mutex
	requests []Request
}

func (s *recordingSink) PermissionRequested(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}

func (s *recordingSink) all() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func TestEndpoint_PromptBlocksUntilResolved(t *testing.T) {
	broker := NewBroker(testLogger())
	sink := &recordingSink{}
	e := NewEndpoint(broker, sink, testLogger())

	handler := e.promptHandler("sess-1")

	type outcome struct {
		result *mcp.CallToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, _, err := handler(context.Background(), nil, &ToolArgs{
			ToolName:  "Read",
			Input:     map[string]any{"file_path": "X"},
			ToolUseID: "t1",
		})
		done <- outcome{result, err}
	}()

	// The sink sees the request before any decision exists.
	var req Request
	require.Eventually(t, func() bool {
		reqs := sink.all()
		if len(reqs) == 0 {
			return false
		}
		req = reqs[0]
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "Read", req.ToolName)
	assert.NotEmpty(t, req.ID)

	// The handler is still parked.
	select {
	case <-done:
		t.Fatal("handler returned before resolution")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, broker.Resolve(req.ID, Allow(map[string]any{"file_path": "X"})))

	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.result.Content, 1)

	text, ok := out.result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var decision Decision
	require.NoError(t, json.Unmarshal([]byte(text.Text), &decision))
	assert.Equal(t, BehaviorAllow, decision.Behavior)
	assert.Equal(t, map[string]any{"file_path": "X"}, decision.UpdatedInput)
}

func TestEndpoint_PromptDeniedWithMessage(t *testing.T) {
	broker := NewBroker(testLogger())
	sink := &recordingSink{}
	e := NewEndpoint(broker, sink, testLogger())

	handler := e.promptHandler("sess-1")
	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		result, _, err := handler(context.Background(), nil, &ToolArgs{ToolName: "Bash", Input: map[string]any{"command": "rm -rf /"}})
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	broker.Resolve(sink.all()[0].ID, Deny("not on my watch"))

	result := <-done
	text := result.Content[0].(*mcp.TextContent)
	var decision Decision
	require.NoError(t, json.Unmarshal([]byte(text.Text), &decision))
	assert.Equal(t, BehaviorDeny, decision.Behavior)
	assert.Equal(t, "not on my watch", decision.Message)
}

func TestEndpoint_CanceledContextCleansUp(t *testing.T) {
	broker := NewBroker(testLogger())
	sink := &recordingSink{}
	e := NewEndpoint(broker, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	handler := e.promptHandler("sess-1")

	errCh := make(chan error, 1)
	go func() {
		_, _, err := handler(ctx, nil, &ToolArgs{ToolName: "Edit", Input: map[string]any{}})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned prompt leaves nothing pending.
	assert.Empty(t, broker.Pending("sess-1"))
}

func TestEndpoint_SuggestionsReachSink(t *testing.T) {
	broker := NewBroker(testLogger())
	sink := &recordingSink{}
	e := NewEndpoint(broker, sink, testLogger())

	handler := e.promptHandler("sess-2")
	go func() {
		_, _, _ = handler(context.Background(), nil, &ToolArgs{
			ToolName: "Edit",
			Input:    map[string]any{"file_path": "/foo/a.go"},
			PermissionSuggestions: []Update{
				{Type: UpdateSetMode, Mode: "acceptEdits", Destination: DestinationSession},
			},
		})
	}()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	req := sink.all()[0]
	require.Len(t, req.Suggestions, 1)
	assert.Equal(t, "acceptEdits", req.Suggestions[0].Mode)

	broker.CancelAll("sess-2", "test done")
}
