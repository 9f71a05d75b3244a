package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-sh/parley/internal/activity"
	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/permission"
	"github.com/parley-sh/parley/internal/session"
	"github.com/parley-sh/parley/internal/storage"
	"github.com/parley-sh/parley/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubRunner stands in for the CLI process in gateway tests.
type stubRunner struct {
	mu      sync.Mutex
	sent    []string
	closed  bool
	stopped int
}

func (r *stubRunner) Start() error { return nil }

func (r *stubRunner) Send(text string, _ []claude.ImageSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *stubRunner) Interrupt() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *stubRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func newStubFactory() session.RunnerFactory {
	return func(_ claude.RunnerConfig, _ claude.RunnerCallbacks, _ *slog.Logger) session.AgentRunner {
		return &stubRunner{}
	}
}

func newTestServer(t *testing.T) chi.Router {
	t.Helper()
	logger := testLogger()

	manager := session.NewManager(session.Config{
		Binary:            "claude",
		RuntimeDir:        t.TempDir(),
		PermissionBaseURL: "http://127.0.0.1:4690/internal/mcp",
		DefaultProjectDir: t.TempDir(),
		Logger:            logger,
		Broker:            permission.NewBroker(logger),
		Runners:           newStubFactory(),
	})

	tracker, err := activity.NewTracker(activity.Config{
		Path:   filepath.Join(t.TempDir(), "activity.json"),
		Logger: logger,
	})
	require.NoError(t, err)

	db, _, err := storage.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	index := transcript.NewIndex(t.TempDir(), storage.NewSQLiteTranscriptStore(db), logger)

	srv := New(manager, tracker, index, logger)
	r := chi.NewRouter()
	srv.Mount(r)
	t.Cleanup(manager.CloseAll)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, r http.Handler, body map[string]any) session.Info {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var info session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

func TestCreateAndListSessions(t *testing.T) {
	r := newTestServer(t)

	info := createSession(t, r, map[string]any{"prompt": "hello"})
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, session.ModeDefault, info.Mode)

	rec := doJSON(t, r, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Sessions, 1)
	assert.Equal(t, info.ID, listing.Sessions[0].ID)
}

func TestCreateSessionInvalidMode(t *testing.T) {
	r := newTestServer(t)

	rec := doJSON(t, r, http.MethodPost, "/sessions", map[string]any{"mode": "yolo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionDuplicateID(t *testing.T) {
	r := newTestServer(t)

	id := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	createSession(t, r, map[string]any{"session_id": id})

	rec := doJSON(t, r, http.MethodPost, "/sessions", map[string]any{"session_id": id})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessage(t *testing.T) {
	r := newTestServer(t)
	info := createSession(t, r, nil)

	rec := doJSON(t, r, http.MethodPost, "/sessions/"+info.ID+"/messages", map[string]any{
		"text": "do the thing",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Queued bool `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Queued)
}

func TestSendMessageValidation(t *testing.T) {
	r := newTestServer(t)
	info := createSession(t, r, nil)

	rec := doJSON(t, r, http.MethodPost, "/sessions/"+info.ID+"/messages", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/sessions/nope/messages", map[string]any{"text": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInterruptAndClose(t *testing.T) {
	r := newTestServer(t)
	info := createSession(t, r, nil)

	rec := doJSON(t, r, http.MethodPost, "/sessions/"+info.ID+"/interrupt", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, r, http.MethodDelete, "/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The session is gone afterwards.
	rec = doJSON(t, r, http.MethodDelete, "/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlwaysAllow(t *testing.T) {
	r := newTestServer(t)
	info := createSession(t, r, nil)

	rec := doJSON(t, r, http.MethodPost, "/sessions/"+info.ID+"/always-allow", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(session.ModeAcceptEdits))
}

func TestResolvePermissionUnknownRequest(t *testing.T) {
	r := newTestServer(t)
	info := createSession(t, r, nil)

	rec := doJSON(t, r, http.MethodPost, "/sessions/"+info.ID+"/permissions/nope", map[string]any{
		"behavior": "allow",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivityEndpoint(t *testing.T) {
	r := newTestServer(t)

	rec := doJSON(t, r, http.MethodGet, "/activity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report activity.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Empty(t, report.Projects)
}

func TestTranscriptsEndpoint(t *testing.T) {
	r := newTestServer(t)

	rec := doJSON(t, r, http.MethodGet, "/transcripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "transcripts")
}

func TestSlashCommandsEmpty(t *testing.T) {
	r := newTestServer(t)

	rec := doJSON(t, r, http.MethodGet, "/slash-commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "commands")
}

func TestHealthzAndVersion(t *testing.T) {
	r := newTestServer(t)

	rec := doJSON(t, r, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = doJSON(t, r, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "version")
}

func TestSessionEventsUnknownSession(t *testing.T) {
	r := newTestServer(t)

	rec := doJSON(t, r, http.MethodGet, "/sessions/ghost/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
