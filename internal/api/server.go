// Package api exposes the runtime's REST and SSE gateway consumed by the UI
// shell.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parley-sh/parley/internal/activity"
	"github.com/parley-sh/parley/internal/session"
	"github.com/parley-sh/parley/internal/transcript"
)

// Server holds all dependencies for the gateway handlers.
type Server struct {
	sessions    *session.Manager
	activity    *activity.Tracker
	transcripts *transcript.Index
	logger      *slog.Logger
}

// New creates a new API Server backed by the provided components.
func New(sessions *session.Manager, tracker *activity.Tracker, transcripts *transcript.Index, logger *slog.Logger) *Server {
	return &Server{
		sessions:    sessions,
		activity:    tracker,
		transcripts: transcripts,
		logger:      logger,
	}
}

// Mount registers all API routes under the given router.
func (s *Server) Mount(r chi.Router) {
	// Live sessions
	r.Post("/sessions", s.handleCreateSession)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{id}/events", s.handleSessionEvents)
	r.Post("/sessions/{id}/messages", s.handleSendMessage)
	r.Post("/sessions/{id}/interrupt", s.handleInterrupt)
	r.Post("/sessions/{id}/permissions/{requestID}", s.handleResolvePermission)
	r.Post("/sessions/{id}/always-allow", s.handleAlwaysAllow)
	r.Delete("/sessions/{id}", s.handleCloseSession)

	// Stored transcripts
	r.Get("/transcripts", s.handleListTranscripts)

	// Activity aggregates
	r.Get("/activity", s.handleActivity)

	// Slash commands announced by the CLI
	r.Get("/slash-commands", s.handleSlashCommands)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/version", s.handleVersion)
}

// ─── Shared helpers ───────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	b, _ := json.Marshal(data)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(b))
	if flusher != nil {
		flusher.Flush()
	}
}

// writeSessionError maps the session package's typed errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	var notFound *session.NotFoundError
	var conflict *session.ConflictError
	var validation *session.ValidationError
	var closed *session.ClosedError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &closed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
