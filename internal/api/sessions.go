package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parley-sh/parley/internal/claude"
	"github.com/parley-sh/parley/internal/session"
)

// imagePayload is one inline image attached to a prompt.
type imagePayload struct {
	Base64    string `json:"base64"`
	MediaType string `json:"media_type"`
}

func (p imagePayload) source() claude.ImageSource {
	return claude.ImageSource{Type: "base64", MediaType: p.MediaType, Data: p.Base64}
}

type createSessionRequest struct {
	SessionID    string            `json:"session_id,omitempty"`
	ProjectDir   string            `json:"project_dir"`
	Prompt       string            `json:"prompt,omitempty"`
	Mode         string            `json:"mode,omitempty"`
	Model        string            `json:"model,omitempty"`
	ResumeID     string            `json:"resume_id,omitempty"`
	ForkAnchor   string            `json:"fork_anchor,omitempty"`
	Fork         bool              `json:"fork,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	Images       []imagePayload    `json:"images,omitempty"`
	Mentions     []session.Mention `json:"mentions,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	images := make([]claude.ImageSource, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, img.source())
	}

	ctrl, err := s.sessions.Start(session.Options{
		SessionID:    req.SessionID,
		ProjectDir:   req.ProjectDir,
		Model:        req.Model,
		Mode:         session.Mode(req.Mode),
		ResumeID:     req.ResumeID,
		ForkAnchor:   req.ForkAnchor,
		Fork:         req.Fork,
		Prompt:       req.Prompt,
		Images:       images,
		Mentions:     req.Mentions,
		SystemPrompt: req.SystemPrompt,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		s.logger.Error("starting session", "error", err)
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ctrl.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// handleSessionEvents streams a session's UI events over SSE. The client
// first receives a snapshot event carrying every artifact rendered so far,
// then live events until the session closes or the client disconnects.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := ctrl.Subscribe()
	defer sub.Cancel()

	sendSSEEvent(w, flusher, "snapshot", map[string]any{
		"artifacts": sub.Snapshot,
		"status":    sub.Status,
		"stats":     sub.Stats,
	})

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			sendSSEEvent(w, flusher, string(ev.Type), ev)
			if ev.Type == session.EventDone {
				return
			}
		}
	}
}

type sendMessageRequest struct {
	Text     string            `json:"text"`
	Images   []imagePayload    `json:"images,omitempty"`
	Mentions []session.Mention `json:"mentions,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	images := make([]claude.ImageSource, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, img.source())
	}

	if err := ctrl.Send(req.Text, images, req.Mentions); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": ctrl.Info().QueueDepth > 0,
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	ctrl.Interrupt()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}

	var res session.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := ctrl.ResolvePermission(chi.URLParam(r, "requestID"), res); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleAlwaysAllow(w http.ResponseWriter, r *http.Request) {
	ctrl, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	ctrl.SetAlwaysAllow()
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(session.ModeAcceptEdits)})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSlashCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.sessions.SlashCommands()})
}
