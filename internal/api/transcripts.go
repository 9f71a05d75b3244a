package api

import "net/http"

// handleListTranscripts serves the stored-session catalog, optionally
// filtered to one project via ?project=.
func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	summaries := s.transcripts.List(r.Context(), r.URL.Query().Get("project"))
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": summaries})
}

// handleActivity serves the per-project and global time aggregates.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.activity.Snapshot())
}
