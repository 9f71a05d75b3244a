package storage

import (
	"context"
	"time"
)

// TranscriptRow is one cached transcript summary, keyed by
// (session_id, project_path) with the source file's mtime for staleness
// checks.
type TranscriptRow struct {
	SessionID           string    `json:"session_id"`
	ProjectPath         string    `json:"project_path"`
	FilePath            string    `json:"file_path"`
	FileMtime           time.Time `json:"-"`
	Preview             string    `json:"preview"`
	StartTime           time.Time `json:"start_time"`
	LastActivity        time.Time `json:"last_activity"`
	MessageCount        int       `json:"message_count"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	GitBranch           string    `json:"git_branch,omitempty"`
	Model               string    `json:"model,omitempty"`
	CWD                 string    `json:"cwd,omitempty"`
}

// TranscriptStore defines the interface for the transcript index cache.
type TranscriptStore interface {
	// Upsert inserts or refreshes one cached summary.
	Upsert(ctx context.Context, row TranscriptRow) error
	// Delete removes the cache entry for a transcript file.
	Delete(ctx context.Context, filePath string) error
	// DeleteAll clears the cache.
	DeleteAll(ctx context.Context) error
	// CachedMtimes returns file_path → file_mtime for every cached entry.
	CachedMtimes(ctx context.Context) (map[string]time.Time, error)
	// LoadAll returns every cached summary, most recent activity first.
	LoadAll(ctx context.Context) ([]TranscriptRow, error)
	// SetLastScanned records when the last disk scan completed.
	SetLastScanned(ctx context.Context, t time.Time) error
}
