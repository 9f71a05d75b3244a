package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteTranscriptStore implements TranscriptStore backed by SQLite.
type SQLiteTranscriptStore struct {
	db *sql.DB
}

// NewSQLiteTranscriptStore returns a new SQLiteTranscriptStore.
func NewSQLiteTranscriptStore(db *sql.DB) *SQLiteTranscriptStore {
	return &SQLiteTranscriptStore{db: db}
}

// Upsert inserts or refreshes one cached summary, keyed by
// (session_id, project_path).
func (s *SQLiteTranscriptStore) Upsert(ctx context.Context, row TranscriptRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_index (
			session_id, project_path, file_path, file_mtime,
			preview, start_time, last_activity, message_count,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			git_branch, model, cwd
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, project_path) DO UPDATE SET
			file_path = excluded.file_path,
			file_mtime = excluded.file_mtime,
			preview = excluded.preview,
			start_time = excluded.start_time,
			last_activity = excluded.last_activity,
			message_count = excluded.message_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_creation_tokens = excluded.cache_creation_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			git_branch = excluded.git_branch,
			model = excluded.model,
			cwd = excluded.cwd`,
		row.SessionID, row.ProjectPath, row.FilePath, row.FileMtime,
		row.Preview, row.StartTime, row.LastActivity, row.MessageCount,
		row.InputTokens, row.OutputTokens, row.CacheCreationTokens, row.CacheReadTokens,
		row.GitBranch, row.Model, row.CWD,
	)
	if err != nil {
		return fmt.Errorf("upserting transcript index row: %w", err)
	}
	return nil
}

// Delete removes the cache entry for a transcript file.
func (s *SQLiteTranscriptStore) Delete(ctx context.Context, filePath string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM transcript_index WHERE file_path = ?", filePath); err != nil {
		return fmt.Errorf("deleting transcript index row: %w", err)
	}
	return nil
}

// DeleteAll clears the cache.
func (s *SQLiteTranscriptStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM transcript_index"); err != nil {
		return fmt.Errorf("clearing transcript index: %w", err)
	}
	return nil
}

// CachedMtimes returns file_path → file_mtime for every cached entry.
func (s *SQLiteTranscriptStore) CachedMtimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT file_path, file_mtime FROM transcript_index")
	if err != nil {
		return nil, fmt.Errorf("querying cached transcript mtimes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]time.Time)
	for rows.Next() {
		var path string
		var mtime time.Time
		if err := rows.Scan(&path, &mtime); err != nil {
			return nil, fmt.Errorf("scanning cached mtime row: %w", err)
		}
		out[path] = mtime
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cached mtime rows: %w", err)
	}
	return out, nil
}

// LoadAll returns every cached summary, most recent activity first.
func (s *SQLiteTranscriptStore) LoadAll(ctx context.Context) ([]TranscriptRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, project_path, file_path, file_mtime, preview,
		       start_time, last_activity, message_count,
		       input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		       git_branch, model, cwd
		FROM transcript_index
		ORDER BY last_activity DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying transcript index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TranscriptRow
	for rows.Next() {
		var r TranscriptRow
		if err := rows.Scan(
			&r.SessionID, &r.ProjectPath, &r.FilePath, &r.FileMtime, &r.Preview,
			&r.StartTime, &r.LastActivity, &r.MessageCount,
			&r.InputTokens, &r.OutputTokens, &r.CacheCreationTokens, &r.CacheReadTokens,
			&r.GitBranch, &r.Model, &r.CWD,
		); err != nil {
			return nil, fmt.Errorf("scanning transcript index row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcript index rows: %w", err)
	}
	return out, nil
}

// SetLastScanned records when the last disk scan completed.
func (s *SQLiteTranscriptStore) SetLastScanned(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_index_meta (id, last_scanned_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_scanned_at = excluded.last_scanned_at`,
		t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording transcript scan time: %w", err)
	}
	return nil
}
