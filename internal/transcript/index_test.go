package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-sh/parley/internal/storage"
)

func newTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	root := t.TempDir()
	db, _, err := storage.NewSQLiteDB(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewIndex(root, storage.NewSQLiteTranscriptStore(db), discardLogger()), root
}

func TestRescanIndexesTranscripts(t *testing.T) {
	idx, root := newTestIndex(t)
	writeTranscript(t, root, "/work/alpha", "sess-1", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-01T10:00:00Z","cwd":"/work/alpha","gitBranch":"main","message":{"role":"user","content":"first question"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-01T10:00:30Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"answer"}],"usage":{"input_tokens":100,"output_tokens":40}}}`,
	})

	require.NoError(t, idx.Rescan(context.Background()))

	got := idx.List(context.Background(), "")
	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, "sess-1", s.SessionID)
	assert.Equal(t, "first question", s.Preview)
	assert.Equal(t, 2, s.MessageCount)
	assert.Equal(t, 100, s.InputTokens)
	assert.Equal(t, 40, s.OutputTokens)
	assert.Equal(t, "main", s.GitBranch)
	assert.Equal(t, "claude-sonnet-4", s.Model)
	assert.Equal(t, "/work/alpha", s.CWD)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), s.StartTime.UTC())
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC), s.LastActivity.UTC())
}

func TestRescanDropsDeletedFiles(t *testing.T) {
	idx, root := newTestIndex(t)
	path := writeTranscript(t, root, "/work/alpha", "sess-1", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"hi"}}`,
	})

	require.NoError(t, idx.Rescan(context.Background()))
	require.Len(t, idx.List(context.Background(), ""), 1)

	require.NoError(t, os.Remove(path))
	idx.Invalidate()
	require.NoError(t, idx.Rescan(context.Background()))
	assert.Empty(t, idx.List(context.Background(), ""))
}

func TestRescanSkipsUnchangedFiles(t *testing.T) {
	idx, root := newTestIndex(t)
	path := writeTranscript(t, root, "/work/alpha", "sess-1", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"original"}}`,
	})

	require.NoError(t, idx.Rescan(context.Background()))

	// Rewrite the content but restore the mtime; the summary must not be
	// re-read.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"type":"user","uuid":"u1","timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":"rewritten"}}`+"\n"), 0600))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))

	require.NoError(t, idx.Rescan(context.Background()))
	got := idx.List(context.Background(), "")
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Preview)
}

func TestListFiltersByProject(t *testing.T) {
	idx, root := newTestIndex(t)
	writeTranscript(t, root, "/work/alpha", "sess-1", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-01T10:00:00Z","cwd":"/work/alpha","message":{"role":"user","content":"a"}}`,
	})
	writeTranscript(t, root, "/work/beta", "sess-2", []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-02T10:00:00Z","cwd":"/work/beta","message":{"role":"user","content":"b"}}`,
	})

	require.NoError(t, idx.Rescan(context.Background()))

	all := idx.List(context.Background(), "")
	require.Len(t, all, 2)
	// Most recent activity first.
	assert.Equal(t, "sess-2", all[0].SessionID)

	only := idx.List(context.Background(), "/work/beta")
	require.Len(t, only, 1)
	assert.Equal(t, "sess-2", only[0].SessionID)
}

func TestListMissingRoot(t *testing.T) {
	db, _, err := storage.NewSQLiteDB(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	idx := NewIndex(filepath.Join(t.TempDir(), "does-not-exist"),
		storage.NewSQLiteTranscriptStore(db), discardLogger())
	assert.Empty(t, idx.List(context.Background(), ""))
}

func TestPreviewTruncation(t *testing.T) {
	long := make([]rune, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'x')
	}
	got := truncateRunes(string(long), previewMaxRunes)
	assert.Equal(t, previewMaxRunes+1, len([]rune(got)))
	assert.Equal(t, "…", string([]rune(got)[previewMaxRunes]))
}
