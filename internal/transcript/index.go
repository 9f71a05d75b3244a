package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parley-sh/parley/internal/storage"
)

const (
	previewMaxRunes = 120
	defaultCacheTTL = 5 * time.Minute
)

// Summary is the browsable metadata of one stored session.
type Summary struct {
	SessionID    string    `json:"session_id"`
	ProjectPath  string    `json:"project_path"`
	Preview      string    `json:"preview"`
	StartTime    time.Time `json:"start_time"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	GitBranch    string    `json:"git_branch,omitempty"`
	Model        string    `json:"model,omitempty"`
	CWD          string    `json:"cwd,omitempty"`
}

func summaryFromRow(r storage.TranscriptRow) Summary {
	return Summary{
		SessionID:    r.SessionID,
		ProjectPath:  r.ProjectPath,
		Preview:      r.Preview,
		StartTime:    r.StartTime,
		LastActivity: r.LastActivity,
		MessageCount: r.MessageCount,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		GitBranch:    r.GitBranch,
		Model:        r.Model,
		CWD:          r.CWD,
	}
}

// Index catalogs every stored transcript. Summaries live in an SQLite cache
// refreshed incrementally by file mtime, fronted by a short-lived in-memory
// snapshot so list requests do not hit the database on every call.
type Index struct {
	root   string
	store  storage.TranscriptStore
	logger *slog.Logger
	ttl    time.Duration

	mu        sync.RWMutex
	summaries []Summary
	expiresAt time.Time
}

// NewIndex returns an Index over the given projects root.
func NewIndex(root string, store storage.TranscriptStore, logger *slog.Logger) *Index {
	if root == "" {
		root = DefaultProjectsRoot()
	}
	return &Index{
		root:   root,
		store:  store,
		logger: logger,
		ttl:    defaultCacheTTL,
	}
}

// StartBackgroundScan runs the initial scan in a goroutine so server startup
// is not held up by a large transcript directory.
func (i *Index) StartBackgroundScan() {
	go func() {
		if err := i.Rescan(context.Background()); err != nil {
			i.logger.Warn("initial transcript scan failed", "error", err)
		}
	}()
}

// List returns the cached summaries, optionally filtered to one project
// directory. An expired snapshot triggers a synchronous rescan; if that
// fails, stale data is better than none.
func (i *Index) List(ctx context.Context, projectDir string) []Summary {
	i.mu.RLock()
	fresh := i.summaries != nil && time.Now().Before(i.expiresAt)
	snapshot := i.summaries
	i.mu.RUnlock()

	if !fresh {
		if err := i.Rescan(ctx); err != nil {
			i.logger.Warn("transcript rescan failed, serving stale index", "error", err)
		} else {
			i.mu.RLock()
			snapshot = i.summaries
			i.mu.RUnlock()
		}
	}

	if projectDir == "" {
		return append([]Summary(nil), snapshot...)
	}
	var out []Summary
	for _, s := range snapshot {
		if s.ProjectPath == projectDir || s.CWD == projectDir {
			out = append(out, s)
		}
	}
	return out
}

// Invalidate expires the in-memory snapshot so the next List rescans.
func (i *Index) Invalidate() {
	i.mu.Lock()
	i.expiresAt = time.Time{}
	i.mu.Unlock()
}

// Rescan walks the projects root, re-reads only files whose mtime changed
// since the last scan, drops cache rows for deleted files, and refreshes the
// in-memory snapshot.
func (i *Index) Rescan(ctx context.Context) error {
	onDisk, err := i.scanDisk()
	if err != nil {
		return err
	}

	cached, err := i.store.CachedMtimes(ctx)
	if err != nil {
		return err
	}

	changed, deleted := 0, 0
	for path, df := range onDisk {
		if mtime, ok := cached[path]; ok && mtime.Equal(df.mtime) {
			continue
		}
		row, err := readSummary(df)
		if err != nil || row == nil {
			continue
		}
		if err := i.store.Upsert(ctx, *row); err != nil {
			i.logger.Warn("caching transcript summary", "file", path, "error", err)
			continue
		}
		changed++
	}
	for path := range cached {
		if _, ok := onDisk[path]; ok {
			continue
		}
		if err := i.store.Delete(ctx, path); err != nil {
			i.logger.Warn("dropping stale transcript cache row", "file", path, "error", err)
			continue
		}
		deleted++
	}
	if changed > 0 || deleted > 0 {
		i.logger.Info("transcript index refreshed",
			"new_or_modified", changed,
			"deleted", deleted,
			"unchanged", len(onDisk)-changed)
	}

	if err := i.store.SetLastScanned(ctx, time.Now()); err != nil {
		i.logger.Warn("recording transcript scan time", "error", err)
	}

	rows, err := i.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	summaries := make([]Summary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, summaryFromRow(r))
	}

	i.mu.Lock()
	i.summaries = summaries
	i.expiresAt = time.Now().Add(i.ttl)
	i.mu.Unlock()
	return nil
}

// diskFile is one transcript JSONL found on disk.
type diskFile struct {
	sessionID   string
	projectPath string
	filePath    string
	mtime       time.Time
}

// scanDisk walks the projects root and returns every transcript file keyed
// by path. A missing root is an empty catalog, not an error.
func (i *Index) scanDisk() (map[string]diskFile, error) {
	entries, err := os.ReadDir(i.root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]diskFile{}, nil
		}
		return nil, err
	}

	onDisk := make(map[string]diskFile)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		projectPath := DecodeProjectPath(e.Name())
		files, err := os.ReadDir(filepath.Join(i.root, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(i.root, e.Name(), f.Name())
			onDisk[path] = diskFile{
				sessionID:   strings.TrimSuffix(f.Name(), ".jsonl"),
				projectPath: projectPath,
				filePath:    path,
				mtime:       info.ModTime().UTC(),
			}
		}
	}
	return onDisk, nil
}

// DecodeProjectPath converts an encoded transcript directory name back to the
// original filesystem path.
//
// The CLI encodes project paths by replacing both '/' and '.' with '-' and
// prepending a leading '-'; literal hyphens encode identically, so the
// mapping is ambiguous. The ambiguity is resolved with a greedy filesystem
// walk: for each hyphen-separated token the accumulated segment (or its
// dot-prefixed variant, recovering hidden directories) is checked against an
// existing directory, advancing a level when it matches. When the resolved
// path does not exist (deleted projects), the raw encoded name is returned so
// callers always have something to display.
func DecodeProjectPath(encoded string) string {
	trimmed := strings.TrimPrefix(encoded, "-")
	tokens := strings.Split(trimmed, "-")

	currentPath := ""
	currentSegment := ""

	for _, token := range tokens {
		// Empty tokens come from consecutive hyphens; the dot-prefixed check
		// below covers the hidden-directory case they usually encode.
		if token == "" {
			continue
		}

		if currentSegment == "" {
			currentSegment = token
		} else {
			currentSegment += "-" + token
		}

		if next, ok := findExistingDir(currentPath, currentSegment); ok {
			currentPath = next
			currentSegment = ""
		}
	}

	result := currentPath
	if currentSegment != "" {
		result = currentPath + "/" + currentSegment
	}

	if _, err := os.Stat(result); err == nil {
		return result
	}
	return encoded
}

// findExistingDir checks whether parent/segment or parent/.segment is an
// existing directory.
func findExistingDir(parent, segment string) (string, bool) {
	for _, name := range []string{segment, "." + segment} {
		candidate := parent + "/" + name
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// readSummary reads one transcript file and extracts lightweight metadata.
// Empty files yield a nil row.
func readSummary(df diskFile) (*storage.TranscriptRow, error) {
	f, err := os.Open(df.filePath) //nolint:gosec // path comes from the scan walk
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	row := &storage.TranscriptRow{
		SessionID:   df.sessionID,
		ProjectPath: df.projectPath,
		FilePath:    df.filePath,
		FileMtime:   df.mtime,
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, scanBufferSize), scanBufferSize)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}

		if ts := e.Timestamp; !ts.IsZero() {
			if row.StartTime.IsZero() || ts.Before(row.StartTime) {
				row.StartTime = ts
			}
			if ts.After(row.LastActivity) {
				row.LastActivity = ts
			}
		}
		if row.CWD == "" && e.CWD != "" {
			row.CWD = e.CWD
		}
		if row.GitBranch == "" && e.GitBranch != "" {
			row.GitBranch = e.GitBranch
		}

		switch e.Type {
		case "user":
			if e.IsSidechain || e.IsMeta || e.Message == nil {
				continue
			}
			row.MessageCount++
			if row.Preview == "" {
				row.Preview = truncateRunes(joinText(e.Message.blocks()), previewMaxRunes)
			}

		case "assistant":
			if e.IsSidechain {
				continue
			}
			row.MessageCount++
			if e.Message == nil {
				continue
			}
			if row.Model == "" && e.Message.Model != "" {
				row.Model = e.Message.Model
			}
			if u := e.Message.Usage; u != nil {
				row.InputTokens += u.InputTokens
				row.OutputTokens += u.OutputTokens
				row.CacheCreationTokens += u.CacheCreationInputTokens
				row.CacheReadTokens += u.CacheReadInputTokens
			}
		}
	}

	if row.StartTime.IsZero() {
		return nil, nil // empty or unreadable file
	}
	return row, sc.Err()
}

// truncateRunes truncates s to at most maxRunes code points, appending an
// ellipsis if truncated.
func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "…"
}
