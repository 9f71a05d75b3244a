// Package activity attributes wall-clock time to the projects whose chat
// sessions are in use. Per-project counters accrue independently; a global
// counter accrues real time once no matter how many projects are active at
// the same moment. Aggregates persist to a single JSON document.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const dateLayout = "2006-01-02"

// Segment is one persisted span of activity.
type Segment struct {
	ID    string `json:"id"`
	Start string `json:"start"`
	End   string `json:"end"`
	// Duration is milliseconds between Start and End.
	Duration int64 `json:"duration"`
}

// ProjectTracking is the per-project aggregate.
type ProjectTracking struct {
	TotalTime      int64     `json:"totalTime"`
	TodayTime      int64     `json:"todayTime"`
	LastActiveDate string    `json:"lastActiveDate,omitempty"`
	Sessions       []Segment `json:"sessions"`
}

// Project pairs a tracked project with its aggregate.
type Project struct {
	ID           string          `json:"id"`
	Path         string          `json:"path"`
	TimeTracking ProjectTracking `json:"timeTracking"`
}

// GlobalTracking is the cross-project aggregate, with rolling week and month
// counters anchored by their period-start markers.
type GlobalTracking struct {
	TotalTime      int64     `json:"totalTime"`
	TodayTime      int64     `json:"todayTime"`
	WeekTime       int64     `json:"weekTime"`
	MonthTime      int64     `json:"monthTime"`
	WeekStart      string    `json:"weekStart,omitempty"`
	MonthStart     string    `json:"monthStart,omitempty"`
	LastActiveDate string    `json:"lastActiveDate,omitempty"`
	Sessions       []Segment `json:"sessions"`
}

// State is the persisted document.
type State struct {
	Projects           []*Project     `json:"projects"`
	GlobalTimeTracking GlobalTracking `json:"globalTimeTracking"`
}

// Store reads and writes the aggregate document.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore returns a store persisting to path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load reads the document. A missing or unreadable file yields an empty
// state rather than an error; time accounting must never keep the server
// from starting.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("reading activity state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("activity state unparseable, starting fresh", "path", s.path, "error", err)
		return &State{}, nil
	}
	return &st, nil
}

// Save writes the document atomically via a temp file + os.Rename, so a
// crash mid-write never leaves a truncated file behind.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding activity state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating activity state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "activity-*.json.tmp")
	if err != nil {
		return fmt.Errorf("writing activity state: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing activity state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("writing activity state: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("writing activity state: %w", err)
	}
	return nil
}

// sanitize clamps and filters a loaded state in place: negative totals go to
// zero, dates in the future are cleared, and segments that are malformed,
// non-positive, longer than a day, or reversed are dropped. It reports
// whether anything changed and how many segments were dropped.
func sanitize(st *State, now time.Time) (changed bool, dropped int) {
	today := now.Format(dateLayout)

	clampTotal := func(v *int64) {
		if *v < 0 {
			*v = 0
			changed = true
		}
	}
	clearFutureDate := func(v *string) {
		if *v == "" {
			return
		}
		d, err := time.ParseInLocation(dateLayout, *v, now.Location())
		if err != nil || d.Format(dateLayout) > today {
			*v = ""
			changed = true
		}
	}
	cleanSegments := func(segs []Segment) []Segment {
		out := segs[:0]
		for _, seg := range segs {
			start, serr := time.Parse(time.RFC3339, seg.Start)
			end, eerr := time.Parse(time.RFC3339, seg.End)
			if serr != nil || eerr != nil || !end.After(start) || end.Sub(start) > 24*time.Hour {
				dropped++
				changed = true
				continue
			}
			out = append(out, seg)
		}
		return out
	}

	for _, p := range st.Projects {
		clampTotal(&p.TimeTracking.TotalTime)
		clampTotal(&p.TimeTracking.TodayTime)
		clearFutureDate(&p.TimeTracking.LastActiveDate)
		p.TimeTracking.Sessions = cleanSegments(p.TimeTracking.Sessions)
	}

	g := &st.GlobalTimeTracking
	clampTotal(&g.TotalTime)
	clampTotal(&g.TodayTime)
	clampTotal(&g.WeekTime)
	clampTotal(&g.MonthTime)
	clearFutureDate(&g.LastActiveDate)
	clearFutureDate(&g.WeekStart)
	clearFutureDate(&g.MonthStart)
	g.Sessions = cleanSegments(g.Sessions)

	return changed, dropped
}

// weekStartOf returns the Monday of t's week as a date string.
func weekStartOf(t time.Time) string {
	back := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -back).Format(dateLayout)
}

// monthStartOf returns the first of t's month as a date string.
func monthStartOf(t time.Time) string {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).Format(dateLayout)
}
