package activity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-sh/parley/internal/telemetry"
)

// Defaults for the tracker's timing rules.
const (
	DefaultIdleTimeout    = 15 * time.Minute
	DefaultSleepGap       = 2 * time.Minute
	DefaultOutputThrottle = time.Second
)

// Config configures a Tracker.
type Config struct {
	// Path is the aggregate JSON document.
	Path   string
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *telemetry.Metrics

	// IdleTimeout closes a session's open segment after this much silence.
	IdleTimeout time.Duration
	// SleepGap is the heartbeat gap treated as a suspend/resume.
	SleepGap time.Duration
	// OutputThrottle rate-limits agent-output activity marks per project.
	OutputThrottle time.Duration

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// liveSession is one in-memory accrual span. Idle sessions stay in the map
// so later activity reopens them with a fresh segment.
type liveSession struct {
	start time.Time
	last  time.Time
	idle  bool
}

// Tracker accrues per-project and global activity time. All state mutation
// and persistence is serialized behind one mutex; Heartbeat and
// MidnightCheck are driven by the scheduler every 30 seconds.
type Tracker struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	store   *Store
	now     func() time.Time

	idleTimeout    time.Duration
	sleepGap       time.Duration
	outputThrottle time.Duration

	mu            sync.Mutex
	state         *State
	projects      map[string]*Project
	live          map[string]*liveSession
	globalLive    *liveSession
	lastOutput    map[string]time.Time
	lastHeartbeat time.Time
	lastDate      string
	dirty         bool
}

// NewTracker loads and sanitizes the stored aggregates. A state cleaned
// during load is rewritten immediately.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SleepGap <= 0 {
		cfg.SleepGap = DefaultSleepGap
	}
	if cfg.OutputThrottle <= 0 {
		cfg.OutputThrottle = DefaultOutputThrottle
	}

	store := NewStore(cfg.Path, cfg.Logger)
	state, err := store.Load()
	if err != nil {
		return nil, err
	}

	now := cfg.Now()
	t := &Tracker{
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		store:          store,
		now:            cfg.Now,
		idleTimeout:    cfg.IdleTimeout,
		sleepGap:       cfg.SleepGap,
		outputThrottle: cfg.OutputThrottle,
		state:          state,
		projects:       make(map[string]*Project),
		live:           make(map[string]*liveSession),
		lastOutput:     make(map[string]time.Time),
		lastHeartbeat:  now,
		lastDate:       now.Format(dateLayout),
	}
	for _, p := range state.Projects {
		t.projects[p.Path] = p
	}

	if changed, droppedSegments := sanitize(state, now); changed {
		if droppedSegments > 0 {
			cfg.Logger.Warn("dropped invalid activity segments on load",
				"path", cfg.Path, "count", droppedSegments)
		}
		if err := store.Save(state); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// RecordInput marks user activity for the project.
func (t *Tracker) RecordInput(projectDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(projectDir, t.now())
}

// RecordOutput marks agent-output activity for the project, at most once per
// throttle interval.
func (t *Tracker) RecordOutput(projectDir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastOutput[projectDir]; ok && now.Sub(last) < t.outputThrottle {
		return
	}
	t.lastOutput[projectDir] = now
	t.recordLocked(projectDir, now)
}

func (t *Tracker) recordLocked(projectDir string, now time.Time) {
	ls := t.live[projectDir]
	switch {
	case ls == nil:
		t.live[projectDir] = &liveSession{start: now, last: now}
	case ls.idle:
		ls.start, ls.last, ls.idle = now, now, false
	default:
		ls.last = now
	}

	switch {
	case t.globalLive == nil:
		t.globalLive = &liveSession{start: now, last: now}
	case t.globalLive.idle:
		t.globalLive.start, t.globalLive.last, t.globalLive.idle = now, now, false
	default:
		t.globalLive.last = now
	}
}

// Heartbeat runs the 30-second tick: it detects suspend/resume gaps, expires
// idle sessions, and flushes pending aggregate changes to disk.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	// A heartbeat gap beyond the sleep threshold means the machine was
	// suspended; split every active session at the last heartbeat and
	// restart it at the post-resume instant.
	if gap := now.Sub(t.lastHeartbeat); gap > t.sleepGap {
		split := t.lastHeartbeat
		for path, ls := range t.live {
			if ls.idle {
				continue
			}
			t.persistProjectLocked(path, ls.start, split, split)
			ls.start, ls.last = now, now
		}
		if t.globalLive != nil && !t.globalLive.idle {
			t.persistGlobalLocked(t.globalLive.start, split, split)
			t.globalLive.start, t.globalLive.last = now, now
		}
		t.logger.Info("wall clock jump detected, split active sessions", "gap", gap.String())
	}
	t.lastHeartbeat = now

	for path, ls := range t.live {
		if !ls.idle && now.Sub(ls.last) >= t.idleTimeout {
			t.persistProjectLocked(path, ls.start, now, now)
			ls.idle = true
		}
	}
	if t.globalLive != nil && !t.globalLive.idle && now.Sub(t.globalLive.last) >= t.idleTimeout {
		t.persistGlobalLocked(t.globalLive.start, now, now)
		t.globalLive.idle = true
	}

	t.flushLocked()
}

// MidnightCheck splits every active session at local midnight when the date
// has rolled over. The split segment is attributed to the previous day; the
// today counter resets on the first write after the rollover.
func (t *Tracker) MidnightCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	date := now.Format(dateLayout)
	if date == t.lastDate {
		return
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	attrib := midnight.Add(-time.Second)
	for path, ls := range t.live {
		if ls.idle {
			continue
		}
		t.persistProjectLocked(path, ls.start, midnight, attrib)
		ls.start = midnight
		if ls.last.Before(midnight) {
			ls.last = midnight
		}
	}
	if t.globalLive != nil && !t.globalLive.idle {
		t.persistGlobalLocked(t.globalLive.start, midnight, attrib)
		t.globalLive.start = midnight
		if t.globalLive.last.Before(midnight) {
			t.globalLive.last = midnight
		}
	}

	t.lastDate = date
	t.flushLocked()
}

// FlushSync closes every active session as of now and writes the state out
// synchronously. Called at shutdown.
func (t *Tracker) FlushSync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	for path, ls := range t.live {
		if ls.idle {
			continue
		}
		t.persistProjectLocked(path, ls.start, now, now)
		ls.idle = true
	}
	if t.globalLive != nil && !t.globalLive.idle {
		t.persistGlobalLocked(t.globalLive.start, now, now)
		t.globalLive.idle = true
	}

	t.dirty = false
	return t.store.Save(t.state)
}

// persistProjectLocked records one finished segment for the project. The
// attribution instant decides which calendar day the duration lands in,
// which matters for midnight splits.
func (t *Tracker) persistProjectLocked(path string, start, end, attrib time.Time) {
	dur := end.Sub(start)
	if dur <= time.Second {
		return
	}

	p := t.projects[path]
	if p == nil {
		p = &Project{ID: uuid.NewString(), Path: path}
		t.projects[path] = p
		t.state.Projects = append(t.state.Projects, p)
	}

	tr := &p.TimeTracking
	date := attrib.Format(dateLayout)
	if tr.LastActiveDate != date {
		tr.TodayTime = 0
		tr.LastActiveDate = date
	}
	ms := dur.Milliseconds()
	tr.TotalTime += ms
	tr.TodayTime += ms
	tr.Sessions = append(tr.Sessions, Segment{
		ID:       uuid.NewString(),
		Start:    start.Format(time.RFC3339Nano),
		End:      end.Format(time.RFC3339Nano),
		Duration: ms,
	})

	t.metrics.SegmentPersisted(context.Background())
	t.dirty = true
}

// persistGlobalLocked records one finished segment on the global aggregate,
// rolling the week and month counters over when their start markers no
// longer match the attribution instant.
func (t *Tracker) persistGlobalLocked(start, end, attrib time.Time) {
	dur := end.Sub(start)
	if dur <= time.Second {
		return
	}

	g := &t.state.GlobalTimeTracking
	date := attrib.Format(dateLayout)
	if g.LastActiveDate != date {
		g.TodayTime = 0
		g.LastActiveDate = date
	}
	if ws := weekStartOf(attrib); g.WeekStart != ws {
		g.WeekTime = 0
		g.WeekStart = ws
	}
	if ms := monthStartOf(attrib); g.MonthStart != ms {
		g.MonthTime = 0
		g.MonthStart = ms
	}

	ms := dur.Milliseconds()
	g.TotalTime += ms
	g.TodayTime += ms
	g.WeekTime += ms
	g.MonthTime += ms
	g.Sessions = append(g.Sessions, Segment{
		ID:       uuid.NewString(),
		Start:    start.Format(time.RFC3339Nano),
		End:      end.Format(time.RFC3339Nano),
		Duration: ms,
	})

	t.metrics.SegmentPersisted(context.Background())
	t.dirty = true
}

func (t *Tracker) flushLocked() {
	if !t.dirty {
		return
	}
	if err := t.store.Save(t.state); err != nil {
		t.logger.Error("persisting activity state", "error", err)
		return
	}
	t.dirty = false
}

// ProjectReport is one project's aggregate view.
type ProjectReport struct {
	Path           string `json:"path"`
	TotalMs        int64  `json:"total_ms"`
	TodayMs        int64  `json:"today_ms"`
	LastActiveDate string `json:"last_active_date,omitempty"`
	Active         bool   `json:"active"`
	// CurrentMs is the length of the open segment, zero when idle.
	CurrentMs int64 `json:"current_ms"`
}

// GlobalReport is the cross-project aggregate view.
type GlobalReport struct {
	TotalMs   int64 `json:"total_ms"`
	TodayMs   int64 `json:"today_ms"`
	WeekMs    int64 `json:"week_ms"`
	MonthMs   int64 `json:"month_ms"`
	Active    bool  `json:"active"`
	CurrentMs int64 `json:"current_ms"`
}

// Report is the aggregate view served by the gateway.
type Report struct {
	Projects []ProjectReport `json:"projects"`
	Global   GlobalReport    `json:"global"`
}

// Snapshot reports persisted aggregates plus the open segments' accrual.
func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	var report Report
	for path, p := range t.projects {
		pr := ProjectReport{
			Path:           path,
			TotalMs:        p.TimeTracking.TotalTime,
			TodayMs:        p.TimeTracking.TodayTime,
			LastActiveDate: p.TimeTracking.LastActiveDate,
		}
		if ls := t.live[path]; ls != nil && !ls.idle {
			pr.Active = true
			pr.CurrentMs = now.Sub(ls.start).Milliseconds()
		}
		report.Projects = append(report.Projects, pr)
	}
	for path, ls := range t.live {
		if _, tracked := t.projects[path]; tracked || ls.idle {
			continue
		}
		report.Projects = append(report.Projects, ProjectReport{
			Path:      path,
			Active:    true,
			CurrentMs: now.Sub(ls.start).Milliseconds(),
		})
	}
	sort.Slice(report.Projects, func(i, j int) bool {
		return report.Projects[i].Path < report.Projects[j].Path
	})

	g := t.state.GlobalTimeTracking
	report.Global = GlobalReport{
		TotalMs: g.TotalTime,
		TodayMs: g.TodayTime,
		WeekMs:  g.WeekTime,
		MonthMs: g.MonthTime,
	}
	if t.globalLive != nil && !t.globalLive.idle {
		report.Global.Active = true
		report.Global.CurrentMs = now.Sub(t.globalLive.start).Milliseconds()
	}
	return report
}
