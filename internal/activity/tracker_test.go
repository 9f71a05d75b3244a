package activity

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time              { return c.t }
func (c *fakeClock) Advance(d time.Duration)     { c.t = c.t.Add(d) }
func (c *fakeClock) Set(t time.Time)             { c.t = t }
func (c *fakeClock) tick(tr *Tracker, n int) {
	for i := 0; i < n; i++ {
		c.Advance(30 * time.Second)
		tr.Heartbeat()
	}
}

func newTestTracker(t *testing.T, clock *fakeClock) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "activity.json")
	tr, err := NewTracker(Config{
		Path:   path,
		Logger: testLogger(),
		Now:    clock.Now,
	})
	require.NoError(t, err)
	return tr, path
}

func projectState(t *testing.T, tr *Tracker, path string) *ProjectTracking {
	t.Helper()
	p := tr.projects[path]
	require.NotNil(t, p, "project %s not tracked", path)
	return &p.TimeTracking
}

func TestTracker_IdleExpiryPersistsSegment(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	// Thirty heartbeat ticks cover the 15-minute idle window.
	clock.tick(tr, 30)

	ps := projectState(t, tr, "/p/alpha")
	require.Len(t, ps.Sessions, 1)
	assert.Equal(t, int64(15*60*1000), ps.Sessions[0].Duration)
	assert.Equal(t, int64(15*60*1000), ps.TotalTime)
	assert.Equal(t, int64(15*60*1000), ps.TodayTime)
	assert.Equal(t, "2025-03-10", ps.LastActiveDate)

	// Idle sessions accrue nothing further.
	clock.tick(tr, 10)
	assert.Len(t, ps.Sessions, 1)

	report := tr.Snapshot()
	require.Len(t, report.Projects, 1)
	assert.False(t, report.Projects[0].Active)
}

func TestTracker_ActivityExtendsSession(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.tick(tr, 20) // 10 minutes, not yet idle
	tr.RecordInput("/p/alpha")
	clock.tick(tr, 30) // idle fires 15 minutes after the second input

	ps := projectState(t, tr, "/p/alpha")
	require.Len(t, ps.Sessions, 1)
	assert.Equal(t, int64(25*60*1000), ps.Sessions[0].Duration)
}

func TestTracker_IdleResumeOpensFreshSegment(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.tick(tr, 30)
	ps := projectState(t, tr, "/p/alpha")
	require.Len(t, ps.Sessions, 1)

	// Activity after idling starts a second segment.
	tr.RecordInput("/p/alpha")
	clock.Advance(2 * time.Minute)
	require.NoError(t, tr.FlushSync())

	require.Len(t, ps.Sessions, 2)
	assert.Equal(t, int64(2*60*1000), ps.Sessions[1].Duration)
	assert.Equal(t, int64(17*60*1000), ps.TotalTime)
}

func TestTracker_ShortSegmentsDiscarded(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, path := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, tr.FlushSync())

	assert.Empty(t, projectState(t, tr, "/p/alpha").Sessions)

	// The flush still writes the file.
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestTracker_SleepSplit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.Advance(30 * time.Second)
	tr.Heartbeat()

	// A ten-minute gap between heartbeats means the machine slept. Exactly
	// one split segment lands, ending at the last heartbeat.
	clock.Advance(10 * time.Minute)
	tr.Heartbeat()

	ps := projectState(t, tr, "/p/alpha")
	require.Len(t, ps.Sessions, 1)
	assert.Equal(t, int64(30*1000), ps.Sessions[0].Duration)

	// The session continues from the post-resume instant.
	clock.Advance(2 * time.Minute)
	require.NoError(t, tr.FlushSync())
	require.Len(t, ps.Sessions, 2)
	assert.Equal(t, int64(2*60*1000), ps.Sessions[1].Duration)
}

func TestTracker_MidnightSplit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 23, 55, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.Set(time.Date(2025, 3, 11, 0, 0, 10, 0, time.Local))
	tr.MidnightCheck()

	// The split segment belongs to the day that just ended.
	ps := projectState(t, tr, "/p/alpha")
	require.Len(t, ps.Sessions, 1)
	assert.Equal(t, int64(5*60*1000), ps.Sessions[0].Duration)
	assert.Equal(t, int64(5*60*1000), ps.TodayTime)
	assert.Equal(t, "2025-03-10", ps.LastActiveDate)

	// The first write after the rollover resets the today counter.
	tr.RecordInput("/p/alpha")
	clock.Set(time.Date(2025, 3, 11, 0, 2, 10, 0, time.Local))
	require.NoError(t, tr.FlushSync())

	require.Len(t, ps.Sessions, 2)
	assert.Equal(t, int64(130*1000), ps.Sessions[1].Duration)
	assert.Equal(t, int64(130*1000), ps.TodayTime)
	assert.Equal(t, "2025-03-11", ps.LastActiveDate)
	assert.Equal(t, int64(430*1000), ps.TotalTime)

	g := tr.state.GlobalTimeTracking
	assert.Equal(t, int64(130*1000), g.TodayTime)
	assert.Equal(t, int64(430*1000), g.TotalTime)
}

func TestTracker_MidnightCheckNoRolloverIsNoOp(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.Advance(5 * time.Minute)
	tr.MidnightCheck()

	assert.Empty(t, projectState(t, tr, "/p/alpha").Sessions)
}

func TestTracker_GlobalCountsRealTimeOnce(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/alpha")
	clock.Advance(time.Minute)
	tr.RecordInput("/p/beta")
	clock.Advance(4 * time.Minute)
	require.NoError(t, tr.FlushSync())

	assert.Equal(t, int64(5*60*1000), projectState(t, tr, "/p/alpha").TotalTime)
	assert.Equal(t, int64(4*60*1000), projectState(t, tr, "/p/beta").TotalTime)
	// Two concurrent projects accrue nine project-minutes but only five
	// real minutes.
	assert.Equal(t, int64(5*60*1000), tr.state.GlobalTimeTracking.TotalTime)
}

func TestTracker_WeekMonthRollover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.json")
	seed := `{
		"projects": [],
		"globalTimeTracking": {
			"totalTime": 3600000,
			"todayTime": 3600000,
			"weekTime": 3600000,
			"monthTime": 3600000,
			"weekStart": "2025-03-03",
			"monthStart": "2025-02-01",
			"lastActiveDate": "2025-03-07",
			"sessions": []
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	// 2025-03-10 is a Monday in a new week and a new month.
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, err := NewTracker(Config{Path: path, Logger: testLogger(), Now: clock.Now})
	require.NoError(t, err)

	tr.RecordInput("/p/alpha")
	clock.Advance(10 * time.Minute)
	require.NoError(t, tr.FlushSync())

	g := tr.state.GlobalTimeTracking
	assert.Equal(t, int64(3600000+600000), g.TotalTime)
	assert.Equal(t, int64(600000), g.TodayTime)
	assert.Equal(t, int64(600000), g.WeekTime)
	assert.Equal(t, int64(600000), g.MonthTime)
	assert.Equal(t, "2025-03-10", g.WeekStart)
	assert.Equal(t, "2025-03-01", g.MonthStart)
}

func TestTracker_SanitizeOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.json")
	seed := `{
		"projects": [{
			"id": "p1",
			"path": "/p/alpha",
			"timeTracking": {
				"totalTime": -5,
				"todayTime": -1,
				"lastActiveDate": "2030-01-01",
				"sessions": [
					{"id":"ok","start":"2025-03-09T10:00:00Z","end":"2025-03-09T10:10:00Z","duration":600000},
					{"id":"zero","start":"2025-03-09T10:00:00Z","end":"2025-03-09T10:00:00Z","duration":0},
					{"id":"long","start":"2025-03-08T00:00:00Z","end":"2025-03-09T01:00:00Z","duration":90000000},
					{"id":"bad","start":"not-a-time","end":"2025-03-09T10:00:00Z","duration":1},
					{"id":"reversed","start":"2025-03-09T11:00:00Z","end":"2025-03-09T10:00:00Z","duration":1}
				]
			}
		}],
		"globalTimeTracking": {"totalTime": 10, "weekTime": -2, "sessions": []}
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, err := NewTracker(Config{Path: path, Logger: testLogger(), Now: clock.Now})
	require.NoError(t, err)

	ps := projectState(t, tr, "/p/alpha")
	require.Len(t, ps.Sessions, 1)
	assert.Equal(t, "ok", ps.Sessions[0].ID)
	assert.Zero(t, ps.TotalTime)
	assert.Zero(t, ps.TodayTime)
	assert.Empty(t, ps.LastActiveDate)
	assert.Zero(t, tr.state.GlobalTimeTracking.WeekTime)

	// The cleaned state was rewritten.
	rewritten, err := NewStore(path, testLogger()).Load()
	require.NoError(t, err)
	require.Len(t, rewritten.Projects, 1)
	assert.Len(t, rewritten.Projects[0].TimeTracking.Sessions, 1)
}

func TestTracker_UnparseableStateStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))

	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, err := NewTracker(Config{Path: path, Logger: testLogger(), Now: clock.Now})
	require.NoError(t, err)
	assert.Empty(t, tr.state.Projects)
}

func TestTracker_OutputThrottled(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)
	clock := &fakeClock{t: base}
	tr, _ := newTestTracker(t, clock)

	tr.RecordOutput("/p/alpha")
	clock.Advance(500 * time.Millisecond)
	tr.RecordOutput("/p/alpha")
	assert.Equal(t, base, tr.live["/p/alpha"].last, "second mark within the throttle window is dropped")

	clock.Advance(600 * time.Millisecond)
	tr.RecordOutput("/p/alpha")
	assert.Equal(t, base.Add(1100*time.Millisecond), tr.live["/p/alpha"].last)

	// User input is never throttled.
	clock.Advance(100 * time.Millisecond)
	tr.RecordInput("/p/alpha")
	assert.Equal(t, base.Add(1200*time.Millisecond), tr.live["/p/alpha"].last)
}

func TestTracker_SnapshotReport(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)}
	tr, _ := newTestTracker(t, clock)

	tr.RecordInput("/p/beta")
	tr.RecordInput("/p/alpha")
	clock.Advance(2 * time.Minute)

	report := tr.Snapshot()
	require.Len(t, report.Projects, 2)
	assert.Equal(t, "/p/alpha", report.Projects[0].Path)
	assert.Equal(t, "/p/beta", report.Projects[1].Path)
	for _, p := range report.Projects {
		assert.True(t, p.Active)
		assert.Equal(t, int64(2*60*1000), p.CurrentMs)
	}
	assert.True(t, report.Global.Active)
	assert.Equal(t, int64(2*60*1000), report.Global.CurrentMs)
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "activity.json")
	store := NewStore(path, testLogger())

	st := &State{
		Projects: []*Project{{
			ID:   "p1",
			Path: "/p/alpha",
			TimeTracking: ProjectTracking{
				TotalTime:      1000,
				TodayTime:      1000,
				LastActiveDate: "2025-03-10",
				Sessions: []Segment{{
					ID:       "s1",
					Start:    "2025-03-10T09:00:00Z",
					End:      "2025-03-10T09:10:00Z",
					Duration: 600000,
				}},
			},
		}},
	}
	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Projects, 1)
	assert.Equal(t, st.Projects[0].TimeTracking, loaded.Projects[0].TimeTracking)
}

func TestStore_MissingFileLoadsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"), testLogger())
	st, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Projects)
}
