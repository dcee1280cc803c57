package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"worktrack/internal/cache"
	"worktrack/internal/clock"
	"worktrack/internal/config"
	"worktrack/internal/model"
	"worktrack/internal/store"
)

// memCache is an in-process ActivityCache so the tests can exercise
// the cache-dependent paths (gap detector, heartbeat floors) without
// Redis.
type memCache struct {
	mu        sync.Mutex
	activity  map[uuid.UUID]cache.Activity
	states    map[uuid.UUID]model.State
	snapshots map[uuid.UUID]*model.AttendanceRecord
}

func newMemCache() *memCache {
	return &memCache{
		activity:  make(map[uuid.UUID]cache.Activity),
		states:    make(map[uuid.UUID]model.State),
		snapshots: make(map[uuid.UUID]*model.AttendanceRecord),
	}
}

func (m *memCache) GetActivity(_ context.Context, userID uuid.UUID) (*cache.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activity[userID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memCache) SetActivity(_ context.Context, userID uuid.UUID, a cache.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[userID] = a
	return nil
}

func (m *memCache) SetState(_ context.Context, userID uuid.UUID, s model.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[userID] = s
	return nil
}

func (m *memCache) SetAttendance(_ context.Context, userID uuid.UUID, rec *model.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[userID] = rec
	return nil
}

func (m *memCache) Clear(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activity, userID)
	delete(m.states, userID)
	delete(m.snapshots, userID)
	return nil
}

func (m *memCache) hasActivity(userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activity[userID]
	return ok
}

type fixture struct {
	t     *testing.T
	svc   *Attendance
	db    *gorm.DB
	clk   *clock.Fake
	cache *memCache
	user  *model.User
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(db))
	return db
}

// newFixture builds a service over in-memory SQLite with the fake
// clock pinned at 2025-01-15 09:00 UTC and production thresholds.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	mc := newMemCache()
	clk := clock.NewFake(time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC))
	cfg := &config.Config{
		Timezone:         "UTC",
		IdleThreshold:    5 * time.Minute,
		AutoCheckoutGap:  60 * time.Minute,
		MaxBreak:         2 * time.Hour,
		MaxIdle:          30 * time.Minute,
		EndOfDayStale:    15 * time.Minute,
		GapCheckoutSlack: 5 * time.Minute,
		CacheTTL:         24 * time.Hour,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewAttendance(db, mc, cfg, time.UTC, clk, log)

	user := &model.User{Username: "kmercer", Active: true}
	require.NoError(t, store.NewUserStore(db).Create(context.Background(), user))

	return &fixture{t: t, svc: svc, db: db, clk: clk, cache: mc, user: user}
}

// at returns the given wall-clock time on the fixture's test day.
func (f *fixture) at(hour, min int) time.Time {
	return time.Date(2025, 1, 15, hour, min, 0, 0, time.UTC)
}

func (f *fixture) ctx() context.Context { return context.Background() }

func (f *fixture) checkIn(hour, min int) *model.AttendanceRecord {
	f.t.Helper()
	f.clk.Set(f.at(hour, min))
	rec, err := f.svc.CheckIn(f.ctx(), f.user.ID, CheckInOpts{})
	require.NoError(f.t, err)
	return rec
}

// activeSample is a heartbeat carrying real input.
func activeSample() HeartbeatSample {
	return HeartbeatSample{
		ActiveWindow:      "editor",
		ActiveApplication: "code",
		MouseClicks:       3,
		KeyboardStrokes:   12,
		IsActive:          true,
	}
}

// quietSample is a heartbeat without clicks or keystrokes. Mouse moves
// may have happened; they do not count as input.
func quietSample() HeartbeatSample {
	return HeartbeatSample{
		ActiveWindow:      "editor",
		ActiveApplication: "code",
		IsActive:          true,
	}
}

func (f *fixture) heartbeat(hour, min int, sample HeartbeatSample) *HeartbeatResult {
	f.t.Helper()
	f.clk.Set(f.at(hour, min))
	res, err := f.svc.Heartbeat(f.ctx(), f.user.ID, sample)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) record() *model.AttendanceRecord {
	f.t.Helper()
	rec, err := f.svc.records.GetByUserAndDate(f.ctx(), f.user.ID, "2025-01-15")
	require.NoError(f.t, err)
	require.NotNil(f.t, rec)
	return rec
}

func (f *fixture) openBreak() *model.LunchBreak {
	f.t.Helper()
	rec := f.record()
	b, err := f.svc.breaks.Open(f.ctx(), rec.ID)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) closedBreak() *model.LunchBreak {
	f.t.Helper()
	rec := f.record()
	var b model.LunchBreak
	err := f.db.Where("attendance_record_id = ? AND break_end_time IS NOT NULL", rec.ID).First(&b).Error
	require.NoError(f.t, err)
	return &b
}

func (f *fixture) sampleCount() int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(&model.InputSample{}).Count(&n).Error)
	return n
}

func (f *fixture) openSegmentType() model.SegmentType {
	f.t.Helper()
	rec := f.record()
	var seg model.ActivityLog
	err := f.db.Where("attendance_record_id = ? AND end_time IS NULL", rec.ID).First(&seg).Error
	require.NoError(f.t, err)
	return seg.Type
}

// requirePartition asserts the counter-partition bound for a closed
// record: the three counters never exceed the elapsed day.
func requirePartition(t *testing.T, rec *model.AttendanceRecord) {
	t.Helper()
	require.NotNil(t, rec.CheckInTime)
	require.NotNil(t, rec.CheckOutTime)
	elapsed := int64(rec.CheckOutTime.Sub(*rec.CheckInTime).Round(time.Second).Seconds())
	sum := rec.ActiveSeconds + rec.IdleSeconds + rec.LunchSeconds
	require.LessOrEqual(t, sum, elapsed,
		"counters %d exceed elapsed %d", sum, elapsed)
}
