package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/model"
)

func TestCheckInCreatesWorkingRecord(t *testing.T) {
	f := newFixture(t)

	rec := f.checkIn(9, 0)

	assert.Equal(t, model.StateWorking, rec.CurrentState)
	require.NotNil(t, rec.CheckInTime)
	assert.True(t, rec.CheckInTime.Equal(f.at(9, 0)))
	assert.Nil(t, rec.CheckOutTime)
	assert.Equal(t, model.SegmentActive, f.openSegmentType())
}

func TestCheckInTwiceRejected(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(9, 30))
	_, err := f.svc.CheckIn(f.ctx(), f.user.ID, CheckInOpts{})
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedIn)
}

func TestCheckOutRequiresCheckIn(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	assert.ErrorIs(t, err, model.ErrNotCheckedIn)
}

func TestCheckOutTwiceRejected(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(17, 0))
	_, err := f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	require.NoError(t, err)

	_, err = f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedOut)
}

// A full day: active morning, half-hour lunch, active afternoon. The
// counters partition the day exactly and the mirror totals match.
func TestFullWorkday(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	for min := 0; min < 180; min += 4 {
		f.heartbeat(9+min/60, min%60, activeSample())
	}

	f.clk.Set(f.at(12, 0))
	_, err := f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)

	f.clk.Set(f.at(12, 30))
	_, err = f.svc.EndBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)

	for min := 30; min < 300; min += 4 {
		f.heartbeat(12+min/60, min%60, activeSample())
	}

	f.clk.Set(f.at(17, 0))
	rec, err := f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	require.NoError(t, err)

	assert.Equal(t, int64(27000), rec.ActiveSeconds) // 3h + 4.5h
	assert.Equal(t, int64(0), rec.IdleSeconds)
	assert.Equal(t, int64(1800), rec.LunchSeconds)
	assert.Equal(t, int64(27000), rec.TotalWorkDuration)
	assert.Equal(t, int64(27000), rec.TotalActiveDuration)
	assert.Equal(t, int64(1800), rec.TotalBreakDuration)
	assert.Empty(t, rec.CurrentState)
	assert.Nil(t, rec.LastStateChangeAt)
	requirePartition(t, rec)

	// Equality holds: no re-check-in gap, no cap applied.
	elapsed := int64(rec.CheckOutTime.Sub(*rec.CheckInTime) / time.Second)
	assert.Equal(t, elapsed, rec.ActiveSeconds+rec.IdleSeconds+rec.LunchSeconds)
}

// Re-check-in after a same-day check-out credits the gap to idle,
// clears the close-out fields and leaves earlier counters alone.
func TestReCheckInSameDay(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(12, 0))
	out, err := f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(10800), out.ActiveSeconds)

	f.clk.Set(f.at(13, 0))
	rec, err := f.svc.CheckIn(f.ctx(), f.user.ID, CheckInOpts{})
	require.NoError(t, err)

	assert.Equal(t, int64(10800), rec.ActiveSeconds)
	assert.Equal(t, int64(3600), rec.IdleSeconds)
	assert.Nil(t, rec.CheckOutTime)
	assert.Equal(t, model.StateWorking, rec.CurrentState)
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(13, 0)))
	assert.Zero(t, rec.TotalWorkDuration)
	assert.Zero(t, rec.TotalActiveDuration)

	// Check-in time is the original one, not the re-entry.
	assert.True(t, rec.CheckInTime.Equal(f.at(9, 0)))
}

func TestStartBreakTransitionsToLunch(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(12, 0))
	b, err := f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)
	assert.True(t, b.BreakStartTime.Equal(f.at(12, 0)))
	assert.Nil(t, b.BreakEndTime)

	rec := f.record()
	assert.Equal(t, model.StateLunch, rec.CurrentState)
	assert.Equal(t, int64(10800), rec.ActiveSeconds)
	assert.Equal(t, model.SegmentLunchBreak, f.openSegmentType())
}

func TestStartBreakRejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	assert.ErrorIs(t, err, model.ErrNotCheckedIn)

	f.checkIn(9, 0)
	f.clk.Set(f.at(12, 0))
	_, err = f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)

	_, err = f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	assert.ErrorIs(t, err, model.ErrBreakAlreadyStarted)
}

func TestEndBreakClosesBreak(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(12, 0))
	_, err := f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)

	f.clk.Set(f.at(12, 45))
	b, err := f.svc.EndBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)
	require.NotNil(t, b.BreakEndTime)
	assert.Equal(t, int64(2700), b.Duration)

	rec := f.record()
	assert.Equal(t, model.StateWorking, rec.CurrentState)
	assert.Equal(t, int64(2700), rec.LunchSeconds)
	assert.Nil(t, f.openBreak())
	assert.Equal(t, model.SegmentActive, f.openSegmentType())
}

func TestEndBreakWithoutBreakRejected(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	_, err := f.svc.EndBreak(f.ctx(), f.user.ID, BreakOpts{})
	assert.ErrorIs(t, err, model.ErrNoActiveBreak)
}

func TestCheckOutClosesOpenBreak(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(12, 0))
	_, err := f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)

	f.clk.Set(f.at(12, 20))
	rec, err := f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	require.NoError(t, err)

	assert.Equal(t, int64(1200), rec.LunchSeconds)
	assert.Nil(t, f.openBreak())
	requirePartition(t, rec)
}

func TestGetTodayAttendanceLiveFigures(t *testing.T) {
	f := newFixture(t)

	live, err := f.svc.GetTodayAttendance(f.ctx(), f.user.ID)
	require.NoError(t, err)
	assert.Nil(t, live)

	f.checkIn(9, 0)
	f.clk.Set(f.at(10, 30))

	live, err = f.svc.GetTodayAttendance(f.ctx(), f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, int64(5400), live.ActiveSeconds)
	assert.Equal(t, int64(0), live.IdleSeconds)
	assert.Equal(t, int64(5400), live.TrackedSeconds)

	// The live read does not mutate the stored counters.
	rec := f.record()
	assert.Zero(t, rec.ActiveSeconds)
}

func TestHistoryCapsAbandonedPastDay(t *testing.T) {
	f := newFixture(t)

	// An abandoned yesterday: checked in at 09:00, never closed.
	yesterday := time.Date(2025, 1, 14, 9, 0, 0, 0, time.UTC)
	stale := &model.AttendanceRecord{
		UserID:            f.user.ID,
		Date:              "2025-01-14",
		CheckInTime:       &yesterday,
		CurrentState:      model.StateWorking,
		LastStateChangeAt: &yesterday,
	}
	require.NoError(t, f.db.Create(stale).Error)

	f.checkIn(9, 0)

	recs, err := f.svc.GetAttendanceHistory(f.ctx(), f.user.ID, "", "")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "2025-01-15", recs[0].Date)
	assert.Equal(t, "2025-01-14", recs[1].Date)

	capped := recs[1]
	require.NotNil(t, capped.CheckOutTime)
	assert.Equal(t, "2025-01-14", capped.CheckOutTime.Format(time.DateOnly))
	assert.Equal(t, int64(54000), capped.ActiveSeconds) // 09:00 to end of day
	assert.Empty(t, capped.CurrentState)
	requirePartition(t, capped)

	// View only: the stored row is still open.
	var stored model.AttendanceRecord
	require.NoError(t, f.db.Where("id = ?", stale.ID).First(&stored).Error)
	assert.Nil(t, stored.CheckOutTime)
	assert.Equal(t, model.StateWorking, stored.CurrentState)
}
