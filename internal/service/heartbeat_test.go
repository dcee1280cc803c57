package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/model"
)

func TestHeartbeatRequiresOpenDay(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Heartbeat(f.ctx(), f.user.ID, activeSample())
	assert.ErrorIs(t, err, model.ErrNotCheckedIn)

	f.checkIn(9, 0)
	f.clk.Set(f.at(17, 0))
	_, err = f.svc.CheckOut(f.ctx(), f.user.ID, CheckOutOpts{})
	require.NoError(t, err)

	_, err = f.svc.Heartbeat(f.ctx(), f.user.ID, activeSample())
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedOut)
}

func TestHeartbeatKeepsWorkingUnderThreshold(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	res := f.heartbeat(9, 2, activeSample())
	assert.Equal(t, model.StateWorking, res.CurrentState)
	res = f.heartbeat(9, 4, activeSample())
	assert.Equal(t, model.StateWorking, res.CurrentState)

	rec := f.record()
	assert.Zero(t, rec.IdleSeconds)
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(9, 0)))
	assert.Equal(t, int64(2), f.sampleCount())
}

// A silent stretch is back-dated to IDLE when the client reappears:
// the WORKING counter must not grow while the agent said nothing.
func TestHeartbeatBackdatesSilenceToIdle(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)
	f.heartbeat(10, 0, activeSample())

	// Nothing between 10:00 and 10:10, then fresh input.
	res := f.heartbeat(10, 10, activeSample())
	assert.Equal(t, model.StateWorking, res.CurrentState)

	rec := f.record()
	assert.Equal(t, int64(3600), rec.ActiveSeconds) // 09:00-10:00
	assert.Equal(t, int64(600), rec.IdleSeconds)    // 10:00-10:10
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(10, 10)))
}

func TestHeartbeatWithoutInputGoesIdle(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)
	f.heartbeat(9, 2, activeSample())

	res := f.heartbeat(9, 8, quietSample())
	assert.Equal(t, model.StateIdle, res.CurrentState)

	rec := f.record()
	assert.Equal(t, int64(120), rec.ActiveSeconds) // 09:00-09:02
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(9, 2)))
}

// Mouse-move-only heartbeats keep the agent alive but are not input:
// the idle classification treats them like silence.
func TestHeartbeatMouseMovesAreNotInput(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)
	f.heartbeat(9, 2, activeSample())

	// IsActive set, but no clicks and no keystrokes.
	for _, min := range []int{3, 4, 5, 6, 7, 8} {
		f.heartbeat(9, min, quietSample())
	}

	rec := f.record()
	assert.Equal(t, model.StateIdle, rec.CurrentState)
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(9, 2)))
}

func TestHeartbeatClientIdleReportWins(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)
	f.heartbeat(10, 8, activeSample())

	// The client reports ten minutes of idle; the cached input time
	// (10:08) would say otherwise. The report is authoritative.
	sample := quietSample()
	sample.IdleTimeSeconds = 600
	f.heartbeat(10, 10, sample)

	rec := f.record()
	assert.Equal(t, model.StateIdle, rec.CurrentState)
	assert.Equal(t, int64(3600), rec.ActiveSeconds) // 09:00-10:00
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(10, 0)))
}

func TestHeartbeatAutoCheckoutOnLongGap(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)
	f.heartbeat(9, 5, activeSample())

	f.clk.Set(f.at(10, 10))
	res, err := f.svc.Heartbeat(f.ctx(), f.user.ID, activeSample())
	require.NoError(t, err)
	assert.True(t, res.AutoCheckedOut)

	rec := f.record()
	require.NotNil(t, rec.CheckOutTime)
	assert.True(t, rec.CheckOutTime.Equal(f.at(10, 10)))
	assert.Empty(t, rec.CurrentState)
	requirePartition(t, rec)

	// The aborted heartbeat transaction left no sample behind, and
	// the user's cache entries are gone.
	assert.Equal(t, int64(1), f.sampleCount())
	assert.False(t, f.cache.hasActivity(f.user.ID))
}

func TestHeartbeatDoesNotLeaveLunch(t *testing.T) {
	f := newFixture(t)
	f.checkIn(9, 0)

	f.clk.Set(f.at(12, 0))
	_, err := f.svc.StartBreak(f.ctx(), f.user.ID, BreakOpts{})
	require.NoError(t, err)

	res := f.heartbeat(12, 10, activeSample())
	assert.Equal(t, model.StateLunch, res.CurrentState)

	rec := f.record()
	assert.Equal(t, model.StateLunch, rec.CurrentState)
	assert.True(t, rec.LastStateChangeAt.Equal(f.at(12, 0)))
	// The sample is still recorded for metrics.
	assert.Equal(t, int64(1), f.sampleCount())
}
