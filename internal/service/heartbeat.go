package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"worktrack/internal/cache"
	"worktrack/internal/clock"
	"worktrack/internal/model"
)

// HeartbeatSample is one agent heartbeat as received from the client.
type HeartbeatSample struct {
	ActiveWindow      string `json:"active_window"`
	ActiveApplication string `json:"active_application"`
	URL               string `json:"url"`
	MouseClicks       int    `json:"mouse_clicks"`
	KeyboardStrokes   int    `json:"keyboard_strokes"`
	IsActive          bool   `json:"is_active"`
	IdleTimeSeconds   int64  `json:"idle_time_seconds"`
}

// HasInput reports whether the sample carries real input. Mouse moves
// alone do not count: a moving cursor keeps the agent alive but does
// not make the user active.
func (s HeartbeatSample) HasInput() bool {
	return s.MouseClicks+s.KeyboardStrokes > 0
}

// HeartbeatResult is the outcome of one processed heartbeat.
type HeartbeatResult struct {
	AutoCheckedOut bool        `json:"auto_checked_out"`
	CurrentState   model.State `json:"current_state,omitempty"`
}

// errAutoCheckout aborts the heartbeat transaction so the check-out
// command can run in a fresh one. Nesting the check-out inside the
// heartbeat transaction would hold two pool connections per silent
// client.
type errAutoCheckout struct {
	at time.Time
}

func (errAutoCheckout) Error() string { return "auto checkout required" }

// Heartbeat ingests one agent heartbeat: derives the server's notion
// of last input, back-dates a silent stretch to IDLE, transitions the
// record toward the desired state, records the raw sample and
// refreshes the cache. A gap above the auto-checkout threshold closes
// the day instead.
func (s *Attendance) Heartbeat(ctx context.Context, userID uuid.UUID, sample HeartbeatSample) (*HeartbeatResult, error) {
	now := s.clock.Now()
	date := clock.DateOf(now, s.loc)

	var (
		state    model.State
		activity cache.Activity
		snapshot *model.AttendanceRecord
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByUserAndDateForUpdate(ctx, userID, date)
		if err != nil {
			return err
		}
		if rec == nil || rec.CheckInTime == nil {
			return model.ErrNotCheckedIn
		}
		if rec.CheckOutTime != nil {
			return model.ErrAlreadyCheckedOut
		}

		cached, err := s.cache.GetActivity(ctx, userID)
		if err != nil {
			s.log.Warn("cache activity read failed, treating as unknown",
				"user_id", userID, "error", err)
			cached = nil
		}

		// The gap is judged against the input time as known before
		// this sample, so a silent stretch gets back-dated to IDLE
		// even when the present sample carries fresh input.
		lastInput := now
		if cached != nil && !cached.LastInputTs.IsZero() {
			lastInput = cached.LastInputTs
		}
		if sample.IdleTimeSeconds > 0 {
			lastInput = now.Add(-time.Duration(sample.IdleTimeSeconds) * time.Second)
		}

		// A record on LUNCH is only closed by the excessive-break
		// closer; silence during a break is expected.
		gap := now.Sub(lastInput)
		if gap > s.cfg.AutoCheckoutGap && rec.CurrentState != model.StateLunch {
			return errAutoCheckout{at: now}
		}

		if gap > s.cfg.IdleThreshold && rec.CurrentState == model.StateWorking {
			applied, err := s.engine.ApplyTransition(tx, rec, model.StateIdle, lastInput)
			if err != nil {
				return err
			}
			if applied {
				if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentIdle, lastInput); err != nil {
					return err
				}
			}
		}

		if sample.HasInput() {
			lastInput = now
		}

		desired := model.StateIdle
		if sample.HasInput() || now.Sub(lastInput) < s.cfg.IdleThreshold {
			desired = model.StateWorking
		}

		// A break is only left by the explicit end-break command.
		if rec.CurrentState != model.StateLunch && desired != rec.CurrentState {
			at := lastInput
			if rec.LastStateChangeAt != nil && rec.LastStateChangeAt.After(at) {
				at = *rec.LastStateChangeAt
			}
			applied, err := s.engine.ApplyTransition(tx, rec, desired, at)
			if err != nil {
				return err
			}
			if applied {
				if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentTypeFor(desired), at); err != nil {
					return err
				}
			}
		}

		raw := &model.InputSample{
			AttendanceRecordID: rec.ID,
			Timestamp:          now,
			ActiveWindow:       sample.ActiveWindow,
			ActiveApplication:  sample.ActiveApplication,
			URL:                sample.URL,
			MouseClicks:        sample.MouseClicks,
			KeyboardStrokes:    sample.KeyboardStrokes,
			IsActive:           sample.IsActive,
			IdleTimeSeconds:    sample.IdleTimeSeconds,
		}
		if err := s.samples.WithTx(tx).Create(ctx, raw); err != nil {
			return err
		}

		state = rec.CurrentState
		activity = cache.Activity{LastInputTs: lastInput, LastHeartbeatTs: now}
		snapshot = rec
		return nil
	})

	if txErr != nil {
		var ac errAutoCheckout
		if errors.As(txErr, &ac) {
			if _, err := s.checkOutAt(ctx, userID, ac.at, CheckOutOpts{Reason: "auto check-out: input gap exceeded"}); err != nil {
				return nil, err
			}
			s.log.Info("auto check-out on input gap", "user_id", userID, "at", ac.at)
			return &HeartbeatResult{AutoCheckedOut: true}, nil
		}
		return nil, txErr
	}

	if err := s.cache.SetActivity(ctx, userID, activity); err != nil {
		s.log.Warn("cache activity write failed", "user_id", userID, "error", err)
	}
	s.writeSnapshot(ctx, snapshot)

	return &HeartbeatResult{CurrentState: state}, nil
}
