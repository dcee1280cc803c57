package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"worktrack/internal/cache"
	"worktrack/internal/clock"
	"worktrack/internal/config"
	"worktrack/internal/engine"
	"worktrack/internal/model"
	"worktrack/internal/store"
)

// Attendance owns the workday state machine: the check-in/out and
// break commands, the heartbeat pipeline, and the reconcilers. Every
// mutation of an attendance record runs in a single transaction that
// row-locks the record, so transitions on one record are totally
// ordered even across API nodes and interleaved reconcilers.
type Attendance struct {
	db       *gorm.DB
	records  *store.AttendanceStore
	breaks   *store.BreakStore
	samples  *store.SampleStore
	segments *store.ActivityLogStore
	users    *store.UserStore
	cache    cache.ActivityCache
	engine   *engine.Engine
	clock    clock.Clock
	loc      *time.Location
	cfg      *config.Config
	log      *slog.Logger
}

func NewAttendance(db *gorm.DB, c cache.ActivityCache, cfg *config.Config, loc *time.Location, clk clock.Clock, log *slog.Logger) *Attendance {
	if log == nil {
		log = slog.Default()
	}
	return &Attendance{
		db:       db,
		records:  store.NewAttendanceStore(db),
		breaks:   store.NewBreakStore(db),
		samples:  store.NewSampleStore(db),
		segments: store.NewActivityLogStore(db),
		users:    store.NewUserStore(db),
		cache:    c,
		engine:   engine.New(log),
		clock:    clk,
		loc:      loc,
		cfg:      cfg,
		log:      log,
	}
}

// CheckInOpts carries the optional check-in metadata.
type CheckInOpts struct {
	IP       string
	Location datatypes.JSON
}

// CheckOutOpts carries the optional check-out metadata.
type CheckOutOpts struct {
	IP       string
	Location datatypes.JSON
	Reason   string
}

// CheckIn opens the user's workday. On a pre-created empty row it sets
// the check-in time; on a re-check-in after a same-day check-out it
// clears the close-out fields and credits the gap to idle. Counters
// are never reset mid-day.
func (s *Attendance) CheckIn(ctx context.Context, userID uuid.UUID, opts CheckInOpts) (*model.AttendanceRecord, error) {
	now := s.clock.Now()
	date := clock.DateOf(now, s.loc)

	var out *model.AttendanceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records := s.records.WithTx(tx)
		rec, err := records.GetByUserAndDateForUpdate(ctx, userID, date)
		if err != nil {
			return err
		}

		switch {
		case rec == nil:
			rec = &model.AttendanceRecord{
				UserID:          userID,
				Date:            date,
				CheckInTime:     &now,
				CheckInIP:       opts.IP,
				CheckInLocation: opts.Location,
			}
			if err := records.Create(ctx, rec); err != nil {
				// A racing check-in that got its insert in first.
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return model.ErrAlreadyCheckedIn
				}
				return err
			}
			if _, err := s.engine.ApplyTransition(tx, rec, model.StateWorking, now); err != nil {
				return err
			}

		case rec.CheckedIn():
			return model.ErrAlreadyCheckedIn

		case rec.CheckOutTime != nil:
			if err := s.reopen(ctx, tx, rec, now); err != nil {
				return err
			}

		default:
			// Pre-created empty row from the daily attendance job.
			updates := map[string]any{"check_in_time": now}
			if opts.IP != "" {
				updates["check_in_ip"] = opts.IP
			}
			if opts.Location != nil {
				updates["check_in_location"] = opts.Location
			}
			if err := records.Update(ctx, rec, updates); err != nil {
				return err
			}
			rec.CheckInTime = &now
			rec.CheckInIP = opts.IP
			if _, err := s.engine.ApplyTransition(tx, rec, model.StateWorking, now); err != nil {
				return err
			}
		}

		if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentActive, now); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.writeSnapshot(ctx, out)
	return out, nil
}

// reopen handles re-check-in after a same-day check-out: the gap since
// the check-out is credited to idle, the close-out fields are cleared
// and the record returns to WORKING.
func (s *Attendance) reopen(ctx context.Context, tx *gorm.DB, rec *model.AttendanceRecord, now time.Time) error {
	if b, err := s.breaks.WithTx(tx).OpenForUpdate(ctx, rec.ID); err != nil {
		return err
	} else if b != nil {
		if err := s.breaks.WithTx(tx).Close(ctx, b, now, nil); err != nil {
			return err
		}
	}

	gap := int64(now.Sub(*rec.CheckOutTime).Round(time.Second).Seconds())
	if gap < 0 {
		gap = 0
	}
	updates := map[string]any{
		"idle_seconds":          gorm.Expr("idle_seconds + ?", gap),
		"check_out_time":        nil,
		"check_out_ip":          "",
		"check_out_location":    nil,
		"total_work_duration":   0,
		"total_active_duration": 0,
		"total_idle_duration":   0,
		"total_break_duration":  0,
	}
	if err := s.records.WithTx(tx).Update(ctx, rec, updates); err != nil {
		return err
	}
	rec.IdleSeconds += gap
	rec.CheckOutTime = nil
	rec.CheckOutIP = ""
	rec.CheckOutLocation = nil
	rec.TotalWorkDuration = 0
	rec.TotalActiveDuration = 0
	rec.TotalIdleDuration = 0
	rec.TotalBreakDuration = 0

	_, err := s.engine.ApplyTransition(tx, rec, model.StateWorking, now)
	return err
}

// CheckOut closes the user's workday at the current time.
func (s *Attendance) CheckOut(ctx context.Context, userID uuid.UUID, opts CheckOutOpts) (*model.AttendanceRecord, error) {
	return s.checkOutAt(ctx, userID, s.clock.Now(), opts)
}

func (s *Attendance) checkOutAt(ctx context.Context, userID uuid.UUID, at time.Time, opts CheckOutOpts) (*model.AttendanceRecord, error) {
	date := clock.DateOf(at, s.loc)

	var out *model.AttendanceRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
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
		if err := s.closeOut(ctx, tx, rec, at, opts); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.clearCache(ctx, userID)
	return out, nil
}

// closeOut finalises the record at `at`: credits the open state,
// closes the open audit segment and any open break, and writes the
// check-out fields with the legacy mirror totals. Runs on the caller's
// transaction against an already locked record.
func (s *Attendance) closeOut(ctx context.Context, tx *gorm.DB, rec *model.AttendanceRecord, at time.Time, opts CheckOutOpts) error {
	if err := s.engine.Finalize(tx, rec, at); err != nil {
		return err
	}
	if err := s.segments.WithTx(tx).CloseOpen(ctx, rec.ID, at); err != nil {
		return err
	}
	if b, err := s.breaks.WithTx(tx).OpenForUpdate(ctx, rec.ID); err != nil {
		return err
	} else if b != nil {
		if err := s.breaks.WithTx(tx).Close(ctx, b, at, opts.Location); err != nil {
			return err
		}
	}

	updates := map[string]any{
		"check_out_time":        at,
		"total_work_duration":   rec.ActiveSeconds + rec.IdleSeconds,
		"total_active_duration": rec.ActiveSeconds,
		"total_idle_duration":   rec.IdleSeconds,
		"total_break_duration":  rec.LunchSeconds,
	}
	if opts.IP != "" {
		updates["check_out_ip"] = opts.IP
	}
	if opts.Location != nil {
		updates["check_out_location"] = opts.Location
	}
	if opts.Reason != "" {
		updates["notes"] = opts.Reason
	}
	if err := s.records.WithTx(tx).Update(ctx, rec, updates); err != nil {
		return err
	}
	t := at
	rec.CheckOutTime = &t
	rec.TotalWorkDuration = rec.ActiveSeconds + rec.IdleSeconds
	rec.TotalActiveDuration = rec.ActiveSeconds
	rec.TotalIdleDuration = rec.IdleSeconds
	rec.TotalBreakDuration = rec.LunchSeconds
	return nil
}

// BreakOpts carries the optional break metadata.
type BreakOpts struct {
	Location datatypes.JSON
}

// StartBreak moves a WORKING or IDLE record to LUNCH and opens a new
// lunch break row.
func (s *Attendance) StartBreak(ctx context.Context, userID uuid.UUID, opts BreakOpts) (*model.LunchBreak, error) {
	now := s.clock.Now()
	date := clock.DateOf(now, s.loc)

	var out *model.LunchBreak
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByUserAndDateForUpdate(ctx, userID, date)
		if err != nil {
			return err
		}
		if rec == nil || !rec.CheckedIn() {
			return model.ErrNotCheckedIn
		}
		if rec.CurrentState == model.StateLunch {
			return model.ErrBreakAlreadyStarted
		}
		if open, err := s.breaks.WithTx(tx).OpenForUpdate(ctx, rec.ID); err != nil {
			return err
		} else if open != nil {
			return model.ErrBreakAlreadyStarted
		}

		if _, err := s.engine.ApplyTransition(tx, rec, model.StateLunch, now); err != nil {
			return err
		}
		if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentLunchBreak, now); err != nil {
			return err
		}

		b := &model.LunchBreak{
			AttendanceRecordID: rec.ID,
			BreakStartTime:     now,
			StartLocation:      opts.Location,
		}
		if err := s.breaks.WithTx(tx).Create(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetState(ctx, userID, model.StateLunch); err != nil {
		s.log.Warn("cache state write failed", "user_id", userID, "error", err)
	}
	return out, nil
}

// EndBreak closes the open lunch break and returns the record to
// WORKING.
func (s *Attendance) EndBreak(ctx context.Context, userID uuid.UUID, opts BreakOpts) (*model.LunchBreak, error) {
	now := s.clock.Now()
	date := clock.DateOf(now, s.loc)

	var out *model.LunchBreak
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByUserAndDateForUpdate(ctx, userID, date)
		if err != nil {
			return err
		}
		if rec == nil || !rec.CheckedIn() {
			return model.ErrNotCheckedIn
		}
		b, err := s.breaks.WithTx(tx).OpenForUpdate(ctx, rec.ID)
		if err != nil {
			return err
		}
		if b == nil {
			return model.ErrNoActiveBreak
		}

		if _, err := s.engine.ApplyTransition(tx, rec, model.StateWorking, now); err != nil {
			return err
		}
		if err := s.breaks.WithTx(tx).Close(ctx, b, now, opts.Location); err != nil {
			return err
		}
		if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentActive, now); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Ending a break is proof of presence: reset the input clock so
	// the next heartbeat does not read the pre-break input time as a
	// gap spanning the whole lunch.
	if err := s.cache.SetActivity(ctx, userID, cache.Activity{LastInputTs: now, LastHeartbeatTs: now}); err != nil {
		s.log.Warn("cache activity write failed", "user_id", userID, "error", err)
	}
	if err := s.cache.SetState(ctx, userID, model.StateWorking); err != nil {
		s.log.Warn("cache state write failed", "user_id", userID, "error", err)
	}
	return out, nil
}

// LiveAttendance is a read-only view of a record with the open state's
// accrued-but-uncommitted duration added to the matching figure.
type LiveAttendance struct {
	Record         *model.AttendanceRecord `json:"record"`
	ActiveSeconds  int64                   `json:"active_seconds"`
	IdleSeconds    int64                   `json:"idle_seconds"`
	BreakSeconds   int64                   `json:"break_seconds"`
	TrackedSeconds int64                   `json:"tracked_seconds"`
}

// GetTodayAttendance returns today's record with live figures, or nil
// if the user has no record today. Never mutates.
func (s *Attendance) GetTodayAttendance(ctx context.Context, userID uuid.UUID) (*LiveAttendance, error) {
	now := s.clock.Now()
	date := clock.DateOf(now, s.loc)

	rec, err := s.records.GetByUserAndDate(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	live := &LiveAttendance{
		Record:        rec,
		ActiveSeconds: rec.ActiveSeconds,
		IdleSeconds:   rec.IdleSeconds,
		BreakSeconds:  rec.LunchSeconds,
	}
	pending := int64(engine.CurrentDurationAt(rec, now).Round(time.Second).Seconds())
	switch rec.CurrentState {
	case model.StateWorking:
		live.ActiveSeconds += pending
	case model.StateIdle:
		live.IdleSeconds += pending
	case model.StateLunch:
		live.BreakSeconds += pending
	}
	live.TrackedSeconds = live.ActiveSeconds + live.IdleSeconds + live.BreakSeconds
	return live, nil
}

// GetAttendanceHistory returns the user's records newest first. Empty
// bounds are open-ended. Past-day records that never closed are shown
// capped at their own end-of-day; the clamp rule is applied to every
// closed view so drifted counters never display more time than the day
// held. Read-only: nothing is persisted.
func (s *Attendance) GetAttendanceHistory(ctx context.Context, userID uuid.UUID, start, end string) ([]*model.AttendanceRecord, error) {
	recs, err := s.records.HistoryRange(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}

	today := clock.DateOf(s.clock.Now(), s.loc)
	for _, rec := range recs {
		if rec.CheckInTime == nil {
			continue
		}
		if rec.CheckOutTime == nil && rec.Date < today {
			if err := s.capAtOwnEndOfDay(rec); err != nil {
				return nil, err
			}
		}
		if rec.CheckOutTime != nil {
			s.clampView(rec)
		}
	}
	return recs, nil
}

// capAtOwnEndOfDay projects an abandoned past-day record as finalised at
// its own end-of-day, without writing anything. The open state is
// credited up to end-of-day as it stands; the end-of-day closer's
// stale-sample demotion to IDLE is not applied here.
func (s *Attendance) capAtOwnEndOfDay(rec *model.AttendanceRecord) error {
	eod, err := clock.EndOfDay(rec.Date, s.loc)
	if err != nil {
		return fmt.Errorf("end of day for %s: %w", rec.Date, err)
	}
	pending := int64(engine.CurrentDurationAt(rec, eod).Round(time.Second).Seconds())
	switch rec.CurrentState {
	case model.StateWorking:
		rec.ActiveSeconds += pending
	case model.StateIdle:
		rec.IdleSeconds += pending
	case model.StateLunch:
		rec.LunchSeconds += pending
	}
	rec.CurrentState = ""
	rec.LastStateChangeAt = nil
	rec.CheckOutTime = &eod
	return nil
}

// clampView applies the read-time clamp: active+idle may not exceed
// the elapsed day minus lunch, with idle trimmed before active.
func (s *Attendance) clampView(rec *model.AttendanceRecord) {
	elapsed := int64(rec.CheckOutTime.Sub(*rec.CheckInTime).Round(time.Second).Seconds())
	budget := elapsed - rec.LunchSeconds
	active, idle := engine.ClampTotals(rec.ActiveSeconds, rec.IdleSeconds, budget)
	if active != rec.ActiveSeconds || idle != rec.IdleSeconds {
		s.log.Warn("counters exceed elapsed time, clamped on read",
			"record_id", rec.ID,
			"active", rec.ActiveSeconds, "idle", rec.IdleSeconds, "budget", budget)
		rec.ActiveSeconds = active
		rec.IdleSeconds = idle
	}
	rec.TotalWorkDuration = active + idle
	rec.TotalActiveDuration = active
	rec.TotalIdleDuration = idle
	rec.TotalBreakDuration = rec.LunchSeconds
}

// writeSnapshot refreshes the user's cached attendance snapshot and
// state mirror. Best-effort.
func (s *Attendance) writeSnapshot(ctx context.Context, rec *model.AttendanceRecord) {
	if rec == nil {
		return
	}
	if err := s.cache.SetAttendance(ctx, rec.UserID, rec); err != nil {
		s.log.Warn("cache snapshot write failed", "user_id", rec.UserID, "error", err)
	}
	if err := s.cache.SetState(ctx, rec.UserID, rec.CurrentState); err != nil {
		s.log.Warn("cache state write failed", "user_id", rec.UserID, "error", err)
	}
}

// clearCache drops the user's cache entries. Best-effort.
func (s *Attendance) clearCache(ctx context.Context, userID uuid.UUID) {
	if err := s.cache.Clear(ctx, userID); err != nil {
		s.log.Warn("cache clear failed", "user_id", userID, "error", err)
	}
}
