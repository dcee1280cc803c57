package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"worktrack/internal/clock"
	"worktrack/internal/model"
)

// The reconcilers enforce the invariants the asynchronous sources
// cannot: caps on runaway states, closure of records whose agents went
// silent, and backfill of days the process slept through. Each record
// is handled in its own transaction; one record's failure is logged
// and the batch continues. Every path goes through the engine, so
// re-running a reconciler is a no-op on records it already settled.

// CloseExcessiveBreaks caps breaks that outlived the configured
// maximum: the break ends at start+cap and the day closes there.
// Scheduled every 5 minutes.
func (s *Attendance) CloseExcessiveBreaks(ctx context.Context) error {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.MaxBreak)

	overlong, err := s.breaks.OpenStartedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, b := range overlong {
		if err := s.closeExcessiveBreak(ctx, b.ID, b.AttendanceRecordID); err != nil {
			s.log.Error("excessive-break close failed",
				"break_id", b.ID, "record_id", b.AttendanceRecordID, "error", err)
		}
	}
	return nil
}

func (s *Attendance) closeExcessiveBreak(ctx context.Context, breakID, recordID uuid.UUID) error {
	var userID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		if rec == nil || rec.CheckOutTime != nil {
			return nil
		}
		// Re-read under the lock: a racing end-break may have closed it.
		b, err := s.breaks.WithTx(tx).OpenForUpdate(ctx, rec.ID)
		if err != nil {
			return err
		}
		if b == nil || b.ID != breakID {
			return nil
		}

		breakEnd := b.BreakStartTime.Add(s.cfg.MaxBreak)
		if err := s.breaks.WithTx(tx).Close(ctx, b, breakEnd, nil); err != nil {
			return err
		}
		if err := s.closeOut(ctx, tx, rec, breakEnd, CheckOutOpts{Reason: "auto check-out: break exceeded cap"}); err != nil {
			return err
		}
		userID = rec.UserID
		return nil
	})
	if err != nil {
		return err
	}
	if userID != uuid.Nil {
		s.clearCache(ctx, userID)
	}
	return nil
}

// CloseExcessiveIdle closes records that sat in IDLE past the cap: the
// day ends cap seconds after the idle stretch began. Scheduled every
// 5 minutes.
func (s *Attendance) CloseExcessiveIdle(ctx context.Context) error {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.MaxIdle)

	stale, err := s.records.IdleLongerThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, rec := range stale {
		if err := s.closeExcessiveIdleRecord(ctx, rec.ID, cutoff); err != nil {
			s.log.Error("excessive-idle close failed", "record_id", rec.ID, "error", err)
		}
	}
	return nil
}

func (s *Attendance) closeExcessiveIdleRecord(ctx context.Context, recordID uuid.UUID, cutoff time.Time) error {
	var userID uuid.UUID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		// Re-check under the lock: a heartbeat may have woken the
		// record or another reconciler may have closed it.
		if rec == nil || rec.CheckOutTime != nil ||
			rec.CurrentState != model.StateIdle ||
			rec.LastStateChangeAt == nil || !rec.LastStateChangeAt.Before(cutoff) {
			return nil
		}

		checkoutAt := rec.LastStateChangeAt.Add(s.cfg.MaxIdle)
		if err := s.closeOut(ctx, tx, rec, checkoutAt, CheckOutOpts{Reason: "auto check-out: idle exceeded cap"}); err != nil {
			return err
		}
		userID = rec.UserID
		return nil
	})
	if err != nil {
		return err
	}
	if userID != uuid.Nil {
		s.clearCache(ctx, userID)
	}
	return nil
}

// DetectGaps inspects every tracked record's last heartbeat. A record
// silent beyond the auto-checkout gap is closed shortly after its last
// heartbeat; one silent beyond the idle threshold is demoted to IDLE.
// Records without a cached heartbeat are skipped: right after startup
// the cache is cold and silence proves nothing. Scheduled every
// minute.
func (s *Attendance) DetectGaps(ctx context.Context) error {
	now := s.clock.Now()
	today := clock.DateOf(now, s.loc)

	recs, err := s.records.TrackedOn(ctx, today)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.detectGapForRecord(ctx, rec, now); err != nil {
			s.log.Error("gap detection failed", "record_id", rec.ID, "error", err)
		}
	}
	return nil
}

func (s *Attendance) detectGapForRecord(ctx context.Context, rec *model.AttendanceRecord, now time.Time) error {
	act, err := s.cache.GetActivity(ctx, rec.UserID)
	if err != nil {
		s.log.Warn("cache activity read failed, skipping record",
			"record_id", rec.ID, "error", err)
		return nil
	}
	if act == nil || act.LastHeartbeatTs.IsZero() {
		return nil
	}

	silence := now.Sub(act.LastHeartbeatTs)
	switch {
	case silence > s.cfg.AutoCheckoutGap:
		at := act.LastHeartbeatTs.Add(s.cfg.GapCheckoutSlack)
		if err := s.closeSilentRecord(ctx, rec.ID, at); err != nil {
			return err
		}
		s.clearCache(ctx, rec.UserID)
		s.log.Info("closed record after heartbeat silence",
			"record_id", rec.ID, "last_heartbeat", act.LastHeartbeatTs)
		return nil

	case silence > s.cfg.IdleThreshold && rec.CurrentState == model.StateWorking:
		at := act.LastHeartbeatTs.Add(s.cfg.IdleThreshold)
		return s.demoteToIdle(ctx, rec.ID, at)
	}
	return nil
}

func (s *Attendance) closeSilentRecord(ctx context.Context, recordID uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		if rec == nil || rec.CheckOutTime != nil {
			return nil
		}
		return s.closeOut(ctx, tx, rec, at, CheckOutOpts{Reason: "auto check-out: agent went silent"})
	})
}

func (s *Attendance) demoteToIdle(ctx context.Context, recordID uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		// A heartbeat holding the lock first may have already moved
		// the record; only demote one still WORKING.
		if rec == nil || rec.CheckOutTime != nil || rec.CurrentState != model.StateWorking {
			return nil
		}
		applied, err := s.engine.ApplyTransition(tx, rec, model.StateIdle, at)
		if err != nil {
			return err
		}
		if applied {
			if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentIdle, at); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseEndOfDay closes every record of today that never checked out.
// A WORKING record whose last sample is stale at the cutoff first
// drops to IDLE at that sample, so the unexplained tail is not billed
// as WORKING. Scheduled daily at 23:59 server-local.
func (s *Attendance) CloseEndOfDay(ctx context.Context) error {
	date := clock.DateOf(s.clock.Now(), s.loc)
	return s.closeDay(ctx, date)
}

// BackfillOpenDays runs the end-of-day closer against every past-day
// record left open, each at its own end-of-day. Runs at process start.
func (s *Attendance) BackfillOpenDays(ctx context.Context) error {
	today := clock.DateOf(s.clock.Now(), s.loc)

	recs, err := s.records.OpenBefore(ctx, today)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		eod, err := clock.EndOfDay(rec.Date, s.loc)
		if err != nil {
			s.log.Error("backfill skipped record with bad date",
				"record_id", rec.ID, "date", rec.Date, "error", err)
			continue
		}
		if err := s.closeDayRecord(ctx, rec.ID, eod); err != nil {
			s.log.Error("backfill close failed", "record_id", rec.ID, "error", err)
			continue
		}
		s.clearCache(ctx, rec.UserID)
	}
	if len(recs) > 0 {
		s.log.Info("backfilled open records", "count", len(recs))
	}
	return nil
}

func (s *Attendance) closeDay(ctx context.Context, date string) error {
	eod, err := clock.EndOfDay(date, s.loc)
	if err != nil {
		return err
	}
	recs, err := s.records.OpenForDate(ctx, date)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := s.closeDayRecord(ctx, rec.ID, eod); err != nil {
			s.log.Error("end-of-day close failed", "record_id", rec.ID, "error", err)
			continue
		}
		s.clearCache(ctx, rec.UserID)
	}
	return nil
}

func (s *Attendance) closeDayRecord(ctx context.Context, recordID uuid.UUID, eod time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.records.WithTx(tx).GetByIDForUpdate(ctx, recordID)
		if err != nil {
			return err
		}
		if rec == nil || rec.CheckOutTime != nil {
			return nil
		}

		if rec.CurrentState == model.StateWorking {
			last, err := s.samples.WithTx(tx).Latest(ctx, rec.ID)
			if err != nil {
				return err
			}
			idleFrom := time.Time{}
			if last != nil {
				idleFrom = last.Timestamp
			} else if rec.LastStateChangeAt != nil {
				idleFrom = *rec.LastStateChangeAt
			}
			if !idleFrom.IsZero() && eod.Sub(idleFrom) > s.cfg.EndOfDayStale {
				applied, err := s.engine.ApplyTransition(tx, rec, model.StateIdle, idleFrom)
				if err != nil {
					return err
				}
				if applied {
					if err := s.segments.WithTx(tx).Rotate(ctx, rec.ID, model.SegmentIdle, idleFrom); err != nil {
						return err
					}
				}
			}
		}

		return s.closeOut(ctx, tx, rec, eod, CheckOutOpts{Reason: "auto check-out: end of day"})
	})
}

// CreateDailyRecords pre-creates one empty attendance row per active
// user for today. Scheduled daily at midnight server-local.
func (s *Attendance) CreateDailyRecords(ctx context.Context) error {
	date := clock.DateOf(s.clock.Now(), s.loc)

	users, err := s.users.Active(ctx)
	if err != nil {
		return err
	}
	created := 0
	for _, u := range users {
		if err := s.records.EnsureForDate(ctx, u.ID, date); err != nil {
			s.log.Error("daily attendance row failed", "user_id", u.ID, "error", err)
			continue
		}
		created++
	}
	s.log.Info("daily attendance rows ensured", "date", date, "users", created)
	return nil
}
