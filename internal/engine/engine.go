// Package engine holds the attendance state machine primitives. Every
// transition in the system, whether driven by a heartbeat, a user
// command or a reconciler, passes through ApplyTransition or Finalize,
// so the crediting rules live in exactly one place.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"worktrack/internal/model"
)

// Engine applies state transitions to row-locked attendance records
// inside the caller's transaction.
type Engine struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log}
}

// counterColumn maps a state to the counter it accrues into. An
// unknown non-empty state is credited as idle.
func (e *Engine) counterColumn(rec *model.AttendanceRecord, s model.State) string {
	switch s {
	case model.StateWorking:
		return "active_seconds"
	case model.StateIdle:
		return "idle_seconds"
	case model.StateLunch:
		return "lunch_seconds"
	default:
		e.log.Warn("unknown attendance state, crediting idle",
			"record_id", rec.ID, "state", string(s))
		return "idle_seconds"
	}
}

// seconds converts a duration to whole credited seconds.
func seconds(d time.Duration) int64 {
	return int64(d.Round(time.Second) / time.Second)
}

// ApplyTransition credits the time since the last state change to the
// previous state's counter and moves the record to newState at `at`.
// A record with no open state is initialised: no credit, state set.
// A transition dated before the last state change is rejected: the
// record is left untouched and the skew is logged. Returns whether the
// record was updated. Must run on a transaction that already holds the
// record's row lock.
func (e *Engine) ApplyTransition(tx *gorm.DB, rec *model.AttendanceRecord, newState model.State, at time.Time) (bool, error) {
	if rec.CurrentState == "" || rec.LastStateChangeAt == nil {
		err := tx.Model(rec).Updates(map[string]any{
			"current_state":        newState,
			"last_state_change_at": at,
		}).Error
		if err != nil {
			return false, fmt.Errorf("initialise state: %w", err)
		}
		rec.CurrentState = newState
		t := at
		rec.LastStateChangeAt = &t
		return true, nil
	}

	delta := at.Sub(*rec.LastStateChangeAt)
	if delta < 0 {
		e.log.Warn("transition dated before last state change, dropped",
			"record_id", rec.ID,
			"at", at,
			"last_state_change_at", *rec.LastStateChangeAt)
		return false, nil
	}

	col := e.counterColumn(rec, rec.CurrentState)
	credit := seconds(delta)
	err := tx.Model(rec).Updates(map[string]any{
		col:                    gorm.Expr(col+" + ?", credit),
		"current_state":        newState,
		"last_state_change_at": at,
	}).Error
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}

	e.addCredit(rec, rec.CurrentState, credit)
	rec.CurrentState = newState
	t := at
	rec.LastStateChangeAt = &t
	return true, nil
}

// Finalize credits the open state's elapsed time like a transition and
// then clears the open state. Used by check-out and every reconciler.
// A finalize dated before the last state change clears the state
// without crediting, so a close always lands.
func (e *Engine) Finalize(tx *gorm.DB, rec *model.AttendanceRecord, at time.Time) error {
	updates := map[string]any{
		"current_state":        "",
		"last_state_change_at": nil,
	}

	if rec.CurrentState != "" && rec.LastStateChangeAt != nil {
		delta := at.Sub(*rec.LastStateChangeAt)
		if delta >= 0 {
			col := e.counterColumn(rec, rec.CurrentState)
			credit := seconds(delta)
			updates[col] = gorm.Expr(col+" + ?", credit)
			e.addCredit(rec, rec.CurrentState, credit)
		} else {
			e.log.Warn("finalize dated before last state change, credit dropped",
				"record_id", rec.ID,
				"at", at,
				"last_state_change_at", *rec.LastStateChangeAt)
		}
	}

	if err := tx.Model(rec).Updates(updates).Error; err != nil {
		return fmt.Errorf("finalize record: %w", err)
	}
	rec.CurrentState = ""
	rec.LastStateChangeAt = nil
	return nil
}

func (e *Engine) addCredit(rec *model.AttendanceRecord, s model.State, credit int64) {
	switch s {
	case model.StateWorking:
		rec.ActiveSeconds += credit
	case model.StateLunch:
		rec.LunchSeconds += credit
	default:
		rec.IdleSeconds += credit
	}
}

// CurrentDurationAt returns the open state's accrued-but-uncommitted
// duration at `now`, for live reads. Never mutates.
func CurrentDurationAt(rec *model.AttendanceRecord, now time.Time) time.Duration {
	if rec.CurrentState == "" || rec.LastStateChangeAt == nil {
		return 0
	}
	d := now.Sub(*rec.LastStateChangeAt)
	if d < 0 {
		return 0
	}
	return d
}

// ClampTotals trims (active, idle) so their sum does not exceed the
// budget, removing from idle before active and never going below zero.
// Idempotent: clamping a clamped pair is a no-op.
func ClampTotals(active, idle, budget int64) (int64, int64) {
	if budget < 0 {
		budget = 0
	}
	excess := active + idle - budget
	if excess <= 0 {
		return active, idle
	}
	if idle >= excess {
		return active, idle - excess
	}
	excess -= idle
	active -= excess
	if active < 0 {
		active = 0
	}
	return active, 0
}
