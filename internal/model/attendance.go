package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// State is the attendance state a checked-in user is currently in.
// An empty State means the record has no open state: either the user
// has not checked in yet or has already checked out.
type State string

const (
	StateWorking State = "WORKING"
	StateIdle    State = "IDLE"
	StateLunch   State = "LUNCH"
)

// Valid reports whether s is one of the three open states.
func (s State) Valid() bool {
	return s == StateWorking || s == StateIdle || s == StateLunch
}

// User is the identity the core tracks attendance for. Only the id,
// the active flag and a display handle matter here; everything else
// about a user lives outside the core.
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Active    bool      `gorm:"not null;index" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// AttendanceRecord is the per-user per-day container for the three
// state counters and the check-in/out bookkeeping. At most one row
// exists per (user, date); Date is the calendar date in the server
// timezone, formatted as time.DateOnly.
type AttendanceRecord struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_attendance_user_date" json:"user_id"`
	Date   string    `gorm:"not null;uniqueIndex:idx_attendance_user_date;index:idx_attendance_date_out,priority:1" json:"date"`

	CheckInTime  *time.Time `json:"check_in_time"`
	CheckOutTime *time.Time `gorm:"index:idx_attendance_date_out,priority:2" json:"check_out_time"`

	// CurrentState and LastStateChangeAt are set together or not at
	// all: empty state iff nil timestamp.
	CurrentState      State      `gorm:"index:idx_attendance_state_change,priority:1" json:"current_state"`
	LastStateChangeAt *time.Time `gorm:"index:idx_attendance_state_change,priority:2" json:"last_state_change_at"`

	// Counters partition the credited wall clock between check-in and
	// check-out. Non-negative, monotonically non-decreasing until
	// check-out, frozen afterwards.
	ActiveSeconds int64 `gorm:"not null;default:0" json:"active_seconds"`
	IdleSeconds   int64 `gorm:"not null;default:0" json:"idle_seconds"`
	LunchSeconds  int64 `gorm:"not null;default:0" json:"lunch_seconds"`

	// Legacy mirror totals, written once at close from the counters.
	TotalWorkDuration   int64 `gorm:"not null;default:0" json:"total_work_duration"`
	TotalActiveDuration int64 `gorm:"not null;default:0" json:"total_active_duration"`
	TotalIdleDuration   int64 `gorm:"not null;default:0" json:"total_idle_duration"`
	TotalBreakDuration  int64 `gorm:"not null;default:0" json:"total_break_duration"`

	CheckInIP        string         `json:"check_in_ip,omitempty"`
	CheckOutIP       string         `json:"check_out_ip,omitempty"`
	CheckInLocation  datatypes.JSON `json:"check_in_location,omitempty"`
	CheckOutLocation datatypes.JSON `json:"check_out_location,omitempty"`
	Notes            string         `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *AttendanceRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// CheckedIn reports whether the record has an open workday.
func (r *AttendanceRecord) CheckedIn() bool {
	return r.CheckInTime != nil && r.CheckOutTime == nil
}

// LunchBreak is the audit row for one explicit break on a record.
// At most one row per record has a nil BreakEndTime.
type LunchBreak struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AttendanceRecordID uuid.UUID      `gorm:"type:uuid;not null;index" json:"attendance_record_id"`
	BreakStartTime     time.Time      `gorm:"not null" json:"break_start_time"`
	BreakEndTime       *time.Time     `json:"break_end_time"`
	Duration           int64          `gorm:"not null;default:0" json:"duration"`
	StartLocation      datatypes.JSON `json:"start_location,omitempty"`
	EndLocation        datatypes.JSON `json:"end_location,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (b *LunchBreak) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// InputSample is one raw heartbeat as received from the agent. Kept
// for metrics; never authoritative for state.
type InputSample struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AttendanceRecordID uuid.UUID `gorm:"type:uuid;not null;index:idx_sample_record_ts,priority:1" json:"attendance_record_id"`
	Timestamp          time.Time `gorm:"not null;index:idx_sample_record_ts,priority:2" json:"timestamp"`
	ActiveWindow       string    `json:"active_window,omitempty"`
	ActiveApplication  string    `json:"active_application,omitempty"`
	URL                string    `json:"url,omitempty"`
	MouseClicks        int       `gorm:"not null;default:0" json:"mouse_clicks"`
	KeyboardStrokes    int       `gorm:"not null;default:0" json:"keyboard_strokes"`
	IsActive           bool      `gorm:"not null;default:false" json:"is_active"`
	IdleTimeSeconds    int64     `gorm:"not null;default:0" json:"idle_time_seconds"`
	CreatedAt          time.Time `json:"created_at"`
}

func (s *InputSample) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// SegmentType classifies an audit segment.
type SegmentType string

const (
	SegmentActive     SegmentType = "active"
	SegmentIdle       SegmentType = "idle"
	SegmentLunchBreak SegmentType = "lunch_break"
)

// SegmentTypeFor maps an attendance state to its audit segment type.
func SegmentTypeFor(s State) SegmentType {
	switch s {
	case StateIdle:
		return SegmentIdle
	case StateLunch:
		return SegmentLunchBreak
	default:
		return SegmentActive
	}
}

// ActivityLog is an open/close audit segment. One segment is open at a
// time per record. Segments are for audit and UI only; totals come
// from the record counters, never from summing segments.
type ActivityLog struct {
	ID                 uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	AttendanceRecordID uuid.UUID   `gorm:"type:uuid;not null;index" json:"attendance_record_id"`
	Type               SegmentType `gorm:"not null" json:"type"`
	StartTime          time.Time   `gorm:"not null" json:"start_time"`
	EndTime            *time.Time  `json:"end_time"`
	Duration           int64       `gorm:"not null;default:0" json:"duration"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (l *ActivityLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
