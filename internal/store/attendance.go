package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"worktrack/internal/model"
)

// AttendanceStore reads and writes attendance records. Methods that
// must run inside a caller's transaction are reached through WithTx.
type AttendanceStore struct {
	db *gorm.DB
}

func NewAttendanceStore(db *gorm.DB) *AttendanceStore {
	return &AttendanceStore{db: db}
}

// WithTx returns a view of the store bound to the given transaction.
func (s *AttendanceStore) WithTx(tx *gorm.DB) *AttendanceStore {
	return &AttendanceStore{db: tx}
}

// GetByUserAndDate returns the record for (user, date), or nil if none
// exists.
func (s *AttendanceStore) GetByUserAndDate(ctx context.Context, userID uuid.UUID, date string) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find attendance: %w", err)
	}
	return &rec, nil
}

// GetByUserAndDateForUpdate is GetByUserAndDate with a row lock held
// for the remainder of the transaction.
func (s *AttendanceStore) GetByUserAndDateForUpdate(ctx context.Context, userID uuid.UUID, date string) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := forUpdate(s.db.WithContext(ctx)).
		Where("user_id = ? AND date = ?", userID, date).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find attendance for update: %w", err)
	}
	return &rec, nil
}

// GetByIDForUpdate row-locks and returns the record, or nil if gone.
func (s *AttendanceStore) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := forUpdate(s.db.WithContext(ctx)).
		Where("id = ?", id).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find attendance by id: %w", err)
	}
	return &rec, nil
}

// Create inserts a new record.
func (s *AttendanceStore) Create(ctx context.Context, rec *model.AttendanceRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create attendance: %w", err)
	}
	return nil
}

// Update applies the given column updates to the record.
func (s *AttendanceStore) Update(ctx context.Context, rec *model.AttendanceRecord, updates map[string]any) error {
	if err := s.db.WithContext(ctx).Model(rec).Updates(updates).Error; err != nil {
		return fmt.Errorf("update attendance: %w", err)
	}
	return nil
}

// EnsureForDate inserts an empty record for (user, date) unless one
// already exists. Used by the daily attendance creator.
func (s *AttendanceStore) EnsureForDate(ctx context.Context, userID uuid.UUID, date string) error {
	rec := model.AttendanceRecord{UserID: userID, Date: date}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoNothing: true,
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("ensure attendance row: %w", err)
	}
	return nil
}

// OpenForDate returns records for the date that checked in but never
// checked out. Feed for the end-of-day closer.
func (s *AttendanceStore) OpenForDate(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	var recs []*model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("date = ? AND check_in_time IS NOT NULL AND check_out_time IS NULL", date).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find open attendance: %w", err)
	}
	return recs, nil
}

// OpenBefore returns checked-in, never closed records older than the
// given date. Feed for the startup backfill.
func (s *AttendanceStore) OpenBefore(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	var recs []*model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("date < ? AND check_in_time IS NOT NULL AND check_out_time IS NULL", date).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find stale open attendance: %w", err)
	}
	return recs, nil
}

// IdleLongerThan returns open records sitting in IDLE since before the
// cutoff. Feed for the excessive-idle closer.
func (s *AttendanceStore) IdleLongerThan(ctx context.Context, cutoff time.Time) ([]*model.AttendanceRecord, error) {
	var recs []*model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("current_state = ? AND last_state_change_at < ? AND check_out_time IS NULL", model.StateIdle, cutoff).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find idle attendance: %w", err)
	}
	return recs, nil
}

// TrackedOn returns checked-in records for the date whose state is
// WORKING or IDLE. Feed for the gap detector; LUNCH records are left
// to the break closer.
func (s *AttendanceStore) TrackedOn(ctx context.Context, date string) ([]*model.AttendanceRecord, error) {
	var recs []*model.AttendanceRecord
	err := s.db.WithContext(ctx).
		Where("date = ? AND check_out_time IS NULL AND current_state IN ?", date,
			[]model.State{model.StateWorking, model.StateIdle}).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find tracked attendance: %w", err)
	}
	return recs, nil
}

// HistoryRange returns a user's records between two dates inclusive,
// newest first. Empty bounds are open-ended.
func (s *AttendanceStore) HistoryRange(ctx context.Context, userID uuid.UUID, start, end string) ([]*model.AttendanceRecord, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if start != "" {
		q = q.Where("date >= ?", start)
	}
	if end != "" {
		q = q.Where("date <= ?", end)
	}
	var recs []*model.AttendanceRecord
	if err := q.Order("date DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("find attendance history: %w", err)
	}
	return recs, nil
}
