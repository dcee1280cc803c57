package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"worktrack/internal/model"
)

// BreakStore reads and writes lunch break audit rows.
type BreakStore struct {
	db *gorm.DB
}

func NewBreakStore(db *gorm.DB) *BreakStore {
	return &BreakStore{db: db}
}

func (s *BreakStore) WithTx(tx *gorm.DB) *BreakStore {
	return &BreakStore{db: tx}
}

// Open returns the record's open break, or nil if none.
func (s *BreakStore) Open(ctx context.Context, recordID uuid.UUID) (*model.LunchBreak, error) {
	var b model.LunchBreak
	err := s.db.WithContext(ctx).
		Where("attendance_record_id = ? AND break_end_time IS NULL", recordID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open break: %w", err)
	}
	return &b, nil
}

// OpenForUpdate is Open with a row lock.
func (s *BreakStore) OpenForUpdate(ctx context.Context, recordID uuid.UUID) (*model.LunchBreak, error) {
	var b model.LunchBreak
	err := forUpdate(s.db.WithContext(ctx)).
		Where("attendance_record_id = ? AND break_end_time IS NULL", recordID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open break for update: %w", err)
	}
	return &b, nil
}

// Create inserts a new break row.
func (s *BreakStore) Create(ctx context.Context, b *model.LunchBreak) error {
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("create break: %w", err)
	}
	return nil
}

// Close ends the break at the given time. The duration is derived from
// the stored start; a close before the start yields zero.
func (s *BreakStore) Close(ctx context.Context, b *model.LunchBreak, at time.Time, endLocation []byte) error {
	d := int64(at.Sub(b.BreakStartTime).Round(time.Second).Seconds())
	if d < 0 {
		d = 0
	}
	updates := map[string]any{
		"break_end_time": at,
		"duration":       d,
	}
	if endLocation != nil {
		updates["end_location"] = endLocation
	}
	if err := s.db.WithContext(ctx).Model(b).Updates(updates).Error; err != nil {
		return fmt.Errorf("close break: %w", err)
	}
	b.BreakEndTime = &at
	b.Duration = d
	return nil
}

// OpenStartedBefore returns every open break that started before the
// cutoff. Feed for the excessive-break closer.
func (s *BreakStore) OpenStartedBefore(ctx context.Context, cutoff time.Time) ([]*model.LunchBreak, error) {
	var breaks []*model.LunchBreak
	err := s.db.WithContext(ctx).
		Where("break_end_time IS NULL AND break_start_time < ?", cutoff).
		Find(&breaks).Error
	if err != nil {
		return nil, fmt.Errorf("find overlong breaks: %w", err)
	}
	return breaks, nil
}
