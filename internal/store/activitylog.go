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

// ActivityLogStore writes the open/close audit segments. Segments are
// audit-only; nothing ever sums them back into totals.
type ActivityLogStore struct {
	db *gorm.DB
}

func NewActivityLogStore(db *gorm.DB) *ActivityLogStore {
	return &ActivityLogStore{db: db}
}

func (s *ActivityLogStore) WithTx(tx *gorm.DB) *ActivityLogStore {
	return &ActivityLogStore{db: tx}
}

// OpenSegment starts a new audit segment of the given type.
func (s *ActivityLogStore) OpenSegment(ctx context.Context, recordID uuid.UUID, typ model.SegmentType, at time.Time) error {
	seg := model.ActivityLog{
		AttendanceRecordID: recordID,
		Type:               typ,
		StartTime:          at,
	}
	if err := s.db.WithContext(ctx).Create(&seg).Error; err != nil {
		return fmt.Errorf("open audit segment: %w", err)
	}
	return nil
}

// CloseOpen ends the record's open segment at the given time, if one
// exists. Closing an already closed trail is a no-op.
func (s *ActivityLogStore) CloseOpen(ctx context.Context, recordID uuid.UUID, at time.Time) error {
	var seg model.ActivityLog
	err := s.db.WithContext(ctx).
		Where("attendance_record_id = ? AND end_time IS NULL", recordID).
		First(&seg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find open audit segment: %w", err)
	}
	d := int64(at.Sub(seg.StartTime).Round(time.Second).Seconds())
	if d < 0 {
		d = 0
	}
	err = s.db.WithContext(ctx).Model(&seg).Updates(map[string]any{
		"end_time": at,
		"duration": d,
	}).Error
	if err != nil {
		return fmt.Errorf("close audit segment: %w", err)
	}
	return nil
}

// Rotate closes the open segment and opens a new one of the given type
// at the same instant.
func (s *ActivityLogStore) Rotate(ctx context.Context, recordID uuid.UUID, typ model.SegmentType, at time.Time) error {
	if err := s.CloseOpen(ctx, recordID, at); err != nil {
		return err
	}
	return s.OpenSegment(ctx, recordID, typ, at)
}
