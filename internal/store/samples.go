package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"worktrack/internal/model"
)

// SampleStore writes raw heartbeat telemetry rows.
type SampleStore struct {
	db *gorm.DB
}

func NewSampleStore(db *gorm.DB) *SampleStore {
	return &SampleStore{db: db}
}

func (s *SampleStore) WithTx(tx *gorm.DB) *SampleStore {
	return &SampleStore{db: tx}
}

// Create inserts one raw sample.
func (s *SampleStore) Create(ctx context.Context, sample *model.InputSample) error {
	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		return fmt.Errorf("create input sample: %w", err)
	}
	return nil
}

// Latest returns the most recent sample for a record, or nil if the
// record never produced one.
func (s *SampleStore) Latest(ctx context.Context, recordID uuid.UUID) (*model.InputSample, error) {
	var sample model.InputSample
	err := s.db.WithContext(ctx).
		Where("attendance_record_id = ?", recordID).
		Order("timestamp DESC").
		First(&sample).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest sample: %w", err)
	}
	return &sample, nil
}
