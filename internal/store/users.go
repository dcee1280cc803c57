package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"worktrack/internal/model"
)

// UserStore reads the user identities the core tracks.
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// Active returns every active user.
func (s *UserStore) Active(ctx context.Context) ([]*model.User, error) {
	var users []*model.User
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("find active users: %w", err)
	}
	return users, nil
}

// GetByID returns the user, or nil if unknown.
func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// Create inserts a user.
func (s *UserStore) Create(ctx context.Context, u *model.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}
