// Package cache is the best-effort activity cache on the hot heartbeat
// path. The store is the single source of truth: every caller treats a
// miss or an error as "unknown" and falls back to store-derived values.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"worktrack/internal/model"
)

// Activity is the last observed agent activity for a user.
type Activity struct {
	LastInputTs     time.Time `json:"last_input_ts"`
	LastHeartbeatTs time.Time `json:"last_heartbeat_ts"`
}

// ActivityCache holds per-user activity hints. All writes are
// best-effort; GetActivity returns (nil, nil) on a miss.
type ActivityCache interface {
	GetActivity(ctx context.Context, userID uuid.UUID) (*Activity, error)
	SetActivity(ctx context.Context, userID uuid.UUID, a Activity) error
	SetState(ctx context.Context, userID uuid.UUID, state model.State) error
	SetAttendance(ctx context.Context, userID uuid.UUID, rec *model.AttendanceRecord) error
	// Clear drops every key for the user, typically on check-out.
	Clear(ctx context.Context, userID uuid.UUID) error
}

// Noop satisfies ActivityCache when no cache is configured. Every read
// is a miss and every write succeeds silently.
type Noop struct{}

func (Noop) GetActivity(context.Context, uuid.UUID) (*Activity, error)            { return nil, nil }
func (Noop) SetActivity(context.Context, uuid.UUID, Activity) error               { return nil }
func (Noop) SetState(context.Context, uuid.UUID, model.State) error               { return nil }
func (Noop) SetAttendance(context.Context, uuid.UUID, *model.AttendanceRecord) error { return nil }
func (Noop) Clear(context.Context, uuid.UUID) error                               { return nil }
