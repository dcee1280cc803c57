package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"worktrack/internal/model"
)

// Redis backs the activity cache with a shared Redis instance.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func activityKey(id uuid.UUID) string   { return "user:" + id.String() + ":last_activity" }
func stateKey(id uuid.UUID) string      { return "user:" + id.String() + ":current_state" }
func attendanceKey(id uuid.UUID) string { return "user:" + id.String() + ":attendance" }

func (r *Redis) GetActivity(ctx context.Context, userID uuid.UUID) (*Activity, error) {
	raw, err := r.client.Get(ctx, activityKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last activity: %w", err)
	}
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		// A corrupt entry is a miss, not a failure.
		return nil, nil
	}
	return &a, nil
}

func (r *Redis) SetActivity(ctx context.Context, userID uuid.UUID, a Activity) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal last activity: %w", err)
	}
	if err := r.client.Set(ctx, activityKey(userID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set last activity: %w", err)
	}
	return nil
}

func (r *Redis) SetState(ctx context.Context, userID uuid.UUID, state model.State) error {
	if err := r.client.Set(ctx, stateKey(userID), string(state), r.ttl).Err(); err != nil {
		return fmt.Errorf("set current state: %w", err)
	}
	return nil
}

func (r *Redis) SetAttendance(ctx context.Context, userID uuid.UUID, rec *model.AttendanceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal attendance snapshot: %w", err)
	}
	if err := r.client.Set(ctx, attendanceKey(userID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("set attendance snapshot: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, userID uuid.UUID) error {
	err := r.client.Del(ctx, activityKey(userID), stateKey(userID), attendanceKey(userID)).Err()
	if err != nil {
		return fmt.Errorf("clear user cache: %w", err)
	}
	return nil
}
