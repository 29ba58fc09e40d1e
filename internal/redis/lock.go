package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotAcquired means another request currently holds the slot.
var ErrLockNotAcquired = errors.New("slot lock not acquired")

// Locker guards the booking critical section for one (doctor, schedule) slot.
// It only sheds contention early; the database transaction remains the
// source of truth for whether a slot is booked.
type Locker interface {
	WithSlotLock(ctx context.Context, doctorID, scheduleID uuid.UUID, fn func(ctx context.Context) error) error
}

// lockMargin is kept between the work deadline and the key expiry so fn is
// cancelled before another request can take the slot.
const lockMargin = 250 * time.Millisecond

// RedisSlotLocker holds a token-owned SETNX key per slot for the duration of fn.
type RedisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisSlotLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisSlotLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 2*lockMargin {
		ttl = 2 * lockMargin
	}
	return &RedisSlotLocker{client: client, ttl: ttl, logger: logger}
}

// SlotLockKey is the Redis key holding the lock token for a slot.
func SlotLockKey(doctorID, scheduleID uuid.UUID) string {
	return fmt.Sprintf("lock:slot:%s:%s", doctorID, scheduleID)
}

// WithSlotLock runs fn while holding the slot key. fn's context expires
// shortly before the key does. When Redis cannot be reached fn runs without
// the key and the database row lock alone serializes the booking.
func (l *RedisSlotLocker) WithSlotLock(ctx context.Context, doctorID, scheduleID uuid.UUID, fn func(ctx context.Context) error) error {
	key := SlotLockKey(doctorID, scheduleID)
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	switch {
	case err != nil && ctx.Err() != nil:
		return fmt.Errorf("acquire slot lock: %w", ctx.Err())
	case err != nil:
		l.logger.Warn("slot lock unavailable; relying on database row lock",
			zap.String("key", key),
			zap.Error(err))
		return fn(ctx)
	case !acquired:
		return ErrLockNotAcquired
	}
	start := time.Now()

	defer func() {
		// fresh context: a cancelled request must still free the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		released, err := l.release(releaseCtx, key, token)
		switch {
		case err != nil:
			l.logger.Warn("slot lock release failed", zap.String("key", key), zap.Error(err))
		case !released:
			l.logger.Warn("slot lock expired before release",
				zap.String("key", key),
				zap.Duration("held", time.Since(start)),
				zap.Duration("ttl", l.ttl))
		}
	}()

	workCtx, cancel := context.WithTimeout(ctx, l.ttl-lockMargin)
	defer cancel()
	return fn(workCtx)
}

// compare-and-delete so an expired holder never frees a successor's key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisSlotLocker) release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("release slot lock: %w", err)
	}
	return n == 1, nil
}

// NoopLocker runs fn directly. Used when Redis is not configured; the
// database row lock still serializes bookings.
type NoopLocker struct{}

func (NoopLocker) WithSlotLock(ctx context.Context, _, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
