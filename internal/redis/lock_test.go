package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLocker(t *testing.T) (*miniredis.Miniredis, *RedisSlotLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisSlotLocker(client, 5*time.Second, nil)
}

func TestWithSlotLockReleasesAfterRun(t *testing.T) {
	mr, locker := newTestLocker(t)
	doctorID, scheduleID := uuid.New(), uuid.New()
	key := SlotLockKey(doctorID, scheduleID)

	ran := false
	err := locker.WithSlotLock(context.Background(), doctorID, scheduleID, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(key), "lock key should exist while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(key), "lock key should be released")
}

func TestWithSlotLockRejectsContention(t *testing.T) {
	_, locker := newTestLocker(t)
	doctorID, scheduleID := uuid.New(), uuid.New()

	err := locker.WithSlotLock(context.Background(), doctorID, scheduleID, func(ctx context.Context) error {
		inner := locker.WithSlotLock(ctx, doctorID, scheduleID, func(context.Context) error {
			t.Fatal("inner critical section must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithSlotLockPropagatesErrorAndReleases(t *testing.T) {
	mr, locker := newTestLocker(t)
	doctorID, scheduleID := uuid.New(), uuid.New()
	boom := errors.New("boom")

	err := locker.WithSlotLock(context.Background(), doctorID, scheduleID, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(SlotLockKey(doctorID, scheduleID)))
}

func TestReleaseDoesNotDeleteForeignToken(t *testing.T) {
	mr, locker := newTestLocker(t)
	doctorID, scheduleID := uuid.New(), uuid.New()
	key := SlotLockKey(doctorID, scheduleID)

	err := locker.WithSlotLock(context.Background(), doctorID, scheduleID, func(context.Context) error {
		// simulate the TTL lapsing and another holder taking over
		require.NoError(t, mr.Set(key, "someone-else"))
		return nil
	})
	require.NoError(t, err)

	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestWithSlotLockDeadlineBeforeExpiry(t *testing.T) {
	_, locker := newTestLocker(t)

	err := locker.WithSlotLock(context.Background(), uuid.New(), uuid.New(), func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(5*time.Second-lockMargin), deadline, time.Second)
		return nil
	})
	require.NoError(t, err)
}

func TestNewRedisSlotLockerClampsTTL(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisSlotLocker(client, 0, nil)
	assert.Equal(t, 2*lockMargin, locker.ttl)
}

func TestNoopLockerRunsFn(t *testing.T) {
	called := false
	err := NoopLocker{}.WithSlotLock(context.Background(), uuid.New(), uuid.New(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithSlotLockFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zap.WarnLevel)
	locker := NewRedisSlotLocker(client, 5*time.Second, zap.New(core))
	mr.Close()

	ran := false
	err := locker.WithSlotLock(context.Background(), uuid.New(), uuid.New(), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "booking proceeds on the database lock alone")
	assert.Equal(t, 1, logs.FilterMessage("slot lock unavailable; relying on database row lock").Len())

	boom := errors.New("boom")
	err = locker.WithSlotLock(context.Background(), uuid.New(), uuid.New(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWithSlotLockCancelledContextSkipsWork(t *testing.T) {
	_, locker := newTestLocker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := locker.WithSlotLock(ctx, uuid.New(), uuid.New(), func(context.Context) error {
		t.Fatal("fn must not run for a cancelled request")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
