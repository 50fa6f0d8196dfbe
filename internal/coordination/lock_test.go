package coordination

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLockAcquireAndRelease(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	lock := NewLock(client, "groups:t1:g1", slog.Default())
	require.NoError(t, lock.Acquire(ctx, 0))

	held, err := lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, lock.Release())
	held, err = lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLockSingleAttemptFailsWhenBusy(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	first := NewLock(client, "shared", slog.Default())
	require.NoError(t, first.Acquire(ctx, 0))
	defer first.Release()

	second := NewLock(client, "shared", slog.Default())
	assert.ErrorIs(t, second.Acquire(ctx, 0), ErrBusyLock)
}

func TestLockTimesOutWhileContended(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	first := NewLock(client, "shared", slog.Default())
	require.NoError(t, first.Acquire(ctx, 0))
	defer first.Release()

	second := NewLock(client, "shared", slog.Default())
	start := time.Now()
	err := second.Acquire(ctx, 250*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestLockWinsAfterHolderReleases(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	first := NewLock(client, "shared", slog.Default())
	require.NoError(t, first.Acquire(ctx, 0))

	second := NewLock(client, "shared", slog.Default())
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = first.Release()
	}()
	require.NoError(t, second.Acquire(ctx, 2*time.Second))
	defer second.Release()

	held, err := second.IsHeld(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLockDetectsExpiredClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	lock := NewLock(client, "fragile", slog.Default())
	require.NoError(t, lock.Acquire(ctx, 0))

	// The claim expires without a heartbeat getting there in time.
	mr.FastForward(claimTTL + time.Second)

	held, err := lock.IsHeld(ctx)
	require.NoError(t, err)
	assert.False(t, held, "an expired claim is no longer held")
	require.NoError(t, lock.Release())
}

func TestLockReleaseIsIdempotent(t *testing.T) {
	client := testRedis(t)

	lock := NewLock(client, "idem", slog.Default())
	require.NoError(t, lock.Acquire(context.Background(), 0))
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestLockReleaseDoesNotStealNewClaim(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()

	first := NewLock(client, "shared", slog.Default())
	require.NoError(t, first.Acquire(ctx, 0))

	// Simulate the claim expiring and another node taking over.
	require.NoError(t, client.Set(ctx, "otter:locks:shared", "someone-else", 0).Err())
	require.NoError(t, first.Release())

	val, err := client.Get(ctx, "otter:locks:shared").Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val, "release must only delete our own claim")
}
