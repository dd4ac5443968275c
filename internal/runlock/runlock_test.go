package runlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestKey(t *testing.T) {
	assert.Equal(t, "osmose:lock:patches:KZ", Key("KZ"))
}

func TestAcquireRelease(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	l, err := Acquire(ctx, rdb, Key("KZ"), time.Minute)
	require.NoError(t, err)
	got, err := mr.Get(Key("KZ"))
	require.NoError(t, err)
	assert.Equal(t, l.Token(), got)

	require.NoError(t, l.Release(ctx))
	assert.False(t, mr.Exists(Key("KZ")))
}

func TestAcquire_Contention(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	first, err := Acquire(ctx, rdb, Key("KZ"), time.Minute)
	require.NoError(t, err)

	_, err = Acquire(ctx, rdb, Key("KZ"), time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	other, err := Acquire(ctx, rdb, Key("UZ"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := Acquire(ctx, rdb, Key("KZ"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRelease_AfterExpiryDoesNotDeleteOthersLock(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	stale, err := Acquire(ctx, rdb, Key("KZ"), time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := Acquire(ctx, rdb, Key("KZ"), time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), ErrLockNotHeld)
	got, _ := mr.Get(Key("KZ"))
	assert.Equal(t, fresh.Token(), got)
}

func TestExtend(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()

	l, err := Acquire(ctx, rdb, Key("KZ"), 10*time.Second)
	require.NoError(t, err)
	mr.FastForward(8 * time.Second)

	ok, err := l.Extend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, mr.TTL(Key("KZ")), 5*time.Second)

	mr.FastForward(11 * time.Second)
	ok, err = l.Extend(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeepAliveStopsOnRelease(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	l, err := Acquire(ctx, rdb, Key("KZ"), time.Minute)
	require.NoError(t, err)
	l.KeepAlive(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, l.Release(ctx))
	assert.Nil(t, l.cancel)
}
