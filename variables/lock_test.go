package variables

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerSerialises(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "p-1", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			assert.NoError(t, unlock(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
	assert.Empty(t, locker.entries, "entries are released once unused")
}

func TestMemoryLockerContextCancel(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "p-1", time.Second)
	require.NoError(t, err)

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(timeout, "p-1", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// independent keys do not contend
	other, err := locker.Lock(ctx, "p-2", time.Second)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "unlock is idempotent")

	again, err := locker.Lock(ctx, "p-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLockerLockUnlock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker := NewRedisLocker(client, "coach:", 10*time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "p-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("coach:lock:p-1"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("coach:lock:p-1"))
}

func TestRedisLockerContention(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	first := NewRedisLocker(client, "coach:", 10*time.Millisecond)
	second := NewRedisLocker(client, "coach:", 10*time.Millisecond)
	ctx := context.Background()

	unlock1, err := first.Lock(ctx, "p-1", 5*time.Second)
	require.NoError(t, err)

	timeout, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = second.Lock(timeout, "p-1", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock1(ctx))

	unlock2, err := second.Lock(ctx, "p-1", 5*time.Second)
	require.NoError(t, err)
	defer unlock2(ctx)

	// a stale unlock from the first holder must not release the second
	require.NoError(t, unlock1(ctx))
	assert.True(t, mr.Exists("coach:lock:p-1"))
}

func TestRedisLockerExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	locker := NewRedisLocker(client, "coach:", 10*time.Millisecond)
	ctx := context.Background()

	_, err = locker.Lock(ctx, "p-1", time.Second)
	require.NoError(t, err)

	// holder crashed, ttl frees the key
	mr.FastForward(2 * time.Second)

	unlock, err := locker.Lock(ctx, "p-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}
