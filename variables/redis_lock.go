package variables

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while it still carries our token
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker across processes using SET NX PX
type RedisLocker struct {
	client backend.UniversalClient
	prefix string
	retry  time.Duration
}

// NewRedisLocker creates a Redis locker; keys are stored as prefix+"lock:"+key
func NewRedisLocker(client backend.UniversalClient, prefix string, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		retry:  retry,
	}
}

// Lock polls until the key is set or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrLockAcquire, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
