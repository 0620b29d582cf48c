package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"procgenie/backend/internal/logging"
)

const (
	redisKeyPrefix  = "workflow:lock:"
	redisRetryDelay = 50 * time.Millisecond
)

// Only the owner may delete its lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisLocker is a lease lock shared by every engine replica. A holder that
// dies loses the lock after ttl; the instance revision check catches a
// holder that outlives its lease.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, logger: logger}
}

// Lock retries SET NX until it succeeds or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	token := uuid.New().String()
	redisKey := redisKeyPrefix + key

	for attempt := 0; ; attempt++ {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			if attempt > 0 {
				l.logger.Debug("acquired contended lock", "key", key, "attempts", attempt+1)
			}
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisRetryDelay):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int64()
			if err != nil {
				l.logger.Warn("failed to release lock", "key", key, "error", err)
				return
			}
			if n == 0 {
				l.logger.Warn("lock expired before release", "key", key)
			}
		})
	}, nil
}
