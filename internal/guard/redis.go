package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds locks in Redis so that several instances share them.
// Expiry is left to Redis, which reclaims a crashed holder's key after the TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger logrus.FieldLogger
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		prefix: "stay-ledger:lock:",
		logger: logger,
	}
}

// NewRedisClient connects to Redis at addr.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Acquire takes key with SET NX. Redis errors are returned as is so the
// caller fails the run instead of proceeding unguarded.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := l.prefix + key

	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLockDenied)
	}

	return l.releaser(key, token), nil
}

func (l *RedisLocker) releaser(key, token string) func() {
	return func() {
		// The run's context may be done by now.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
			l.logger.WithError(err).WithField("key", key).Warn("Failed to release lock, it will expire after its TTL")
		}
	}
}
