package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, e.g. "mjgate:"
}

// Redis implements Coordinator on top of a shared Redis server.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	prefix string
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("coord: redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client: client,
		locker: redislock.New(client),
		prefix: prefix,
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks Redis availability.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (r *Redis) AcquireConnectLock(ctx context.Context, accountID string, ttl time.Duration) (Lock, error) {
	return r.obtain(ctx, r.key(connectPrefix, accountID), ttl)
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	return r.obtain(ctx, r.key(lockPrefix, name), ttl)
}

func (r *Redis) obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l, err := r.locker.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: redislock.NoRetry()})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("coord: obtain %s: %w", key, err)
	}
	return &redisLock{l: l}, nil
}

func (r *Redis) OncePerWindow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(oncePrefix, key), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("coord: once %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Dedup(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(dedupPrefix, eventID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coord: dedup %s: %w", eventID, err)
	}
	return ok, nil
}

func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.key(counterPrefix, key)
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("coord: incr %s: %w", key, err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, k, window).Err(); err != nil {
			return n, fmt.Errorf("coord: expire %s: %w", key, err)
		}
	}
	return n, nil
}

// redisLock adapts a redislock.Lock to Lock.
type redisLock struct {
	l *redislock.Lock
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.l.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrNotObtained
	}
	return err
}

func (l *redisLock) Release(ctx context.Context) error {
	err := l.l.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
