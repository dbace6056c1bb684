package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const leasePrefix = "coach:lease:"

// Owner-checked refresh and release. Both return 1 on success.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string // defaults to "coach:lease:"
}

// RedisLeaser is a Leaser shared across processes through Redis.
type RedisLeaser struct {
	client *redis.Client
	prefix string
}

// NewRedisLeaser connects to Redis and verifies the connection.
func NewRedisLeaser(opts RedisOptions) (*RedisLeaser, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = leasePrefix
	}
	return &RedisLeaser{client: client, prefix: prefix}, nil
}

func (r *RedisLeaser) key(instanceID string) string {
	return r.prefix + instanceID
}

// Acquire implements Leaser.
func (r *RedisLeaser) Acquire(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if err := validate(instanceID, owner, ttl); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		key := r.key(instanceID)
		ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		refreshed, err := refreshScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("failed to refresh %s: %w", key, err)
		}
		if refreshed == 0 {
			return fmt.Errorf("%w: instance=%s", ErrLeaseHeld, instanceID)
		}
		return nil
	})
}

// Release implements Leaser.
func (r *RedisLeaser) Release(ctx context.Context, instanceID, owner string) error {
	return withContextError(ctx, func() error {
		key := r.key(instanceID)
		n, err := releaseScript.Run(ctx, r.client, []string{key}, owner).Int()
		if err != nil {
			return fmt.Errorf("failed to release %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: instance=%s", ErrLeaseNotHeld, instanceID)
		}
		return nil
	})
}

// Owner implements Leaser.
func (r *RedisLeaser) Owner(ctx context.Context, instanceID string) (string, error) {
	return withContext(ctx, func() (string, error) {
		owner, err := r.client.Get(ctx, r.key(instanceID)).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", r.key(instanceID), err)
		}
		return owner, nil
	})
}

// Close closes the Redis client connection.
func (r *RedisLeaser) Close() error {
	return r.client.Close()
}
