package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachpo/livecore/errs"
)

// Redis is a Store backed by a Redis server.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis wraps client. The caller owns the client's lifetime.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errs.Connectivity("statestore.Get", err)
	}
	return v, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Connectivity("statestore.Set", err)
	}
	return nil
}

// Push implements Store. The push and trim run in one transaction.
func (r *Redis) Push(ctx context.Context, key, value string, max int) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if max > 0 {
			pipe.LTrim(ctx, key, 0, int64(max-1))
		}
		return nil
	})
	if err != nil {
		return errs.Connectivity("statestore.Push", err)
	}
	return nil
}

// Range implements Store.
func (r *Redis) Range(ctx context.Context, key string, n int) ([]string, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	out, err := r.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, errs.Connectivity("statestore.Range", err)
	}
	return out, nil
}

// Len implements Store.
func (r *Redis) Len(ctx context.Context, key string) (int, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, errs.Connectivity("statestore.Len", err)
	}
	return int(n), nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errs.Connectivity("statestore.Delete", err)
	}
	return nil
}

// Ping implements Store.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errs.Connectivity("statestore.Ping", err)
	}
	return nil
}
