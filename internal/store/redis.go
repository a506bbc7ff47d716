package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 500

// RedisStore is the shared Store used in production. Every replica of the
// service must point at the same Redis for lockout and revocation to hold.
type RedisStore struct {
	client redis.UniversalClient
}

// RedisOptions is the subset of client settings exposed through configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds a client; it does not contact the server.
func NewRedisClient(opts RedisOptions) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("set", r.client.Set(ctx, key, value, ttl).Err())
}

func (r *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("setnx", err)
	}
	return ok, nil
}

func (r *RedisStore) SetIfPresent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetXX(ctx, key, value, ttl).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrap("setxx", err)
	}
	return ok, nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("del", r.client.Del(ctx, keys...).Err())
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

func (r *RedisStore) ListPush(ctx context.Context, key, value string) error {
	return wrap("rpush", r.client.RPush(ctx, key, value).Err())
}

func (r *RedisStore) ListPushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) ([]string, error) {
	var evicted *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, value)
		if max > 0 {
			evicted = p.LRange(ctx, key, 0, -(max + 1))
			p.LTrim(ctx, key, -max, -1)
		}
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("rpush_capped", err)
	}
	if evicted == nil {
		return nil, nil
	}
	return evicted.Val(), nil
}

func (r *RedisStore) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(values) == 0 {
			return nil
		}
		args := make([]interface{}, len(values))
		for i, v := range values {
			args[i] = v
		}
		p.RPush(ctx, key, args...)
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		}
		return nil
	})
	return wrap("replace", err)
}

func (r *RedisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap("ltrim", r.client.LTrim(ctx, key, start, stop).Err())
}

func (r *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap("lrange", err)
	}
	return v, nil
}

func (r *RedisStore) ListRemove(ctx context.Context, key, value string) (int64, error) {
	n, err := r.client.LRem(ctx, key, 0, value).Result()
	if err != nil {
		return 0, wrap("lrem", err)
	}
	return n, nil
}

func (r *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrap("llen", err)
	}
	return n, nil
}

func (r *RedisStore) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("scan", err)
	}
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return wrap("ping", r.client.Ping(ctx).Err())
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
