package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis connection.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
}

// RedisWriter stores JSON snapshots in redis.
type RedisWriter struct {
	client *redis.Client
}

func NewRedisWriter(ctx context.Context, opts RedisOptions) (*RedisWriter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisWriter{client: rdb}, nil
}

// SetJSONWithExpiry stores value as JSON under key with the given TTL.
func (w *RedisWriter) SetJSONWithExpiry(ctx context.Context, key string, value any, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	if err := w.client.Set(ctx, key, data, expiry).Err(); err != nil {
		return fmt.Errorf("failed to set key %s with expiry: %w", key, err)
	}
	return nil
}

// GetJSON loads key into dest. A missing key leaves dest untouched and
// reports false.
func (w *RedisWriter) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, err := w.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}
	return true, nil
}

func (w *RedisWriter) Close() error {
	return w.client.Close()
}
