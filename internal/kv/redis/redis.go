// Package redis implements kv.Store on Redis. The compare operations run as
// Lua scripts so the read and the write happen atomically on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devdispatch/internal/kv"

	"github.com/redis/go-redis/v9"
)

// Config represents the Redis connection configuration
type Config struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

var (
	// compareAndSwap sets KEYS[1] to ARGV[2] with a PX of ARGV[3] if it holds ARGV[1]
	compareAndSwap = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

	// compareAndDelete deletes KEYS[1] if it holds ARGV[1]
	compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Store is a Redis backed kv.Store
type Store struct {
	client redis.UniversalClient
}

// _ implements kv.Store
var _ kv.Store = (*Store)(nil)

// New creates a Redis client and verifies the connection
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis configuration is nil or empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	rc := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialTimeout:  cfg.DialTimeout,
		PoolSize:     cfg.PoolSize,
	})

	timeout, cancelFunc := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancelFunc()
	if err := rc.Ping(timeout).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return &Store{client: rc}, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// SetNX sets key if absent
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndSwap replaces key's value if it still holds old
func (s *Store) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndSwap.Run(ctx, s.client, []string{key}, old, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare and swap %s: %w", key, err)
	}
	return n == 1, nil
}

// CompareAndDelete deletes key if it still holds old
func (s *Store) CompareAndDelete(ctx context.Context, key, old string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, old).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare and delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Get returns key's value
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}
