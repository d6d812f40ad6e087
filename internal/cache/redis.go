package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
)

type RedisPoolOption struct {
	f func(*redis.Pool)
}

func RedisPoolIdleTimeout(timeout time.Duration) RedisPoolOption {
	return RedisPoolOption{func(p *redis.Pool) {
		p.IdleTimeout = timeout
	}}
}

func RedisPoolMaxActive(i int) RedisPoolOption {
	return RedisPoolOption{func(p *redis.Pool) {
		p.MaxActive = i
	}}
}

func RedisPoolMaxIdle(i int) RedisPoolOption {
	return RedisPoolOption{func(p *redis.Pool) {
		p.MaxIdle = i
	}}
}

func RedisPoolTestOnBorrow(f func(c redis.Conn, t time.Time) error) RedisPoolOption {
	return RedisPoolOption{func(p *redis.Pool) {
		p.TestOnBorrow = f
	}}
}

// NewRedisPool returns a pool dialing addr with connect, read and write
// timeouts of timeout. Options override the defaults.
func NewRedisPool(addr string, timeout time.Duration, options ...RedisPoolOption) *redis.Pool {
	pool := &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialConnectTimeout(timeout),
				redis.DialReadTimeout(timeout),
				redis.DialWriteTimeout(timeout),
			)
		},
	}

	for _, option := range options {
		option.f(pool)
	}

	return pool
}

// RedisStore implements Store on a redigo pool. Snapshots are stored as JSON
// with SET EX so redis expires them.
type RedisStore struct {
	pool *redis.Pool
}

func NewRedisStore(pool *redis.Pool) *RedisStore {
	return &RedisStore{pool: pool}
}

func (s *RedisStore) Get(ctx context.Context, key string) (models.Snapshot, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close()

	raw, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value models.Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close()

	sec := int64(ttl.Seconds())
	if sec <= 0 {
		sec = 3600
	}
	if _, err := redis.DoContext(conn, ctx, "SET", key, raw, "EX", sec); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping checks that redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.String(redis.DoContext(conn, ctx, "PING"))
	return err
}

func (s *RedisStore) Close() error {
	return s.pool.Close()
}
