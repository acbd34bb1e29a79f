// Package cursor persists the analyzer's batch position between ticks and
// restarts.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"token-trader/internal/config"
	"token-trader/internal/storage"
)

// Store loads and saves the id of the last processed asset.
type Store interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, value int64) error
}

// Memory keeps the cursor in process memory.
type Memory struct {
	mu    sync.Mutex
	value int64
}

// NewMemory constructs an in-process cursor.
func NewMemory() *Memory { return &Memory{} }

// Load implements Store.
func (m *Memory) Load(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
	return nil
}

// Table stores the cursor as a named row of the trader state table.
type Table struct {
	store storage.CursorStore
	key   string
}

// NewTable constructs a cursor backed by the repository.
func NewTable(store storage.CursorStore, key string) *Table {
	return &Table{store: store, key: key}
}

// Load implements Store.
func (t *Table) Load(ctx context.Context) (int64, error) {
	return t.store.LoadCursor(ctx, t.key)
}

// Save implements Store.
func (t *Table) Save(ctx context.Context, value int64) error {
	return t.store.SaveCursor(ctx, t.key, value)
}

// Redis keeps the cursor in a redis string key.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis constructs a redis-backed cursor.
func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Load implements Store. A missing key is cursor zero.
func (r *Redis) Load(ctx context.Context) (int64, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis cursor %s: %w", r.key, err)
	}
	return v, nil
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, value int64) error {
	if err := r.client.Set(ctx, r.key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// NewRedisClient builds a client from configuration and verifies it answers.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// New selects the backend named in the scheduler configuration. The returned
// closer releases backend resources and is never nil.
func New(ctx context.Context, cfg *config.Config, store storage.CursorStore) (Store, func() error, error) {
	noop := func() error { return nil }
	key := cfg.Scheduler.CursorKey

	switch cfg.Scheduler.CursorBackend {
	case config.CursorMemory:
		return NewMemory(), noop, nil
	case config.CursorPostgres:
		return NewTable(store, key), noop, nil
	case config.CursorRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return NewRedis(client, cfg.Redis.KeyPrefix+key), client.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown cursor backend %q", cfg.Scheduler.CursorBackend)
}
