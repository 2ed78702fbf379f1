// Package cache is a read-through lookup for basic object info (names of
// organizations, users, federations). Entries carry a short TTL instead of
// relying on invalidation, so renames converge within one TTL window.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds staleness of cached basic info.
const DefaultTTL = 30 * time.Second

// BasicInfo is the minimal cross-subsystem view of an entity.
type BasicInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// ErrMiss signals the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache stores BasicInfo entries with a TTL.
type Cache interface {
	Get(ctx context.Context, id string) (BasicInfo, error)
	Put(ctx context.Context, info BasicInfo) error
}

// Lookup loads through the cache, falling back to the given loader and
// populating on success.
func Lookup(ctx context.Context, c Cache, id string, load func(context.Context, string) (BasicInfo, error)) (BasicInfo, error) {
	if info, err := c.Get(ctx, id); err == nil {
		return info, nil
	}
	info, err := load(ctx, id)
	if err != nil {
		return BasicInfo{}, err
	}
	_ = c.Put(ctx, info) // best effort; next read loads through again
	return info, nil
}

// Redis implements Cache on a redis client.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client. A non-positive ttl falls back to
// DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, id string) (BasicInfo, error) {
	raw, err := r.client.Get(ctx, key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return BasicInfo{}, ErrMiss
	}
	if err != nil {
		return BasicInfo{}, fmt.Errorf("cache: get: %w", err)
	}
	var info BasicInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return BasicInfo{}, ErrMiss
	}
	return info, nil
}

func (r *Redis) Put(ctx context.Context, info BasicInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	return r.client.Set(ctx, key(info.ID), raw, r.ttl).Err()
}

func key(id string) string {
	return "basicinfo:" + id
}

// Memory implements Cache in-process for tests and single-node deployments.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	info    BasicInfo
	expires time.Time
}

// NewMemory creates an in-process cache.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// WithClock overrides the expiry clock for tests.
func (m *Memory) WithClock(fn func() time.Time) *Memory {
	m.now = fn
	return m
}

func (m *Memory) Get(ctx context.Context, id string) (BasicInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok || m.now().After(entry.expires) {
		delete(m.entries, id)
		return BasicInfo{}, ErrMiss
	}
	return entry.info, nil
}

func (m *Memory) Put(ctx context.Context, info BasicInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[info.ID] = memoryEntry{info: info, expires: m.now().Add(m.ttl)}
	return nil
}
