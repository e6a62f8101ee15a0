/**
 * @description
 * This file defines `KeyedStore`, a small TTL key/value contract used for
 * idempotency-key replay and other short-lived session state, with a Redis
 * implementation for deployment and an in-memory one for tests and degraded
 * startup. Keeping this as an injected dependency avoids ambient process-wide
 * maps for state that must expire.
 */

package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound indicates the key is absent or its TTL elapsed.
var ErrKeyNotFound = errors.New("key not found")

// KeyedStore is a key/value store with per-entry expiry.
type KeyedStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RedisKeyStore backs KeyedStore with Redis, sharing the limiter's client.
type RedisKeyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisKeyStore(client redis.UniversalClient, prefix string) *RedisKeyStore {
	if prefix == "" {
		prefix = "ledger:kv"
	}
	return &RedisKeyStore{client: client, prefix: prefix}
}

func (s *RedisKeyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+":"+key, value, ttl).Err()
}

func (s *RedisKeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+":"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (s *RedisKeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+":"+key).Err()
}

// MemoryKeyStore is a mutex-guarded KeyedStore with lazy expiry.
type MemoryKeyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		entries: map[string]memoryEntry{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryKeyStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryKeyStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]byte, len(value))
	copy(copied, value)
	s.entries[key] = memoryEntry{value: copied, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryKeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, ErrKeyNotFound
	}
	copied := make([]byte, len(entry.value))
	copy(copied, entry.value)
	return copied, nil
}

func (s *MemoryKeyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
