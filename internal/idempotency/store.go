// Package idempotency deduplicates process starts. Triggers and cron ticks
// derive a key per logical fire; a key that already has a record is never
// started twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/flowcore/model"
)

// Record is the stored outcome of an idempotent start.
type Record struct {
	InputHash          string    `json:"input_hash"`
	ProcessInstanceID  string    `json:"process_instance_id"`
	ProcessInstanceKey string    `json:"process_instance_key"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store records idempotent start outcomes.
type Store interface {
	// Check looks up a previous record by key. If the key exists and the
	// input hash matches, it returns the record. If the key exists but the
	// hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (rec *Record, found bool, err error)

	// Save stores a record keyed by the idempotency key with a TTL.
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Acquire takes a short-lived exclusive lease on key. It reports false
	// when another holder has the lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops a lease taken by Acquire.
	Release(ctx context.Context, key string) error
}

// FormatKey builds the stored key for a caller-supplied idempotency key.
func FormatKey(key string) string {
	return "idem:" + key
}

func lockKey(key string) string {
	return "idem-lock:" + key
}

func hashConflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
	leases  map[string]time.Time
}

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		entries: make(map[string]memEntry),
		leases:  make(map[string]time.Time),
	}
}

// Check looks up a record. Returns a conflict error if the input hash differs.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if entry.rec.InputHash != inputHash {
		return nil, true, hashConflict(key)
	}

	rec := entry.rec
	return &rec, true, nil
}

// Save stores a record with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{rec: rec, expiresAt: s.now().Add(ttl)}
	return nil
}

// Acquire takes a lease on key unless an unexpired one exists.
func (s *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, held := s.leases[key]; held && now.Before(until) {
		return false, nil
	}
	s.leases[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lease on key.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a record in Redis. Returns a conflict error if the input
// hash differs.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency record %q: %w", key, err)
	}
	if rec.InputHash != inputHash {
		return nil, true, hashConflict(key)
	}

	return &rec, true, nil
}

// Save stores a record in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Acquire takes a lease with SET NX.
func (s *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", lockKey(key), err)
	}
	return ok, nil
}

// Release drops the lease on key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, lockKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", lockKey(key), err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
