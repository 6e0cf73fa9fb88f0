// Package kv defines the shared key/value store contract used by the auth
// gate, the model registry's mirrored snapshot, and the router's response
// cache: get/set with TTL, atomic counters, hash and set operations. Two
// implementations satisfy the interface — a Redis-backed Store for
// multi-replica deployments and an in-process Store for single-node
// deployments or tests (the literal redis_url value "memory://" selects it).
package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the full KV Cache contract consumed by the gateway core. All keys
// live under the "lkg:" namespace; values are opaque bytes except where a
// narrower type (hash/set member) is called for.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error

	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HSet(ctx context.Context, key string, fields map[string][]byte) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HMGet(ctx context.Context, key string, fields []string) ([][]byte, error)

	SMembers(ctx context.Context, key string) ([]string, error)
	SAdd(ctx context.Context, key string, members ...string) error

	// RewriteHash deletes key and replaces it with fields in one round trip
	// (no transaction — concurrent readers may briefly see the previous
	// contents, matching the non-MULTI refresh documented for the model
	// registry's KV mirror).
	RewriteHash(ctx context.Context, key string, fields map[string][]byte) error
	// RewriteSet deletes key and replaces it with members.
	RewriteSet(ctx context.Context, key string, members []string) error
}

// RedisStore implements Store on top of a *redis.Client.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns its lifecycle.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	val, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]any, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return s.rdb.HSet(ctx, key, args).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) HMGet(ctx context.Context, key string, fields []string) ([][]byte, error) {
	raw, err := s.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

// RewriteHash matches the source's documented non-transactional refresh:
// delete, then rewrite, with no MULTI wrapping the two commands.
func (s *RedisStore) RewriteHash(ctx context.Context, key string, fields map[string][]byte) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		args := make(map[string]any, len(fields))
		for k, v := range fields {
			args[k] = v
		}
		pipe.HSet(ctx, key, args)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RewriteSet(ctx context.Context, key string, members []string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.SAdd(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// MemoryStore is an in-process Store for single-node deployments ("memory://")
// and tests. It satisfies the same Store contract as RedisStore.
type MemoryStore struct {
	mu   sync.Mutex
	kv   map[string]memEntry
	hash map[string]map[string][]byte
	sets map[string]map[string]struct{}
}

type memEntry struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   make(map[string]memEntry),
		hash: make(map[string]map[string][]byte),
		sets: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.kv[key] = memEntry{val: value, expiresAt: exp}
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	var n int64
	var exp time.Time
	if ok && !m.expired(e) {
		n, _ = strconv.ParseInt(string(e.val), 10, 64)
		exp = e.expiresAt
	}
	n++
	m.kv[key] = memEntry{val: []byte(strconv.FormatInt(n, 10)), expiresAt: exp}
	return n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil
	}
	e.expiresAt = time.Now().Add(ttl)
	m.kv[key] = e
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		return -2 * time.Second, nil
	}
	if e.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return time.Until(e.expiresAt), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hash, key)
	delete(m.sets, key)
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[key]
	if !ok {
		h = make(map[string][]byte)
		m.hash[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HMGet(_ context.Context, key string, fields []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hash[key]
	out := make([][]byte, len(fields))
	for i, f := range fields {
		out[i] = h[f]
	}
	return out, nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mm := range members {
		s[mm] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) RewriteHash(_ context.Context, key string, fields map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make(map[string][]byte, len(fields))
	for k, v := range fields {
		h[k] = v
	}
	m.hash[key] = h
	return nil
}

func (m *MemoryStore) RewriteSet(_ context.Context, key string, members []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := make(map[string]struct{}, len(members))
	for _, mm := range members {
		s[mm] = struct{}{}
	}
	m.sets[key] = s
	return nil
}
