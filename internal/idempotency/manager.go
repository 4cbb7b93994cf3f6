// Package idempotency caches the response to a client-supplied
// Idempotency-Key so a retried POST against /v1/chat/completions (or any
// other proxy endpoint) returns the prior result instead of redispatching
// to the upstream provider and billing the request twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long a cached result survives when the caller doesn't
// specify one; long enough to cover a client's retry window, short enough
// that stale provider responses don't linger.
const DefaultTTL = 10 * time.Minute

// Manager generates idempotency keys and stores/retrieves the JSON result
// associated with one.
type Manager interface {
	// Key derives a stable key from a machine id and the client's supplied
	// Idempotency-Key header value.
	Key(machineID, clientKey string) string

	// Get returns the cached result for key, if present and unexpired.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set stores result under key for ttl (DefaultTTL if ttl <= 0).
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// Delete removes any cached result for key.
	Delete(ctx context.Context, key string) error
}

// redisManager is the production Manager, backed by Redis so cached results
// survive process restarts and are shared across proxy replicas.
type redisManager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager builds a Manager backed by an existing Redis client.
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{client: client, prefix: prefix, logger: logger.With(zap.String("component", "idempotency"))}
}

func (m *redisManager) Key(machineID, clientKey string) string {
	return hashKey(machineID, clientKey)
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return data, true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	m.logger.Debug("cached response", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency delete: %w", err)
	}
	return nil
}

// memoryManager is an in-process Manager for single-instance deployments and
// tests, with a background sweep of expired entries.
type memoryManager struct {
	mu     sync.RWMutex
	cache  map[string]memoryEntry
	stopCh chan struct{}
	logger *zap.Logger
}

type memoryEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// NewMemoryManager builds a Manager that keeps cached results in a map,
// swept for expiry every cleanupInterval.
func NewMemoryManager(logger *zap.Logger, cleanupInterval time.Duration) Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	m := &memoryManager{
		cache:  make(map[string]memoryEntry),
		stopCh: make(chan struct{}),
		logger: logger.With(zap.String("component", "idempotency")),
	}
	go m.cleanupLoop(cleanupInterval)
	return m
}

// Close stops the background sweep. Safe to call once.
func (m *memoryManager) Close() {
	close(m.stopCh)
}

func (m *memoryManager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, entry := range m.cache {
		if now.After(entry.expiresAt) {
			delete(m.cache, key)
		}
	}
}

func (m *memoryManager) Key(machineID, clientKey string) string {
	return hashKey(machineID, clientKey)
}

func (m *memoryManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	entry, ok := m.cache[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.cache, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (m *memoryManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	m.mu.Lock()
	m.cache[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}

func hashKey(machineID, clientKey string) string {
	sum := sha256.Sum256([]byte(machineID + ":" + clientKey))
	return hex.EncodeToString(sum[:])
}
