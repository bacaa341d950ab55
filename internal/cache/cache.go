// Package cache memoizes expensive admin-surface snapshots locally and
// propagates invalidation across instances over Redis pub/sub, adapted
// from the teacher's CacheManager.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"

	"rpcgateway/internal/logging"
)

const invalidationChannel = "rpcgateway:admin:invalidate"

// Manager is explicitly constructed per process, not a package-level
// singleton, so tests can wire a fresh instance per case.
type Manager struct {
	redisClient *redis.Client
	local       *gocache.Cache
	pubSub      *redis.PubSub
	mu          sync.RWMutex
}

// NewManager connects to Redis for cross-instance invalidation; if the
// connection fails, the Manager degrades to local-only memoization
// rather than erroring, matching the teacher's fallback behavior.
func NewManager(redisURL string, defaultTTL time.Duration) *Manager {
	m := &Manager{local: gocache.New(defaultTTL, 2*defaultTTL)}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.Warnf("cache: redis unavailable, using local cache only: %v", err)
		return m
	}

	m.redisClient = client
	m.pubSub = client.Subscribe(context.Background(), invalidationChannel)
	go m.listen()
	return m
}

func (m *Manager) listen() {
	if m.pubSub == nil {
		return
	}
	for msg := range m.pubSub.Channel() {
		m.local.Delete(msg.Payload)
	}
}

// Set memoizes value locally under key for ttl.
func (m *Manager) Set(key string, value interface{}, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.Set(key, value, ttl)
}

// Get returns the value memoized under key, reporting whether it was
// found.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.Get(key)
}

// Invalidate removes key from the local cache and, if Redis is
// available, publishes the key so peer instances drop it too.
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	m.local.Delete(key)
	m.mu.Unlock()

	if m.redisClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.redisClient.Publish(ctx, invalidationChannel, key).Err(); err != nil {
		logging.Errorf("cache: publish invalidation for %s failed: %v", key, err)
	}
}

// InvalidateAggregateFlush is the aggregator's OnFlushed hook: every
// successful flush invalidates the admin snapshot keys whose
// underlying counters just changed.
func (m *Manager) InvalidateAggregateFlush() {
	m.Invalidate("admin:ratelimiter_snapshot")
	m.Invalidate("admin:breaker_snapshot")
}

// IsDistributed reports whether cross-instance invalidation is active.
func (m *Manager) IsDistributed() bool {
	return m.redisClient != nil
}
