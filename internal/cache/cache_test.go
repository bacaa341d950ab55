package cache

import (
	"testing"
	"time"
)

func TestNewManager_DegradesToLocalWhenRedisUnavailable(t *testing.T) {
	m := NewManager("redis://127.0.0.1:1", 50*time.Millisecond)
	if m.IsDistributed() {
		t.Fatalf("expected local-only degradation when redis is unreachable")
	}
}

func TestSetGet_RoundTrips(t *testing.T) {
	m := NewManager("redis://127.0.0.1:1", time.Minute)
	m.Set("k", "v", time.Minute)

	got, ok := m.Get("k")
	if !ok || got != "v" {
		t.Fatalf("expected cached value 'v', got %v (ok=%v)", got, ok)
	}
}

func TestInvalidate_RemovesLocalEntry(t *testing.T) {
	m := NewManager("redis://127.0.0.1:1", time.Minute)
	m.Set("k", "v", time.Minute)
	m.Invalidate("k")

	if _, ok := m.Get("k"); ok {
		t.Fatalf("expected key removed after invalidation")
	}
}

func TestInvalidateAggregateFlush_ClearsAdminSnapshotKeys(t *testing.T) {
	m := NewManager("redis://127.0.0.1:1", time.Minute)
	m.Set("admin:ratelimiter_snapshot", "stale", time.Minute)
	m.Set("admin:breaker_snapshot", "stale", time.Minute)

	m.InvalidateAggregateFlush()

	if _, ok := m.Get("admin:ratelimiter_snapshot"); ok {
		t.Fatalf("expected ratelimiter snapshot invalidated")
	}
	if _, ok := m.Get("admin:breaker_snapshot"); ok {
		t.Fatalf("expected breaker snapshot invalidated")
	}
}
