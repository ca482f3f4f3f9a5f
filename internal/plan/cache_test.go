package plan

import (
	"testing"
	"time"
)

func TestGroupLookupCachePutGet(t *testing.T) {
	c := NewGroupLookupCache(10 * time.Second)
	now := time.Unix(1000, 0)
	c.Put(1, "plan-for-cq-1", now)

	got, ok := c.Get(1, now.Add(5*time.Second))
	if !ok || got.(string) != "plan-for-cq-1" {
		t.Fatalf("expected cache hit within ttl, got %v %v", got, ok)
	}
}

func TestGroupLookupCacheExpiresAfterTTL(t *testing.T) {
	c := NewGroupLookupCache(10 * time.Second)
	now := time.Unix(1000, 0)
	c.Put(1, "plan", now)

	_, ok := c.Get(1, now.Add(11*time.Second))
	if ok {
		t.Fatalf("expected cache miss after ttl expiry")
	}
}

func TestGroupLookupCacheInvalidate(t *testing.T) {
	c := NewGroupLookupCache(10 * time.Second)
	now := time.Unix(1000, 0)
	c.Put(1, "plan", now)
	c.Invalidate(1)

	_, ok := c.Get(1, now)
	if ok {
		t.Fatalf("expected cache miss after invalidate")
	}
}
