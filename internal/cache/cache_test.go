package cache

import (
	"context"
	"testing"
	"time"

	"github.com/merchantops/refundgate/internal/domain"
)

func TestLRUBasicOps(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		val, err := c.Get(ctx, "tenant-001", "missing")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for missing key, got %v", val)
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "tenant-001", "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, "tenant-001", "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "v" {
			t.Errorf("expected v, got %s", val)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		val, _ := c.Get(ctx, "tenant-002", "k")
		if val != nil {
			t.Error("tenant-002 must not see tenant-001 keys")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c.Set(ctx, "tenant-001", "gone", []byte("x"), time.Minute)
		if err := c.Delete(ctx, "tenant-001", "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		val, _ := c.Get(ctx, "tenant-001", "gone")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		c.Set(ctx, "tenant-001", "shortlived", []byte("x"), 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		val, _ := c.Get(ctx, "tenant-001", "shortlived")
		if val != nil {
			t.Error("expected nil after TTL expiry")
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		if _, err := c.Get(ctx, "", "k"); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(3)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "t", "a", []byte("1"), time.Minute)
	c.Set(ctx, "t", "b", []byte("2"), time.Minute)
	c.Set(ctx, "t", "c", []byte("3"), time.Minute)

	// Touch "a" so "b" is the eviction candidate.
	c.Get(ctx, "t", "a")
	c.Set(ctx, "t", "d", []byte("4"), time.Minute)

	if val, _ := c.Get(ctx, "t", "b"); val != nil {
		t.Error("expected b to be evicted")
	}
	if val, _ := c.Get(ctx, "t", "a"); val == nil {
		t.Error("expected a to survive")
	}

	size, capacity := c.Stats()
	if size != 3 || capacity != 3 {
		t.Errorf("expected size=3 capacity=3, got %d/%d", size, capacity)
	}
}

func TestLRUSetNX(t *testing.T) {
	c := NewLRUCache(100)
	defer c.Close()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "t", "marker", []byte("1"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if !ok {
		t.Fatal("first SetNX should succeed")
	}

	ok, err = c.SetNX(ctx, "t", "marker", []byte("2"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX failed: %v", err)
	}
	if ok {
		t.Error("second SetNX must not overwrite a live marker")
	}

	// An expired marker can be claimed again.
	c.SetNX(ctx, "t", "expiring", []byte("1"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	ok, _ = c.SetNX(ctx, "t", "expiring", []byte("2"), time.Minute)
	if !ok {
		t.Error("SetNX should succeed after marker expiry")
	}
}

func TestNewUnsupportedType(t *testing.T) {
	if _, err := New(domain.CacheConfig{Type: "bogus"}); err == nil {
		t.Error("expected error for unsupported cache type")
	}
}
