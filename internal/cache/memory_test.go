package cache

import (
	"context"
	"testing"
	"time"

	"github.com/example/emergency-connect/internal/models"
)

func TestMemoryLazyExpiry(t *testing.T) {
	c := NewMemory()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 10*time.Second)
	if v, ok, _ := c.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}
	now = now.Add(11 * time.Second)
	if c.Len() != 1 {
		t.Fatal("entries must not be swept before a read")
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected expired miss")
	}
	if c.Len() != 0 {
		t.Fatal("expired entry should be dropped on read")
	}
}

func TestMemoryInvalidatePrefix(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	_ = c.Set(ctx, "requests:patient:1:-:-", []byte("a"), time.Minute)
	_ = c.Set(ctx, "requests:hospital:9:-:3", []byte("b"), time.Minute)
	_ = c.Set(ctx, "beds:3:", []byte("c"), time.Minute)

	_ = c.InvalidatePrefix(ctx, PrefixRequests)
	if _, ok, _ := c.Get(ctx, "requests:patient:1:-:-"); ok {
		t.Fatal("requests key survived invalidation")
	}
	if _, ok, _ := c.Get(ctx, "beds:3:"); !ok {
		t.Fatal("unrelated key was dropped")
	}
}

func TestKeysAreScopedPerIdentity(t *testing.T) {
	amb := int64(4)
	a := RequestsKey(models.Identity{UserID: 1, Role: models.RolePatient})
	b := RequestsKey(models.Identity{UserID: 2, Role: models.RolePatient})
	c := RequestsKey(models.Identity{UserID: 1, Role: models.RoleAmbulance, AmbulanceID: &amb})
	if a == b || a == c {
		t.Fatalf("keys collide: %q %q %q", a, b, c)
	}
	// beds:1: must not prefix-match beds:12:
	if BedsKey(12)[:len(BedsKey(1))] == BedsKey(1) {
		t.Fatal("bed keys of different hospitals share a prefix")
	}
}

func TestMemoryGenerationHidesRacingFill(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	key := "requests:patient:1:-:-"

	before, _ := c.Generation(ctx, PrefixRequests)
	// a write lands between the reader's store read and its fill
	_ = c.InvalidatePrefix(ctx, PrefixRequests)
	_ = c.Set(ctx, Versioned(key, before), []byte("stale"), time.Minute)

	after, _ := c.Generation(ctx, PrefixRequests)
	if after != before+1 {
		t.Fatalf("expected generation bump, got %d -> %d", before, after)
	}
	if _, ok, _ := c.Get(ctx, Versioned(key, after)); ok {
		t.Fatal("fill from before the invalidation is visible")
	}
	if g, _ := c.Generation(ctx, PrefixBeds); g != 0 {
		t.Fatalf("unrelated prefix generation moved: %d", g)
	}
}
