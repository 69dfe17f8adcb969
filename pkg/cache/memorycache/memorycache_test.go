package memorycache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(&Config{
		MaxSizeBytes:  maxBytes,
		DefaultTTL:    time.Minute,
		EnableMetrics: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_AppliesDefaults(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "zero values", config: &Config{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if c.maxSize != DefaultMaxSizeBytes {
				t.Errorf("maxSize = %d, want %d", c.maxSize, DefaultMaxSizeBytes)
			}
			if c.ttl != DefaultTTL {
				t.Errorf("ttl = %v, want %v", c.ttl, DefaultTTL)
			}
		})
	}
}

func TestNew_KeepsExplicitConfig(t *testing.T) {
	c, err := New(&Config{MaxSizeBytes: 512, DefaultTTL: 30 * time.Minute})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.maxSize != 512 {
		t.Errorf("maxSize = %d, want 512", c.maxSize)
	}
	if c.ttl != 30*time.Minute {
		t.Errorf("ttl = %v, want %v", c.ttl, 30*time.Minute)
	}
}

func TestCache_SetGetDelete(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	ctx := context.Background()

	if err := c.Set(ctx, "program:abc", "compiled-1", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	tests := []struct {
		name      string
		key       string
		wantValue interface{}
		wantFound bool
	}{
		{name: "existing key", key: "program:abc", wantValue: "compiled-1", wantFound: true},
		{name: "missing key", key: "program:zzz", wantFound: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := c.Get(ctx, tt.key)
			if found != tt.wantFound {
				t.Fatalf("Get(%q) found = %v, want %v", tt.key, found, tt.wantFound)
			}
			if found && got != tt.wantValue {
				t.Errorf("Get(%q) = %v, want %v", tt.key, got, tt.wantValue)
			}
		})
	}

	if err := c.Delete(ctx, "program:abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found := c.Get(ctx, "program:abc"); found {
		t.Error("Get() after Delete() found = true, want false")
	}
	if err := c.Delete(ctx, "program:abc"); err != nil {
		t.Errorf("Delete() of absent key error = %v, want nil", err)
	}
}

func TestCache_Expiration(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 30*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, found := c.Get(ctx, "k"); !found {
		t.Fatal("Get() before expiry found = false, want true")
	}

	time.Sleep(60 * time.Millisecond)

	if _, found := c.Get(ctx, "k"); found {
		t.Error("Get() after expiry found = true, want false")
	}
	if c.Len() != 0 {
		t.Errorf("Len() after expired read = %d, want 0 (entry dropped)", c.Len())
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	// Each entry costs roughly 100 bytes plus the key, so this cap holds
	// only a few of the ten entries.
	c := newTestCache(t, 300)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("rule-%d", i)
		if err := c.Set(ctx, key, i, time.Minute); err != nil {
			t.Fatalf("Set(%q) error = %v", key, err)
		}
	}

	if c.Len() >= 10 {
		t.Errorf("Len() = %d, want fewer than 10 after eviction", c.Len())
	}
	if c.Size() > 300 {
		t.Errorf("Size() = %d, want at most the configured cap", c.Size())
	}
	if _, found := c.Get(ctx, "rule-9"); !found {
		t.Error("most recently added entry was evicted")
	}
	if _, found := c.Get(ctx, "rule-0"); found {
		t.Error("oldest entry survived past the size cap")
	}
	if got := c.Metrics().KeysEvicted; got == 0 {
		t.Errorf("Metrics().KeysEvicted = %d, want > 0", got)
	}
}

func TestCache_SetOverwrites(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	ctx := context.Background()

	c.Set(ctx, "k", "old", time.Minute)
	c.Set(ctx, "k", "new", time.Minute)

	got, found := c.Get(ctx, "k")
	if !found || got != "new" {
		t.Errorf("Get() after overwrite = %v (found %v), want new", got, found)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), i, time.Minute)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if c.Len() != 0 || c.Size() != 0 {
		t.Errorf("after Clear(): Len() = %d, Size() = %d, want 0, 0", c.Len(), c.Size())
	}
}

func TestCache_Metrics(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	c.Get(ctx, "k")
	c.Get(ctx, "absent")

	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 1 || m.KeysAdded != 1 {
		t.Errorf("Metrics() = hits %d, misses %d, added %d, want 1, 1, 1", m.Hits, m.Misses, m.KeysAdded)
	}
	if got := m.HitRate(); got != 0.5 {
		t.Errorf("HitRate() = %v, want 0.5", got)
	}

	c.ResetMetrics()
	if m := c.Metrics(); m.Hits != 0 || m.Misses != 0 {
		t.Errorf("Metrics() after reset = hits %d, misses %d, want 0, 0", m.Hits, m.Misses)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := newTestCache(t, 1024*1024)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", id)
			for j := 0; j < 100; j++ {
				c.Set(ctx, key, j, time.Minute)
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", id)
			for j := 0; j < 100; j++ {
				c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 10 {
		t.Errorf("Len() after concurrent writes = %d, want 10", c.Len())
	}
}
