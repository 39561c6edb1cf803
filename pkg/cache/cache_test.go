package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	c.Set("session:abc", "payload")

	got, ok := c.Get("session:abc")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != "payload" {
		t.Errorf("expected %q, got %q", "payload", got)
	}

	if _, ok := c.Get("session:missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestExpiration(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	c.SetWithTTL("short", 7, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	c.Set("session:a", 1)
	c.Set("session:b", 2)
	c.Set("agent:x", 3)

	c.Invalidate("session:")

	if _, ok := c.Get("session:a"); ok {
		t.Error("expected session:a to be invalidated")
	}
	if _, ok := c.Get("agent:x"); !ok {
		t.Error("expected agent:x to survive")
	}
}

func TestGetOrSet(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	calls := 0
	fill := func(ctx context.Context) (string, error) {
		calls++
		return "origin", nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := c.GetOrSet(ctx, "key", fill, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "origin" {
			t.Errorf("expected %q, got %q", "origin", got)
		}
	}

	if calls != 1 {
		t.Errorf("expected fill to run once, ran %d times", calls)
	}
}

func TestGetOrSet_FillError(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	errOrigin := errors.New("origin unavailable")
	_, err := c.GetOrSet(context.Background(), "key", func(ctx context.Context) (string, error) {
		return "", errOrigin
	}, 0)

	if !errors.Is(err, errOrigin) {
		t.Errorf("expected origin error, got %v", err)
	}
	if c.Size() != 0 {
		t.Error("failed fill must not populate the cache")
	}
}

func TestStats(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	c.Set("live", 1)
	c.SetWithTTL("dead", 2, -time.Second)

	stats := c.GetStats()
	if stats.TotalKeys != 2 {
		t.Errorf("expected 2 total keys, got %d", stats.TotalKeys)
	}
	if stats.Expired != 1 {
		t.Errorf("expected 1 expired, got %d", stats.Expired)
	}
	if stats.Size != 1 {
		t.Errorf("expected size 1, got %d", stats.Size)
	}
}
