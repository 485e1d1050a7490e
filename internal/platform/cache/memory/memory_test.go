package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tandemlist/tandem-go/internal/platform/cache"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c := New(time.Minute, 0)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetSetDelete(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("get missing: got %v, want ErrNotFound", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("got %q, want %q", got, "v")
	}

	// The returned slice is a copy.
	got[0] = 'x'
	again, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != "v" {
		t.Error("stored value was mutated through the returned slice")
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("get after delete: got %v, want ErrNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrExpired) {
		t.Errorf("get expired: got %v, want ErrExpired", err)
	}
	exists, err := c.Exists(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("expired key reported as existing")
	}
}

func TestCounter(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	n, resetAt, err := c.Increment(ctx, "ctr", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first increment = %d, want 1", n)
	}
	if resetAt.Before(time.Now()) {
		t.Error("reset time is in the past")
	}

	n, resetAt2, err := c.Increment(ctx, "ctr", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("second increment = %d, want 3", n)
	}
	// Window anchored at first increment.
	if !resetAt2.Equal(resetAt) {
		t.Errorf("reset time moved: %v vs %v", resetAt, resetAt2)
	}

	got, err := c.GetCount(ctx, "ctr")
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("GetCount = %d, want 3", got)
	}

	if err := c.Reset(ctx, "ctr"); err != nil {
		t.Fatal(err)
	}
	got, err = c.GetCount(ctx, "ctr")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("GetCount after reset = %d, want 0", got)
	}
}

func TestCounterExpiredWindowRestarts(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if _, _, err := c.Increment(ctx, "ctr", 5, time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	n, _, err := c.Increment(ctx, "ctr", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("increment after window expiry = %d, want 1", n)
	}
}

func TestDriverRegistered(t *testing.T) {
	c, err := cache.Open("memory", map[string]any{
		"default_ttl_seconds":      60,
		"cleanup_interval_seconds": 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatal(err)
	}
}
