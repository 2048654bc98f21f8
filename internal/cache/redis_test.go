// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := &RedisCache{client: client, logger: testLogger()}
	t.Cleanup(func() { _ = c.Close() })

	return mr, c
}

func TestRedisSetGet(t *testing.T) {
	_, c := setupMiniRedis(t)

	c.Set("spec-hash-1", testEntry("gr-tests-pypy3.11-f00baa"), 5*time.Minute)

	got, found := c.Get("spec-hash-1")
	if !found {
		t.Fatal("expected entry to be found")
	}
	if got.EnvName != "gr-tests-pypy3.11-f00baa" {
		t.Errorf("EnvName = %q", got.EnvName)
	}
	if got.SpecHash != "hash-gr-tests-pypy3.11-f00baa" {
		t.Errorf("SpecHash = %q", got.SpecHash)
	}

	stats := c.Stats()
	if stats.Sets != 1 || stats.Hits != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRedisGetMissing(t *testing.T) {
	_, c := setupMiniRedis(t)

	got, found := c.Get("nonexistent")
	if found || got != nil {
		t.Fatalf("Get = (%v, %v), want (nil, false)", got, found)
	}
	if c.Stats().Misses != 1 {
		t.Errorf("misses = %d, want 1", c.Stats().Misses)
	}
}

func TestRedisTTL(t *testing.T) {
	mr, c := setupMiniRedis(t)

	c.Set("k1", testEntry("env"), time.Minute)

	// miniredis expires keys on FastForward, not wall-clock time.
	mr.FastForward(2 * time.Minute)

	if _, found := c.Get("k1"); found {
		t.Error("expired entry still served")
	}
}

func TestRedisCorruptEntryIsMiss(t *testing.T) {
	mr, c := setupMiniRedis(t)

	if err := mr.Set("k1", "not-json{"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, found := c.Get("k1")
	if found || got != nil {
		t.Fatal("corrupt entry served as hit")
	}
}

func TestRedisDelete(t *testing.T) {
	_, c := setupMiniRedis(t)

	c.Set("k1", testEntry("env"), time.Minute)
	c.Delete("k1")

	if _, found := c.Get("k1"); found {
		t.Error("deleted entry still present")
	}
}

func TestRedisClear(t *testing.T) {
	_, c := setupMiniRedis(t)

	c.Set("k1", testEntry("e1"), time.Minute)
	c.Set("k2", testEntry("e2"), time.Minute)
	c.Clear()

	if size := c.Stats().CurrentSize; size != 0 {
		t.Errorf("size after clear = %d", size)
	}
}

func TestRedisHealthCheck(t *testing.T) {
	mr, c := setupMiniRedis(t)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthy server reported unhealthy: %v", err)
	}

	mr.Close()
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("closed server reported healthy")
	}
}

func TestNewRedisRefusesUnreachable(t *testing.T) {
	_, err := NewRedis(Config{Addr: "127.0.0.1:0"}, testLogger())
	if err == nil {
		t.Fatal("NewRedis connected to an unreachable address")
	}
}
