package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// testRedis connects to a local Redis, skipping the test when none is
// reachable.
func testRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("CORR_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	r := NewRedis(addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// TestRedisCommandDelivery tests the publish/subscribe wake-up and the
// command slot write against a real Redis
func TestRedisCommandDelivery(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()
	t.Cleanup(func() { _ = r.Delete(ctx, KeyCommand) })

	n, err := r.PublishCommand(ctx, []byte(`{"command":"stop","time":1.5}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 0 {
		t.Fatalf("receivers = %d with no subscribers", n)
	}

	wake, cancel, err := r.SubscribeCommands(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	n, err = r.PublishCommand(ctx, []byte(`{"command":"stop","time":2.5}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 {
		t.Fatalf("receivers = %d with one subscriber", n)
	}
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never woke")
	}
	v, ok, err := r.Get(ctx, KeyCommand)
	if err != nil || !ok {
		t.Fatalf("command slot: %v %v", ok, err)
	}
	if v != `{"command":"stop","time":2.5}` {
		t.Fatalf("slot = %q", v)
	}
}

// TestRedisHashAndExpiry tests hash writes and TTL keys against a real Redis
func TestRedisHashAndExpiry(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()
	const key = "corrctl:test:hash"
	t.Cleanup(func() { _ = r.Delete(ctx, key) })

	if err := r.SetHashFields(ctx, key, map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	h, err := r.Hash(ctx, key)
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if h["a"] != "1" || h["b"] != "2" {
		t.Fatalf("hash = %v", h)
	}

	const ttlKey = "corrctl:test:ttl"
	if err := r.SetEx(ctx, ttlKey, "alive", 100*time.Millisecond); err != nil {
		t.Fatalf("setex: %v", err)
	}
	if _, ok, _ := r.Get(ctx, ttlKey); !ok {
		t.Fatal("key should be live before the TTL")
	}
	time.Sleep(200 * time.Millisecond)
	if _, ok, _ := r.Get(ctx, ttlKey); ok {
		t.Fatal("key should have expired")
	}
}
