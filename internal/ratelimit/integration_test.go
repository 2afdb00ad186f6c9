//go:build integration

package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// These tests need a live Redis. Point REDIS_ADDR at it and run with
// -tags integration.

func integrationClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	return rdb
}

func TestCheck_WindowLimit(t *testing.T) {
	rdb := integrationClient(t)
	l := New(rdb, false)
	ctx := context.Background()
	subject := "it-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		allowed, count, err := l.Check(ctx, subject, "inbound_message", 3, time.Minute)
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("Check %d denied, want admit", i)
		}
		if count != i+1 {
			t.Errorf("Check %d count = %d, want %d", i, count, i+1)
		}
	}

	allowed, count, err := l.Check(ctx, subject, "inbound_message", 3, time.Minute)
	if err != nil {
		t.Fatalf("Check over limit: %v", err)
	}
	if allowed {
		t.Error("fourth request admitted, want deny")
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	// Rejects are not recorded: denial must not grow the window.
	allowed, count, _ = l.Check(ctx, subject, "inbound_message", 3, time.Minute)
	if allowed || count != 3 {
		t.Errorf("after repeated denial: allowed=%v count=%d, want false/3", allowed, count)
	}
}

func TestCheck_WindowEviction(t *testing.T) {
	rdb := integrationClient(t)
	l := New(rdb, false)
	ctx := context.Background()
	subject := "it-" + uuid.NewString()

	if allowed, _, err := l.Check(ctx, subject, "inbound_message", 1, 150*time.Millisecond); err != nil || !allowed {
		t.Fatalf("first check: allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := l.Check(ctx, subject, "inbound_message", 1, 150*time.Millisecond); allowed {
		t.Fatal("second check admitted inside window")
	}

	time.Sleep(200 * time.Millisecond)

	allowed, _, err := l.Check(ctx, subject, "inbound_message", 1, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("check after eviction: %v", err)
	}
	if !allowed {
		t.Error("expected admit after window eviction")
	}
}

// Concurrent checks racing at the ceiling must not admit more than max
// between them; the record happens in the same MULTI/EXEC as the count.
func TestCheck_ConcurrentAtCeiling(t *testing.T) {
	rdb := integrationClient(t)
	l := New(rdb, false)
	ctx := context.Background()
	subject := "it-" + uuid.NewString()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := l.Check(ctx, subject, "inbound_message", 5, time.Minute)
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			if allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 5 {
		t.Errorf("admitted = %d, want exactly 5", got)
	}
}

func TestSlots_AcquireRelease(t *testing.T) {
	rdb := integrationClient(t)
	l := New(rdb, false)
	ctx := context.Background()
	key := SlotKey("it-"+uuid.NewString(), "image_generation")

	for i := 0; i < 2; i++ {
		ok, err := l.AcquireSlot(ctx, key, 2, time.Minute)
		if err != nil {
			t.Fatalf("AcquireSlot %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("AcquireSlot %d denied under ceiling", i)
		}
	}

	ok, err := l.AcquireSlot(ctx, key, 2, time.Minute)
	if err != nil {
		t.Fatalf("AcquireSlot over ceiling: %v", err)
	}
	if ok {
		t.Error("slot granted over ceiling")
	}

	if err := l.ReleaseSlot(ctx, key); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	ok, err = l.AcquireSlot(ctx, key, 2, time.Minute)
	if err != nil || !ok {
		t.Errorf("AcquireSlot after release: ok=%v err=%v, want granted", ok, err)
	}
}

// A zero TTL leaves the counter persistent; it must not reset it.
func TestSlots_ZeroTTLKeepsCeiling(t *testing.T) {
	rdb := integrationClient(t)
	l := New(rdb, false)
	ctx := context.Background()
	key := SlotKey("it-"+uuid.NewString(), "image_generation")
	defer rdb.Del(ctx, key)

	ok, err := l.AcquireSlot(ctx, key, 1, 0)
	if err != nil || !ok {
		t.Fatalf("first AcquireSlot: ok=%v err=%v", ok, err)
	}
	ok, err = l.AcquireSlot(ctx, key, 1, 0)
	if err != nil {
		t.Fatalf("second AcquireSlot: %v", err)
	}
	if ok {
		t.Error("slot granted over ceiling with zero ttl")
	}
}
