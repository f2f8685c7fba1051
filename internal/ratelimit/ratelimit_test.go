package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/gateway/internal/kv"
)

func TestCheckTokenBucketAllowsWithinBurst(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	l := New(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "bucket:a", 3, 1)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: Allowed = false, want true (within burst)", i)
		}
	}
}

func TestCheckTokenBucketDeniesOverBurst(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	l := New(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Check(ctx, "bucket:b", 2, 0.001); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}

	res, err := l.Check(ctx, "bucket:b", 2, 0.001)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("Allowed = true, want false once burst is exhausted")
	}
	if res.RetryAfterSecs <= 0 {
		t.Fatalf("RetryAfterSecs = %d, want > 0", res.RetryAfterSecs)
	}
}

func TestCheckTokenBucketRefillsOverTime(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	l := New(store)
	ctx := context.Background()

	if _, err := l.Check(ctx, "bucket:c", 1, 1000); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	res, err := l.Check(ctx, "bucket:c", 1, 1000)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("second immediate request allowed with burst=1, want denied")
	}

	time.Sleep(20 * time.Millisecond)

	res, err = l.Check(ctx, "bucket:c", 1, 1000)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !res.Allowed {
		t.Fatal("request after refill window denied, want allowed")
	}
}

func TestCheckSlidingWindow(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	l := New(store)
	ctx := context.Background()

	window := time.Minute
	rps := 2 / window.Seconds() // rps*window = 2 requests per window
	for i := 0; i < 2; i++ {
		res, err := l.CheckSlidingWindow(ctx, "sw:a", rps, window)
		if err != nil {
			t.Fatalf("CheckSlidingWindow() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed (within rps*window)", i)
		}
	}

	res, err := l.CheckSlidingWindow(ctx, "sw:a", rps, window)
	if err != nil {
		t.Fatalf("CheckSlidingWindow() error = %v", err)
	}
	if res.Allowed {
		t.Fatal("third request in window allowed, want denied")
	}
	if res.RetryAfterSecs <= 0 {
		t.Fatalf("RetryAfterSecs = %d, want > 0", res.RetryAfterSecs)
	}
}
