package bloom

import (
	"context"
	"testing"

	"github.com/wisbric/gateway/internal/kv"
)

func TestProbeAbsentIsDefinitelyNot(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	f := New(store, "bloom:negative", 1000, 0.01, false)
	ctx := context.Background()

	maybe, err := f.Probe(ctx, "cache:never-added")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if maybe {
		t.Fatal("Probe() on a never-added key = true, want false")
	}
}

func TestAddThenProbeReportsMaybePresent(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	f := New(store, "bloom:negative", 1000, 0.01, false)
	ctx := context.Background()

	if err := f.Add(ctx, "cache:abc123"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	maybe, err := f.Probe(ctx, "cache:abc123")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !maybe {
		t.Fatal("Probe() after Add() = false, want true")
	}
}

func TestDisabledFilterIsInert(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	f := New(store, "bloom:negative", 1000, 0.01, true)
	ctx := context.Background()

	if !f.Disabled() {
		t.Fatal("Disabled() = false, want true")
	}

	if err := f.Add(ctx, "cache:abc123"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	maybe, err := f.Probe(ctx, "cache:abc123")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if maybe {
		t.Fatal("Probe() on a disabled filter = true, want false even after Add()")
	}
}

func TestSizingProducesPositiveDimensions(t *testing.T) {
	f := New(kv.NewFallbackStore(), "bloom:negative", 10000, 0.01, false)
	if f.m == 0 || f.k == 0 {
		t.Fatalf("m=%d k=%d, want both > 0", f.m, f.k)
	}
}
