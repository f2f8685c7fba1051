package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFallbackStoreGetSetDel(t *testing.T) {
	s := NewFallbackStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("Get() = %q, want %q", v, "v1")
	}

	if err := s.Del(ctx, "k1"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, err := s.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Del error = %v, want ErrNotFound", err)
	}
}

func TestFallbackStoreTTLExpiry(t *testing.T) {
	s := NewFallbackStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := s.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestFallbackStoreIncr(t *testing.T) {
	s := NewFallbackStore()
	defer s.Close()
	ctx := context.Background()

	v, err := s.Incr(ctx, "counter", 1)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if v != 1 {
		t.Fatalf("Incr() = %d, want 1", v)
	}

	v, err = s.Incr(ctx, "counter", 4)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if v != 5 {
		t.Fatalf("Incr() = %d, want 5", v)
	}
}

func TestFallbackStoreSetIfAbsentAndDelIfEqual(t *testing.T) {
	s := NewFallbackStore()
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "lock:x", []byte("worker-1"), time.Second)
	if err != nil || !ok {
		t.Fatalf("SetIfAbsent() = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.SetIfAbsent(ctx, "lock:x", []byte("worker-2"), time.Second)
	if err != nil || ok {
		t.Fatalf("SetIfAbsent() second acquire = (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = s.DelIfEqual(ctx, "lock:x", []byte("worker-2"))
	if err != nil || ok {
		t.Fatalf("DelIfEqual() with wrong value = (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = s.DelIfEqual(ctx, "lock:x", []byte("worker-1"))
	if err != nil || !ok {
		t.Fatalf("DelIfEqual() with correct value = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = s.SetIfAbsent(ctx, "lock:x", []byte("worker-3"), time.Second)
	if err != nil || !ok {
		t.Fatalf("SetIfAbsent() after release = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestFallbackStorePubSub(t *testing.T) {
	s := NewFallbackStore()
	defer s.Close()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "cache:done:abc")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := s.Publish(ctx, "cache:done:abc", "ready"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "ready" || msg.Topic != "cache:done:abc" {
			t.Fatalf("received %+v, want topic=cache:done:abc payload=ready", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestFallbackStoreBits(t *testing.T) {
	s := NewFallbackStore()
	defer s.Close()
	ctx := context.Background()

	allSet, err := s.BitsGet(ctx, "bloom", []uint64{3, 17, 100})
	if err != nil {
		t.Fatalf("BitsGet() on absent key error = %v", err)
	}
	if allSet {
		t.Fatal("BitsGet() on absent key = true, want false")
	}

	if err := s.BitsSet(ctx, "bloom", []uint64{3, 17, 100}); err != nil {
		t.Fatalf("BitsSet() error = %v", err)
	}

	allSet, err = s.BitsGet(ctx, "bloom", []uint64{3, 17, 100})
	if err != nil {
		t.Fatalf("BitsGet() error = %v", err)
	}
	if !allSet {
		t.Fatal("BitsGet() after BitsSet = false, want true")
	}

	allSet, err = s.BitsGet(ctx, "bloom", []uint64{3, 18})
	if err != nil {
		t.Fatalf("BitsGet() error = %v", err)
	}
	if allSet {
		t.Fatal("BitsGet() with one unset position = true, want false")
	}
}
