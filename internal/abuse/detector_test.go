package abuse

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/gateway/internal/kv"
	"github.com/wisbric/gateway/internal/model"
)

type fakeRecorder struct {
	records []model.BlockedKeyRecord
}

func (f *fakeRecorder) InsertBlockedKeyRecord(_ context.Context, rec model.BlockedKeyRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func TestIsBlockedFalseByDefault(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	d := New(store, nil, Config{})
	ctx := context.Background()

	blocked, err := d.IsBlocked(ctx, "key-1")
	if err != nil {
		t.Fatalf("IsBlocked() error = %v", err)
	}
	if blocked {
		t.Fatal("IsBlocked() = true for a key never ticked, want false")
	}
}

func TestTickRequestFirstCallNeverBlocks(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	d := New(store, nil, Config{})
	ctx := context.Background()

	v, err := d.TickRequest(ctx, "key-1")
	if err != nil {
		t.Fatalf("TickRequest() error = %v", err)
	}
	if v.Blocked {
		t.Fatal("first tick blocked, want false (no baseline yet)")
	}
}

func TestTickRequestSpikeTriggersBlock(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	// A tight threshold and fast alpha so a sudden burst after a slow
	// steady baseline reliably crosses the Z-score threshold.
	recorder := &fakeRecorder{}
	d := New(store, recorder, Config{Alpha: 0.5, ZThreshold: 1.0, BlockDuration: time.Minute})
	ctx := context.Background()

	key := "key-burst"
	if _, err := d.TickRequest(ctx, key); err != nil {
		t.Fatalf("TickRequest() error = %v", err)
	}
	// Establish a slow, steady baseline.
	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		if _, err := d.TickRequest(ctx, key); err != nil {
			t.Fatalf("TickRequest() error = %v", err)
		}
	}

	var blockedOnSpike bool
	for i := 0; i < 20 && !blockedOnSpike; i++ {
		v, err := d.TickRequest(ctx, key)
		if err != nil {
			t.Fatalf("TickRequest() error = %v", err)
		}
		if v.Blocked {
			blockedOnSpike = true
			if v.Reason != ReasonRateSpike {
				t.Fatalf("Reason = %q, want %q", v.Reason, ReasonRateSpike)
			}
		}
	}
	if !blockedOnSpike {
		t.Fatal("expected a sudden burst of ticks to eventually trigger a rate_spike block")
	}

	if len(recorder.records) != 1 {
		t.Fatalf("recorder got %d BlockedKeyRecord(s), want 1", len(recorder.records))
	}
	if rec := recorder.records[0]; rec.APIKeyID != key || rec.Reason != model.BlockReasonRateSpike || rec.AnomalyScore < 1.0 {
		t.Fatalf("recorded BlockedKeyRecord = %+v, want APIKeyID=%q Reason=%q AnomalyScore>=1.0", rec, key, model.BlockReasonRateSpike)
	}

	blocked, err := d.IsBlocked(ctx, key)
	if err != nil {
		t.Fatalf("IsBlocked() error = %v", err)
	}
	if !blocked {
		t.Fatal("IsBlocked() = false after a triggered block, want true")
	}
}

func TestUnblockClearsBlock(t *testing.T) {
	store := kv.NewFallbackStore()
	defer store.Close()
	d := New(store, nil, Config{})
	ctx := context.Background()

	if err := store.Set(ctx, blockKey("key-2"), []byte(ReasonManual), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	blocked, err := d.IsBlocked(ctx, "key-2")
	if err != nil || !blocked {
		t.Fatalf("IsBlocked() = (%v, %v), want (true, nil)", blocked, err)
	}

	if err := d.Unblock(ctx, "key-2"); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}

	blocked, err = d.IsBlocked(ctx, "key-2")
	if err != nil || blocked {
		t.Fatalf("IsBlocked() after Unblock() = (%v, %v), want (false, nil)", blocked, err)
	}
}
