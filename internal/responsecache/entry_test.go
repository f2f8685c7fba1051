package responsecache

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleEntry(bodySize int) Entry {
	now := time.Now().Truncate(time.Millisecond)
	return Entry{
		Status: 200,
		Headers: []HeaderField{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "X-Upstream", Value: "origin-1"},
		},
		Body:       bytes.Repeat([]byte("x"), bodySize),
		StoredAt:   now,
		FreshUntil: now.Add(30 * time.Second),
		StaleUntil: now.Add(90 * time.Second),
		Origin:     "items",
	}
}

func TestEncodeDecodeRoundTripsUncompressed(t *testing.T) {
	e := sampleEntry(16)
	raw, err := encodeEntry(e, 1024)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	if raw[0] != flagPlain {
		t.Fatalf("flag byte = %d, want flagPlain for a small body", raw[0])
	}

	got, err := decodeEntry(raw)
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if got.Status != e.Status || !bytes.Equal(got.Body, e.Body) || got.Origin != e.Origin {
		t.Fatalf("decoded entry = %+v, want match of %+v", got, e)
	}
	if !got.StoredAt.Equal(e.StoredAt) || !got.FreshUntil.Equal(e.FreshUntil) || !got.StaleUntil.Equal(e.StaleUntil) {
		t.Fatalf("decoded timestamps = %+v, want match of %+v", got, e)
	}
	if len(got.Headers) != len(e.Headers) {
		t.Fatalf("decoded %d headers, want %d", len(got.Headers), len(e.Headers))
	}
	for i := range e.Headers {
		if got.Headers[i] != e.Headers[i] {
			t.Fatalf("header[%d] = %+v, want %+v", i, got.Headers[i], e.Headers[i])
		}
	}
}

func TestEncodeDecodeRoundTripsCompressed(t *testing.T) {
	e := sampleEntry(4096)
	raw, err := encodeEntry(e, 1024)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	if raw[0] != flagGzip {
		t.Fatalf("flag byte = %d, want flagGzip for a body over threshold", raw[0])
	}
	if len(raw) >= len(e.Body) {
		t.Fatalf("compressed size %d did not shrink a %d-byte repetitive body", len(raw), len(e.Body))
	}

	got, err := decodeEntry(raw)
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if !bytes.Equal(got.Body, e.Body) {
		t.Fatal("decoded body does not match original after gzip round trip")
	}
}

func TestEncodeZeroThresholdNeverCompresses(t *testing.T) {
	raw, err := encodeEntry(sampleEntry(4096), 0)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	if raw[0] != flagPlain {
		t.Fatal("a zero compress threshold should disable compression entirely")
	}
}

func TestDecodeRejectsUnknownFlag(t *testing.T) {
	_, err := decodeEntry([]byte{0xEE, 1, 2, 3})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("decodeEntry() error = %v, want an unknown flag error", err)
	}
}

func TestClassifyAt(t *testing.T) {
	now := time.Now()
	e := Entry{
		StoredAt:   now,
		FreshUntil: now.Add(10 * time.Second),
		StaleUntil: now.Add(20 * time.Second),
	}

	cases := []struct {
		name string
		at   time.Time
		want Freshness
	}{
		{"before fresh_until", now.Add(5 * time.Second), Fresh},
		{"exactly fresh_until", e.FreshUntil, Fresh},
		{"between fresh and stale", now.Add(15 * time.Second), Stale},
		{"exactly stale_until", e.StaleUntil, Stale},
		{"after stale_until", now.Add(25 * time.Second), Expired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.ClassifyAt(tc.at); got != tc.want {
				t.Fatalf("ClassifyAt(%v) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}
