// Package bloom implements the negative-cache bloom filter (spec.md §4.5):
// a fixed-size bit array in the KV store used as a "seen this 404 before"
// oracle so a deterministic miss doesn't repeatedly hit a dead origin path.
package bloom

import (
	"context"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/wisbric/gateway/internal/kv"
)

// Filter is an append-only bloom filter over cache keys. It is disabled
// whenever the gateway is running against the fallback KV store (spec.md
// §4.5); Add and Probe are then no-ops reporting "never seen".
type Filter struct {
	store    kv.Store
	key      string // KV key holding the bit array
	m        uint64 // bit array size
	k        uint64 // number of hash functions
	disabled bool
}

// New sizes a filter for expectedItems at the target falsePositiveRate
// using the standard formulas m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2.
func New(store kv.Store, key string, expectedItems int, falsePositiveRate float64, disabled bool) *Filter {
	n := float64(expectedItems)
	if n < 1 {
		n = 1
	}
	p := falsePositiveRate
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := math.Ceil(-n * math.Log(p) / (math.Ln2 * math.Ln2))
	k := math.Max(1, math.Round((m/n)*math.Ln2))

	return &Filter{
		store:    store,
		key:      key,
		m:        uint64(m),
		k:        uint64(k),
		disabled: disabled,
	}
}

// Disabled reports whether the filter is inert (fallback KV mode).
func (f *Filter) Disabled() bool { return f.disabled }

// Add records cacheKey as seen. Intended for non-cacheable 4xx origin
// responses in {404, 410} (spec.md §4.5).
func (f *Filter) Add(ctx context.Context, cacheKey string) error {
	if f.disabled {
		return nil
	}
	return f.store.BitsSet(ctx, f.key, f.positions(cacheKey))
}

// Probe reports maybePresent=true if cacheKey may have been added
// (false positives possible), or false if it was definitely not added.
// A disabled filter always reports false (definitely_not), so callers
// fall through to the origin as if no negative hint existed.
func (f *Filter) Probe(ctx context.Context, cacheKey string) (maybePresent bool, err error) {
	if f.disabled {
		return false, nil
	}
	return f.store.BitsGet(ctx, f.key, f.positions(cacheKey))
}

// positions derives k bit positions from cacheKey via double hashing over a
// content digest, per spec.md §4.5: h(i) = h1 + i*h2 (Kirsch-Mitzenmacher).
func (f *Filter) positions(cacheKey string) []uint64 {
	h1 := xxhash.Sum64String(cacheKey)
	h2 := xxhash.Sum64String(cacheKey + "\x00bloom2")
	if h2 == 0 {
		h2 = 1
	}

	positions := make([]uint64, f.k)
	for i := uint64(0); i < f.k; i++ {
		positions[i] = (h1 + i*h2) % f.m
	}
	return positions
}
