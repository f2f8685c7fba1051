// Package ratelimit implements the Rate Limiter (spec.md §4.3): two
// selectable algorithms, token bucket (default) and sliding window, both
// expressed over the KV Store Adapter so they work identically against the
// shared or fallback backend.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/wisbric/gateway/internal/kv"
)

// Algorithm selects which limiting strategy a key uses.
type Algorithm string

const (
	TokenBucket      Algorithm = "token_bucket"
	SlidingWindow    Algorithm = "sliding_window"
	DefaultAlgorithm           = TokenBucket
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed        bool
	RetryAfterSecs int
}

// Limiter enforces per-key rate limits using the configured algorithm.
type Limiter struct {
	store kv.Store
}

// New creates a Limiter backed by store.
func New(store kv.Store) *Limiter {
	return &Limiter{store: store}
}

// bucketState is the KV record for the token-bucket algorithm
// ({tokens, last_refill_ts}, spec.md §4.3).
type bucketState struct {
	Tokens        float64 `json:"tokens"`
	LastRefillUTC int64   `json:"last_refill_ts"` // unix millis
}

// bucketTTL bounds how long an idle bucket record lives in the KV store;
// idle buckets refill to full anyway, so losing one just means starting
// fresh at capacity.
const bucketTTL = 10 * time.Minute

// Check applies the token-bucket algorithm for key, with the given capacity
// (burst) and refill rate (requests per second).
func (l *Limiter) Check(ctx context.Context, key string, burst int, ratePerSec float64) (Result, error) {
	now := time.Now()

	raw, err := l.store.Get(ctx, key)
	var state bucketState
	if err != nil {
		// Absent or unreadable: start full, matching a never-throttled key.
		state = bucketState{Tokens: float64(burst), LastRefillUTC: now.UnixMilli()}
	} else if jerr := json.Unmarshal(raw, &state); jerr != nil {
		state = bucketState{Tokens: float64(burst), LastRefillUTC: now.UnixMilli()}
	}

	elapsed := now.Sub(time.UnixMilli(state.LastRefillUTC)).Seconds()
	if elapsed > 0 {
		state.Tokens = math.Min(float64(burst), state.Tokens+elapsed*ratePerSec)
		state.LastRefillUTC = now.UnixMilli()
	}

	if state.Tokens < 1 {
		retryAfter := int(math.Ceil((1 - state.Tokens) / ratePerSecOrMin(ratePerSec)))
		// Best-effort write-back even on deny, so the refill clock advances.
		l.writeBucket(ctx, key, state)
		return Result{Allowed: false, RetryAfterSecs: retryAfter}, nil
	}

	state.Tokens--
	l.writeBucket(ctx, key, state)
	return Result{Allowed: true}, nil
}

func (l *Limiter) writeBucket(ctx context.Context, key string, state bucketState) {
	// Best-effort by design (spec.md §4.3): an occasional lost update under
	// concurrent writers is acceptable, so a Set error here is not surfaced.
	buf, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = l.store.Set(ctx, key, buf, bucketTTL)
}

func ratePerSecOrMin(r float64) float64 {
	if r <= 0 {
		return 0.001
	}
	return r
}

// CheckSlidingWindow applies the sliding-window algorithm: a counter per
// (key, window_start) incremented via incr with ttl=windowLen, denying when
// count exceeds rps*windowLen.
func (l *Limiter) CheckSlidingWindow(ctx context.Context, baseKey string, rps float64, windowLen time.Duration) (Result, error) {
	windowStart := time.Now().Truncate(windowLen)
	windowKey := fmt.Sprintf("%s:%d", baseKey, windowStart.Unix())

	count, err := l.store.Incr(ctx, windowKey, 1)
	if err != nil {
		// Degrade open: an unreachable store should not itself become the
		// reason requests are rejected (spec.md §4.2's degrade-and-continue).
		return Result{Allowed: true}, nil
	}
	if count == 1 {
		_ = l.store.Expire(ctx, windowKey, windowLen)
	}

	limit := rps * windowLen.Seconds()
	if float64(count) > limit {
		windowEnd := windowStart.Add(windowLen)
		retryAfter := int(math.Ceil(time.Until(windowEnd).Seconds()))
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Allowed: false, RetryAfterSecs: retryAfter}, nil
	}

	return Result{Allowed: true}, nil
}
