// Package kv defines the KV Store Adapter (spec.md §4.2): an abstract
// binary key-value store with TTL, atomic increments, bit ops, and pub/sub,
// backed either by a shared networked store (Redis) or an in-process
// fallback used when the shared backend is unreachable.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// DefaultOpTimeout bounds every KV operation. The pipeline treats a timeout
// as a degrade-and-continue signal, never a retry (spec.md §4.2, §4.9).
const DefaultOpTimeout = 250 * time.Millisecond

// Message is a pub/sub notification delivered to a Subscription.
type Message struct {
	Topic   string
	Payload string
}

// Subscription is a live pub/sub subscription. Callers must call Close when
// done to release the underlying connection or channel.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the KV Store Adapter interface. Every method may fail; callers
// must treat an error as "the operation did not happen" and degrade
// accordingly rather than retrying.
type Store interface {
	// Get returns the value stored at k, or ErrNotFound.
	Get(ctx context.Context, k string) ([]byte, error)

	// Set stores v at k with the given TTL. A zero ttl means no expiry.
	Set(ctx context.Context, k string, v []byte, ttl time.Duration) error

	// Del removes k. Deleting an absent key is not an error.
	Del(ctx context.Context, k string) error

	// Incr atomically adds delta to the integer stored at k (treating an
	// absent key as 0) and returns the new value.
	Incr(ctx context.Context, k string, delta int64) (int64, error)

	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, k string, ttl time.Duration) error

	// SetIfAbsent acquires k with value v and the given TTL iff k does not
	// already exist. Returns true if acquired.
	SetIfAbsent(ctx context.Context, k string, v []byte, ttl time.Duration) (bool, error)

	// DelIfEqual deletes k only if its current value equals v, returning
	// true if the delete happened. Used to release a lease without
	// clobbering a lease acquired by someone else after expiry.
	DelIfEqual(ctx context.Context, k string, v []byte) (bool, error)

	// Publish sends msg on topic to all current subscribers.
	Publish(ctx context.Context, topic string, msg string) error

	// Subscribe returns a live subscription to topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// BitsSet sets the bits at positions in the bitset stored at k.
	BitsSet(ctx context.Context, k string, positions []uint64) error

	// BitsGet reports whether every bit at positions in the bitset stored
	// at k is set (allSet). A never-created bitset behaves as all-zero.
	BitsGet(ctx context.Context, k string, positions []uint64) (allSet bool, err error)

	// Close releases resources held by the store.
	Close() error
}
