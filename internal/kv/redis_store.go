package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// delIfEqualScript atomically deletes a key only if its current value
// matches the expected one, so releasing a single-flight lease never drops
// a lease some other holder acquired after ours expired.
var delIfEqualScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisStore is the shared KV Store Adapter implementation, backed by Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping probes the backend; used at startup to decide fallback vs shared mode.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, k string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	v, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv redis get: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, k string, v []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	if err := s.client.Set(ctx, k, v, ttl).Err(); err != nil {
		return fmt.Errorf("kv redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, k string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("kv redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, k string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	v, err := s.client.IncrBy(ctx, k, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kv redis incr: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Expire(ctx context.Context, k string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	if err := s.client.Expire(ctx, k, ttl).Err(); err != nil {
		return fmt.Errorf("kv redis expire: %w", err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, k string, v []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, k, v, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) DelIfEqual(ctx context.Context, k string, v []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	n, err := delIfEqualScript.Run(ctx, s.client, []string{k}, v).Int64()
	if err != nil {
		return false, fmt.Errorf("kv redis del_if_equal: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Publish(ctx context.Context, topic string, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, topic, msg).Err(); err != nil {
		return fmt.Errorf("kv redis publish: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("kv redis subscribe: %w", err)
	}

	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Message{Topic: msg.Channel, Payload: msg.Payload}
		}
	}()

	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

func (s *RedisStore) BitsSet(ctx context.Context, k string, positions []uint64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	for _, pos := range positions {
		pipe.SetBit(ctx, k, int64(pos), 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv redis bits_set: %w", err)
	}
	return nil
}

func (s *RedisStore) BitsGet(ctx context.Context, k string, positions []uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(positions))
	for i, pos := range positions {
		cmds[i] = pipe.GetBit(ctx, k, int64(pos))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("kv redis bits_get: %w", err)
	}
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
