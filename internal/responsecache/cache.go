package responsecache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wisbric/gateway/internal/bloom"
	"github.com/wisbric/gateway/internal/kv"
	"github.com/wisbric/gateway/internal/model"
	"github.com/wisbric/gateway/internal/telemetry"
)

const cacheKeyPrefix = "cache:"

func lockKey(key string) string       { return "lock:" + key }
func doneTopic(key string) string     { return "cache:done:" + key }
func revalidateKey(key string) string { return "revalidate:" + key }
func negKey(key string) string        { return "neg:" + key }

// Cache is the Response Cache (spec.md §4.7). It has no knowledge of HTTP;
// callers translate requests/responses to and from Entry.
type Cache struct {
	store             kv.Store
	negative          *bloom.Filter // optional hint layer over neg:<key> entries; may be nil
	compressThreshold int
	lockTTL           time.Duration
	waitTimeout       time.Duration
	revalidateSem     *semaphore.Weighted
}

// Config holds Cache tunables (SPEC_FULL.md §4.7a).
type Config struct {
	CompressThresholdBytes int
	LockTTL                time.Duration // how long a single-flight lease is held before it is considered abandoned
	WaitTimeout            time.Duration // how long a follower waits on cache:done:<key> before fetching itself
	RevalidateConcurrency  int64         // max concurrent background revalidation jobs per instance
}

// New creates a Cache. negative may be nil to disable the negative cache.
func New(store kv.Store, negative *bloom.Filter, cfg Config) *Cache {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Second
	}
	if cfg.RevalidateConcurrency <= 0 {
		cfg.RevalidateConcurrency = 8
	}
	return &Cache{
		store:             store,
		negative:          negative,
		compressThreshold: cfg.CompressThresholdBytes,
		lockTTL:           cfg.LockTTL,
		waitTimeout:       cfg.WaitTimeout,
		revalidateSem:     semaphore.NewWeighted(cfg.RevalidateConcurrency),
	}
}

// Lookup reads the entry stored at key and classifies its freshness against
// now (spec.md §4.7's HIT/STALE/MISS rule). A missing or undecodable entry
// is reported as Expired (i.e. MISS), never as an error worth failing the
// request over.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, Freshness, error) {
	raw, err := c.store.Get(ctx, cacheKeyPrefix+key)
	if err != nil {
		if err == kv.ErrNotFound {
			telemetry.CacheOutcomesTotal.WithLabelValues("miss").Inc()
			return Entry{}, Expired, nil
		}
		return Entry{}, Expired, fmt.Errorf("looking up cache entry: %w", err)
	}

	e, derr := decodeEntry(raw)
	if derr != nil {
		return Entry{}, Expired, nil
	}

	fresh := e.ClassifyAt(time.Now())
	switch fresh {
	case Fresh:
		telemetry.CacheOutcomesTotal.WithLabelValues("hit").Inc()
	case Stale:
		telemetry.CacheOutcomesTotal.WithLabelValues("stale").Inc()
	default:
		telemetry.CacheOutcomesTotal.WithLabelValues("miss").Inc()
	}
	return e, fresh, nil
}

// Store writes e to key with the given KV TTL. The pipeline passes
// TTLSeconds+StaleSeconds, so the KV record expires at about StaleUntil; no
// safety margin is added beyond that.
func (c *Cache) Store(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	buf, err := encodeEntry(e, c.compressThreshold)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, cacheKeyPrefix+key, buf, ttl)
}

// Eligible reports whether a response may be stored under policy (spec.md
// §4.7's store-eligibility gate: cacheable status/method, body size limit,
// and no-store directives).
func Eligible(policy *model.CachePolicy, method string, status int, bodyLen int64, cacheControl string) bool {
	if policy == nil || policy.CacheNoStore {
		return false
	}
	methods := policy.CacheableMethods
	if methods == nil {
		methods = model.DefaultCacheableMethods()
	}
	if !methods[strings.ToUpper(method)] {
		return false
	}
	if len(policy.CacheableStatuses) > 0 && !policy.CacheableStatuses[status] {
		return false
	}
	if policy.MaxBodyBytes > 0 && bodyLen > policy.MaxBodyBytes {
		return false
	}
	if hasNoStore(cacheControl) {
		return false
	}
	return true
}

func hasNoStore(cacheControl string) bool {
	return strings.Contains(strings.ToLower(cacheControl), "no-store")
}

// Coalesce runs fetch at most once per key across the whole gateway fleet at
// any given moment. The first caller to acquire the KV lease "lock:<key>"
// runs fetch, stores the result, and publishes cache:done:<key>; every other
// concurrent caller waits on that topic (bounded by c.waitTimeout) and then
// re-reads the cache, falling back to its own (unstored) fetch if the leader
// did not finish in time or left no fresh or stale entry. This intentionally does not use an in-process
// singleflight.Group: the lease and the notification both live in the KV
// store, so callers on different gateway instances coalesce too.
func (c *Cache) Coalesce(ctx context.Context, key, workerID string, ttl time.Duration, fetch func(context.Context) (Entry, error)) (Entry, error) {
	acquired, err := c.store.SetIfAbsent(ctx, lockKey(key), []byte(workerID), c.lockTTL)
	if err != nil {
		// KV unreachable: degrade to an uncoordinated fetch rather than
		// blocking the request on a store that isn't responding.
		return fetch(ctx)
	}

	if acquired {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), kv.DefaultOpTimeout)
			defer cancel()
			c.store.DelIfEqual(releaseCtx, lockKey(key), []byte(workerID))
			c.store.Publish(releaseCtx, doneTopic(key), "done")
		}()

		entry, ferr := fetch(ctx)
		if ferr != nil {
			return Entry{}, ferr
		}
		if err := c.Store(ctx, key, entry, ttl); err != nil {
			return entry, nil
		}
		return entry, nil
	}

	telemetry.CacheSingleFlightWaitsTotal.Inc()
	if c.waitForDone(ctx, key) {
		if e, fresh, lerr := c.Lookup(ctx, key); lerr == nil && fresh != Expired {
			return e, nil
		}
	}
	// The leader never finished (crashed, lease expired, or the wait timed
	// out), or it finished without leaving a usable entry: fall back to
	// fetching ourselves rather than blocking forever.
	return fetch(ctx)
}

func (c *Cache) waitForDone(ctx context.Context, key string) bool {
	sub, err := c.store.Subscribe(ctx, doneTopic(key))
	if err != nil {
		return false
	}
	defer sub.Close()

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case <-sub.Channel():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ScheduleRevalidation starts a background refresh of key if no other
// instance already holds the revalidate:<key> lease, bounded by the Cache's
// configured concurrency. It never blocks the caller.
func (c *Cache) ScheduleRevalidation(key, workerID string, leaseTTL, storeTTL time.Duration, fetch func(context.Context) (Entry, error)) {
	ctx := context.Background()
	acquired, err := c.store.SetIfAbsent(ctx, revalidateKey(key), []byte(workerID), leaseTTL)
	if err != nil || !acquired {
		return
	}
	if !c.revalidateSem.TryAcquire(1) {
		c.store.DelIfEqual(ctx, revalidateKey(key), []byte(workerID))
		return
	}

	go func() {
		defer c.revalidateSem.Release(1)
		defer c.store.DelIfEqual(context.Background(), revalidateKey(key), []byte(workerID))

		rctx, cancel := context.WithTimeout(context.Background(), leaseTTL)
		defer cancel()

		entry, ferr := fetch(rctx)
		if ferr != nil {
			telemetry.CacheRevalidationsTotal.WithLabelValues("error").Inc()
			return
		}
		if err := c.Store(rctx, key, entry, storeTTL); err != nil {
			telemetry.CacheRevalidationsTotal.WithLabelValues("store_error").Inc()
			return
		}
		telemetry.CacheRevalidationsTotal.WithLabelValues("ok").Inc()
		c.store.Publish(rctx, doneTopic(key), "done")
	}()
}

// ProbeNegative checks the negative cache for a key known to resolve to a
// non-cacheable or empty upstream response (e.g. a confirmed 404). The bloom
// filter is consulted first as a cheap reject; only a "maybe present" result
// triggers the authoritative KV lookup, since the filter itself can false
// positive (Open Question (b)).
func (c *Cache) ProbeNegative(ctx context.Context, key string) (bool, error) {
	if c.negative == nil || c.negative.Disabled() {
		return false, nil
	}
	maybe, err := c.negative.Probe(ctx, key)
	if err != nil {
		return false, err
	}
	if !maybe {
		telemetry.BloomProbesTotal.WithLabelValues("definitely_not").Inc()
		return false, nil
	}

	_, err = c.store.Get(ctx, negKey(key))
	if err != nil {
		if err == kv.ErrNotFound {
			telemetry.BloomProbesTotal.WithLabelValues("false_positive").Inc()
			return false, nil
		}
		return false, err
	}
	telemetry.BloomProbesTotal.WithLabelValues("confirmed").Inc()
	return true, nil
}

// StoreNegative records key in the negative cache with the given TTL.
func (c *Cache) StoreNegative(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.store.Set(ctx, negKey(key), []byte{1}, ttl); err != nil {
		return fmt.Errorf("storing negative cache entry: %w", err)
	}
	if c.negative != nil && !c.negative.Disabled() {
		if err := c.negative.Add(ctx, key); err != nil {
			return fmt.Errorf("adding negative bloom hint: %w", err)
		}
	}
	return nil
}
