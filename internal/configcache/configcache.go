// Package configcache holds the gateway's in-memory view of routes and
// cache policies (SPEC_FULL.md §4.9a), refreshed by a periodic poll and
// reloaded early by a config:changed pub/sub topic. Tenants and API keys
// are not cached here.
package configcache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/gateway/internal/configstore"
	"github.com/wisbric/gateway/internal/kv"
	"github.com/wisbric/gateway/internal/model"
)

const (
	changedTopic    = "config:changed"
	defaultInterval = 30 * time.Second
)

// Cache is the gateway's read-mostly view of control-plane data. Reads never
// touch Postgres on the request path; only the periodic/pub-sub refresh
// does.
type Cache struct {
	store    *configstore.Store
	kv       kv.Store
	logger   *slog.Logger
	interval time.Duration

	mu       sync.RWMutex
	routes   []model.Route
	policies map[string]model.CachePolicy
}

// New creates a Cache. Call Start to begin the refresh loop; routes and
// policies are empty until the first refresh completes.
func New(store *configstore.Store, kvStore kv.Store, interval time.Duration, logger *slog.Logger) *Cache {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Cache{
		store:    store,
		kv:       kvStore,
		interval: interval,
		logger:   logger,
		policies: make(map[string]model.CachePolicy),
	}
}

// Start loads the initial view synchronously, then runs the periodic
// refresh and config:changed subscription in the background until ctx is
// cancelled.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.reload(ctx); err != nil {
		return err
	}
	go c.run(ctx)
	return nil
}

func (c *Cache) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	sub, err := c.kv.Subscribe(ctx, changedTopic)
	if err != nil {
		c.logger.Warn("config cache: subscribing to config:changed failed, falling back to poll-only", "error", err)
	}
	var changed <-chan kv.Message
	if sub != nil {
		defer sub.Close()
		changed = sub.Channel()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reload(ctx); err != nil {
				c.logger.Error("config cache: periodic reload failed", "error", err)
			}
		case <-changed:
			if err := c.reload(ctx); err != nil {
				c.logger.Error("config cache: reload after config:changed failed", "error", err)
			}
		}
	}
}

func (c *Cache) reload(ctx context.Context) error {
	routes, err := c.store.ListActiveRoutes(ctx)
	if err != nil {
		return err
	}
	policyList, err := c.store.ListCachePolicies(ctx)
	if err != nil {
		return err
	}
	policies := make(map[string]model.CachePolicy, len(policyList))
	for _, p := range policyList {
		policies[p.ID] = p
	}

	c.mu.Lock()
	c.routes = routes
	c.policies = policies
	c.mu.Unlock()
	return nil
}

// MatchRoute finds the route serving method/path (spec.md §4.9 step 2),
// tie-broken by priority (descending), then most-specific pattern, then
// creation order (Open Question (a)'s decision) — ListActiveRoutes already
// returns routes ordered by priority DESC, created_at ASC, so the first
// matching entry by iteration order wins on priority and age; pattern
// specificity breaks remaining ties via patternSpecificity.
func (c *Cache) MatchRoute(method, path string) (model.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best model.Route
	var bestSpecificity int
	found := false

	for _, r := range c.routes {
		if !matchesPath(r.PathPattern, path) {
			continue
		}
		if len(r.Methods) > 0 && !r.Methods[strings.ToUpper(method)] {
			continue
		}
		if !found {
			best, bestSpecificity, found = r, patternSpecificity(r.PathPattern), true
			continue
		}
		if r.Priority > best.Priority {
			best, bestSpecificity = r, patternSpecificity(r.PathPattern)
			continue
		}
		if r.Priority == best.Priority {
			if s := patternSpecificity(r.PathPattern); s > bestSpecificity {
				best, bestSpecificity = r, s
			}
		}
	}
	return best, found
}

// PolicyFor resolves a route's CachePolicy, or reports ok=false if the
// route has no policy (caching disabled for that route's traffic).
func (c *Cache) PolicyFor(route model.Route) (model.CachePolicy, bool) {
	if route.PolicyID == nil {
		return model.CachePolicy{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.policies[*route.PolicyID]
	return p, ok
}

// matchesPath implements spec.md §3's Route.PathPattern matching: a
// trailing "/*" matches any suffix under that prefix; anything else must
// match exactly.
func matchesPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	}
	return pattern == path
}

// patternSpecificity ranks patterns so "/items/*" loses to "/items/special"
// when both match the same path and share a priority.
func patternSpecificity(pattern string) int {
	if strings.HasSuffix(pattern, "/*") {
		return len(pattern) - 2
	}
	return len(pattern) + 1000
}
