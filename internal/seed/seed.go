// Package seed provisions a demo tenant, API key, cache policy, and route
// so a freshly-started gateway (DEPLOYMENT_MODE=demo) is immediately
// reachable without a separate admin bootstrap step. Grounded on the
// teacher's idempotent check-then-create seeding pattern, flattened from
// its schema-per-tenant provisioner down to this gateway's single-schema
// configstore.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wisbric/gateway/internal/configstore"
	"github.com/wisbric/gateway/internal/model"
	"github.com/wisbric/gateway/internal/pipeline"
)

// DemoTenantName is the fixed tenant name seeding checks for before
// creating anything, making Run safe to call on every startup.
const DemoTenantName = "demo"

// DemoRouteName is the name of the seeded route, reachable at /g/demo/*.
const DemoRouteName = "demo"

// DemoAPIKey is the raw secret printed to the log and accepted as
// X-API-Key by the seeded demo tenant. It is not a production credential.
const DemoAPIKey = "demo-gateway-key"

// Run seeds a demo tenant/API key/cache policy/route if none exists yet.
// upstreamBaseURL is the origin the demo route proxies to.
func Run(ctx context.Context, store *configstore.Store, logger *slog.Logger, upstreamBaseURL string) error {
	tenant, err := store.GetTenantByName(ctx, DemoTenantName)
	if err != nil {
		if !errors.Is(err, configstore.ErrNotFound) {
			return fmt.Errorf("checking for existing demo tenant: %w", err)
		}
		tenant, err = store.CreateTenant(ctx, DemoTenantName)
		if err != nil {
			return fmt.Errorf("creating demo tenant: %w", err)
		}
		logger.Info("seed: created demo tenant", "tenant_id", tenant.ID)

		key := model.APIKey{
			TenantID:       tenant.ID,
			HashedSecret:   pipeline.HashAPIKey(DemoAPIKey),
			Prefix:         DemoAPIKey[:6],
			Status:         model.APIKeyActive,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			QuotaDaily:     0,
			QuotaMonthly:   0,
		}
		if err := store.CreateAPIKey(ctx, key); err != nil {
			return fmt.Errorf("creating demo api key: %w", err)
		}
		logger.Info("seed: created demo api key", "raw_key", DemoAPIKey)
	} else {
		logger.Info("seed: demo tenant already exists, skipping tenant/key creation", "tenant_id", tenant.ID)
	}

	if _, err := store.GetRouteByName(ctx, DemoRouteName); err == nil {
		logger.Info("seed: demo route already exists, skipping route/policy creation")
		return nil
	} else if !errors.Is(err, configstore.ErrNotFound) {
		return fmt.Errorf("checking for existing demo route: %w", err)
	}

	policyID, err := store.CreateCachePolicy(ctx, model.CachePolicy{
		TTLSeconds:        30,
		StaleSeconds:      30,
		VaryHeaders:       nil,
		CacheableStatuses: map[int]bool{200: true},
		CacheableMethods:  model.DefaultCacheableMethods(),
		MaxBodyBytes:      1 << 20,
	})
	if err != nil {
		return fmt.Errorf("creating demo cache policy: %w", err)
	}

	route := model.Route{
		Name:            DemoRouteName,
		PathPattern:     "/*",
		Methods:         map[string]bool{"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true},
		UpstreamBaseURL: upstreamBaseURL,
		TimeoutMS:       30000,
		PolicyID:        &policyID,
		Priority:        0,
		IsActive:        true,
	}
	if err := store.CreateRoute(ctx, route); err != nil {
		return fmt.Errorf("creating demo route: %w", err)
	}
	logger.Info("seed: created demo route", "route", DemoRouteName, "upstream", upstreamBaseURL)
	return nil
}
