// Package configstore is the persistence layer for the gateway's control
// plane data (spec.md §3): tenants, API keys, routes, cache policies, and
// blocked-key records, backed by Postgres via pgx.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/gateway/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("configstore: not found")

// Store is the Postgres-backed configuration store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetAPIKeyByHash resolves the opaque bearer token's hash to its APIKey
// record (spec.md §4.9 step 1's authenticate step).
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	const q = `
		SELECT id, tenant_id, hashed_secret, prefix, status,
		       rate_limit_rps, rate_limit_burst, quota_daily, quota_monthly, last_used_at
		FROM api_keys
		WHERE hashed_secret = $1`

	row := s.pool.QueryRow(ctx, q, hash)
	k, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying api key by hash: %w", err)
	}
	return k, nil
}

// TouchAPIKeyLastUsed updates last_used_at, best-effort (called async and
// fire-and-forget by the pipeline, mirroring the teacher's own
// update-then-ignore-the-result pattern for non-critical bookkeeping).
func (s *Store) TouchAPIKeyLastUsed(ctx context.Context, apiKeyID string) error {
	const q = `UPDATE api_keys SET last_used_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, apiKeyID)
	return err
}

// GetTenant resolves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	const q = `SELECT id, name, is_active FROM tenants WHERE id = $1`
	var t model.Tenant
	if err := s.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.Name, &t.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return &t, nil
}

// ListActiveRoutes returns every active route, used to populate the config
// cache's in-memory view (spec.md §4.9a).
func (s *Store) ListActiveRoutes(ctx context.Context) ([]model.Route, error) {
	const q = `
		SELECT id, name, path_pattern, methods, upstream_base_url,
		       timeout_ms, policy_id, priority, is_active, created_at
		FROM routes
		WHERE is_active = true
		ORDER BY priority DESC, created_at ASC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		var r model.Route
		var methodsJSON []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.PathPattern, &methodsJSON,
			&r.UpstreamBaseURL, &r.TimeoutMS, &r.PolicyID, &r.Priority,
			&r.IsActive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning route row: %w", err)
		}
		r.Methods = decodeMethodSet(methodsJSON)
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// ListCachePolicies returns every cache policy.
func (s *Store) ListCachePolicies(ctx context.Context) ([]model.CachePolicy, error) {
	const q = `
		SELECT id, ttl_seconds, stale_seconds, vary_headers,
		       cacheable_statuses, cacheable_methods, max_body_bytes, cache_no_store
		FROM cache_policies`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing cache policies: %w", err)
	}
	defer rows.Close()

	var policies []model.CachePolicy
	for rows.Next() {
		var p model.CachePolicy
		var vary []byte
		var statuses []byte
		var methods []byte
		if err := rows.Scan(&p.ID, &p.TTLSeconds, &p.StaleSeconds, &vary,
			&statuses, &methods, &p.MaxBodyBytes, &p.CacheNoStore); err != nil {
			return nil, fmt.Errorf("scanning cache policy row: %w", err)
		}
		p.VaryHeaders = decodeStringSlice(vary)
		p.CacheableStatuses = decodeIntSet(statuses)
		p.CacheableMethods = decodeMethodSet(methods)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// GetTenantByName resolves a tenant by its display name, used by the seed
// package to check for an existing demo tenant before creating one.
func (s *Store) GetTenantByName(ctx context.Context, name string) (*model.Tenant, error) {
	const q = `SELECT id, name, is_active FROM tenants WHERE name = $1`
	var t model.Tenant
	if err := s.pool.QueryRow(ctx, q, name).Scan(&t.ID, &t.Name, &t.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying tenant by name: %w", err)
	}
	return &t, nil
}

// CreateTenant inserts a new tenant and returns it with its generated ID.
func (s *Store) CreateTenant(ctx context.Context, name string) (*model.Tenant, error) {
	const q = `INSERT INTO tenants (name, is_active) VALUES ($1, true) RETURNING id, name, is_active`
	var t model.Tenant
	if err := s.pool.QueryRow(ctx, q, name).Scan(&t.ID, &t.Name, &t.IsActive); err != nil {
		return nil, fmt.Errorf("inserting tenant: %w", err)
	}
	return &t, nil
}

// GetRouteByName resolves a route by its unique name.
func (s *Store) GetRouteByName(ctx context.Context, name string) (*model.Route, error) {
	const q = `
		SELECT id, name, path_pattern, methods, upstream_base_url,
		       timeout_ms, policy_id, priority, is_active, created_at
		FROM routes
		WHERE name = $1`
	var r model.Route
	var methodsJSON []byte
	err := s.pool.QueryRow(ctx, q, name).Scan(&r.ID, &r.Name, &r.PathPattern, &methodsJSON,
		&r.UpstreamBaseURL, &r.TimeoutMS, &r.PolicyID, &r.Priority, &r.IsActive, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying route by name: %w", err)
	}
	r.Methods = decodeMethodSet(methodsJSON)
	return &r, nil
}

// CreateCachePolicy inserts a cache policy and returns its generated ID.
func (s *Store) CreateCachePolicy(ctx context.Context, p model.CachePolicy) (string, error) {
	const q = `
		INSERT INTO cache_policies
			(ttl_seconds, stale_seconds, vary_headers, cacheable_statuses, cacheable_methods, max_body_bytes, cache_no_store)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	var id string
	err := s.pool.QueryRow(ctx, q, p.TTLSeconds, p.StaleSeconds, encodeStringSlice(p.VaryHeaders),
		encodeIntSet(p.CacheableStatuses), encodeMethodSet(p.CacheableMethods), p.MaxBodyBytes, p.CacheNoStore).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting cache policy: %w", err)
	}
	return id, nil
}

// CreateRoute inserts a route, ignoring r.ID/r.CreatedAt (server-assigned).
func (s *Store) CreateRoute(ctx context.Context, r model.Route) error {
	const q = `
		INSERT INTO routes (name, path_pattern, methods, upstream_base_url, timeout_ms, policy_id, priority, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q, r.Name, r.PathPattern, encodeMethodSet(r.Methods),
		r.UpstreamBaseURL, r.TimeoutMS, r.PolicyID, r.Priority, r.IsActive)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

// CreateAPIKey inserts an API key, ignoring k.ID (server-assigned).
func (s *Store) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	const q = `
		INSERT INTO api_keys
			(tenant_id, hashed_secret, prefix, status, rate_limit_rps, rate_limit_burst, quota_daily, quota_monthly)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q, k.TenantID, k.HashedSecret, k.Prefix, k.Status,
		k.RateLimitRPS, k.RateLimitBurst, k.QuotaDaily, k.QuotaMonthly)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// InsertBlockedKeyRecord persists a soft-block installed by the abuse
// detector (spec.md §3's BlockedKeyRecord).
func (s *Store) InsertBlockedKeyRecord(ctx context.Context, rec model.BlockedKeyRecord) error {
	const q = `
		INSERT INTO blocked_key_records
			(id, api_key_id, reason, anomaly_score, blocked_at, blocked_until, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, rec.ID, rec.APIKeyID, rec.Reason,
		rec.AnomalyScore, rec.BlockedAt, rec.BlockedUntil, rec.IsActive)
	if err != nil {
		return fmt.Errorf("inserting blocked key record: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAPIKey(row scannable) (*model.APIKey, error) {
	var k model.APIKey
	var lastUsed *time.Time
	if err := row.Scan(&k.ID, &k.TenantID, &k.HashedSecret, &k.Prefix, &k.Status,
		&k.RateLimitRPS, &k.RateLimitBurst, &k.QuotaDaily, &k.QuotaMonthly, &lastUsed); err != nil {
		return nil, err
	}
	k.LastUsedAt = lastUsed
	return &k, nil
}

func decodeMethodSet(raw []byte) map[string]bool {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make(map[string]bool, len(list))
	for _, m := range list {
		out[m] = true
	}
	return out
}

func decodeIntSet(raw []byte) map[int]bool {
	var list []int
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make(map[int]bool, len(list))
	for _, n := range list {
		out[n] = true
	}
	return out
}

func decodeStringSlice(raw []byte) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func encodeMethodSet(set map[string]bool) []byte {
	list := make([]string, 0, len(set))
	for m := range set {
		list = append(list, m)
	}
	buf, _ := json.Marshal(list)
	return buf
}

func encodeIntSet(set map[int]bool) []byte {
	list := make([]int, 0, len(set))
	for n := range set {
		list = append(list, n)
	}
	buf, _ := json.Marshal(list)
	return buf
}

func encodeStringSlice(list []string) []byte {
	buf, _ := json.Marshal(list)
	return buf
}
