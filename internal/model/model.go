// Package model holds the gateway's data-model types (spec.md §3): the
// shapes shared by internal/configstore (persistence), internal/configcache
// (in-memory view), internal/responsecache, and internal/pipeline.
package model

import "time"

// APIKeyStatus is the lifecycle state of an APIKey.
type APIKeyStatus string

const (
	APIKeyActive   APIKeyStatus = "active"
	APIKeyDisabled APIKeyStatus = "disabled"
	APIKeyRevoked  APIKeyStatus = "revoked"
)

// APIKey is an opaque secret issued to a tenant (spec.md §3).
type APIKey struct {
	ID             string
	TenantID       string
	HashedSecret   string // one-way hash of the presented bearer token
	Prefix         string // first ~12 chars, for display only
	Status         APIKeyStatus
	RateLimitRPS   float64
	RateLimitBurst int
	QuotaDaily     int64
	QuotaMonthly   int64
	LastUsedAt     *time.Time
}

// Tenant gates all authentications for its keys on IsActive.
type Tenant struct {
	ID       string
	Name     string
	IsActive bool
}

// Route matches inbound requests to an upstream (spec.md §3). A Route with
// no PolicyID disables caching for its traffic.
type Route struct {
	ID              string
	Name            string
	PathPattern     string // glob/prefix, e.g. "/items/*"
	Methods         map[string]bool
	UpstreamBaseURL string
	TimeoutMS       int
	PolicyID        *string
	Priority        int
	IsActive        bool
	CreatedAt       time.Time
}

// CachePolicy configures the Response Cache for the routes that reference it.
type CachePolicy struct {
	ID                string
	TTLSeconds        int
	StaleSeconds      int
	VaryHeaders       []string // ordered
	CacheableStatuses map[int]bool
	CacheableMethods  map[string]bool // default: GET, HEAD
	MaxBodyBytes      int64
	CacheNoStore      bool
}

// DefaultCacheableMethods is used when a CachePolicy does not override it.
func DefaultCacheableMethods() map[string]bool {
	return map[string]bool{"GET": true, "HEAD": true}
}

// BlockReason mirrors internal/abuse.BlockReason without creating an
// import between the persistence model and the abuse detector.
type BlockReason string

const (
	BlockReasonRateSpike      BlockReason = "rate_spike"
	BlockReasonErrorRateSpike BlockReason = "error_rate_spike"
	BlockReasonManual         BlockReason = "manual"
)

// BlockedKeyRecord is the persisted record of a soft-block (spec.md §3).
type BlockedKeyRecord struct {
	ID           string
	APIKeyID     string
	Reason       BlockReason
	AnomalyScore float64
	BlockedAt    time.Time
	BlockedUntil *time.Time
	IsActive     bool
}

// CacheStatus labels a RequestLog row with the outcome of the cache lookup.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheStale  CacheStatus = "STALE"
	CacheMiss   CacheStatus = "MISS"
	CacheBypass CacheStatus = "BYPASS"
	CacheNone   CacheStatus = "-"
)

// RequestLog is emitted post-response, best-effort (spec.md §3).
type RequestLog struct {
	RequestID   string
	APIKeyID    string
	RouteID     string
	Method      string
	Path        string
	Status      int
	LatencyMS   int64
	CacheStatus CacheStatus
	ErrorType   string
	At          time.Time
}
