// Package pipeline implements the gateway's request pipeline (spec.md
// §4.9): the ten-step state machine every proxied request passes through,
// from credential extraction to async logging.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/gateway/internal/abuse"
	"github.com/wisbric/gateway/internal/cachekey"
	"github.com/wisbric/gateway/internal/httpserver"
	"github.com/wisbric/gateway/internal/model"
	"github.com/wisbric/gateway/internal/quota"
	"github.com/wisbric/gateway/internal/ratelimit"
	"github.com/wisbric/gateway/internal/requestlog"
	"github.com/wisbric/gateway/internal/responsecache"
	"github.com/wisbric/gateway/internal/telemetry"
	"github.com/wisbric/gateway/internal/upstreamclient"
)

// Config holds the admission defaults applied when a tenant's key doesn't
// override them (spec.md §6).
type Config struct {
	DefaultRateLimitRPS   float64
	DefaultRateLimitBurst int
	RevalidateLeaseTTL    time.Duration
	NegativeCacheTTL      time.Duration
	DefaultUpstreamMS     int
}

// RouteMatcher resolves the route and cache policy serving a request. The
// gateway's real implementation is *configcache.Cache.
type RouteMatcher interface {
	MatchRoute(method, path string) (model.Route, bool)
	PolicyFor(route model.Route) (model.CachePolicy, bool)
}

// CredentialStore resolves and touches API key credentials. The gateway's
// real implementation is *configstore.Store.
type CredentialStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	TouchAPIKeyLastUsed(ctx context.Context, apiKeyID string) error
}

// Pipeline wires every admission/caching component into the single HTTP
// handler mounted at /g/{route}/*.
type Pipeline struct {
	cfg         Config
	logger      *slog.Logger
	configCache RouteMatcher
	configStore CredentialStore
	rateLimiter *ratelimit.Limiter
	quota       *quota.Counter
	abuse       *abuse.Detector
	cache       *responsecache.Cache
	upstream    *upstreamclient.Client
	reqLog      *requestlog.Writer
	workerID    string
}

// New creates a Pipeline.
func New(
	cfg Config,
	logger *slog.Logger,
	configCache RouteMatcher,
	configStore CredentialStore,
	rateLimiter *ratelimit.Limiter,
	quotaCounter *quota.Counter,
	abuseDetector *abuse.Detector,
	cache *responsecache.Cache,
	upstream *upstreamclient.Client,
	reqLog *requestlog.Writer,
) *Pipeline {
	if cfg.DefaultRateLimitRPS <= 0 {
		cfg.DefaultRateLimitRPS = 100
	}
	if cfg.DefaultRateLimitBurst <= 0 {
		cfg.DefaultRateLimitBurst = 200
	}
	if cfg.RevalidateLeaseTTL <= 0 {
		cfg.RevalidateLeaseTTL = 5 * time.Second
	}
	if cfg.NegativeCacheTTL <= 0 {
		cfg.NegativeCacheTTL = 60 * time.Second
	}
	if cfg.DefaultUpstreamMS <= 0 {
		cfg.DefaultUpstreamMS = 30000
	}
	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		configCache: configCache,
		configStore: configStore,
		rateLimiter: rateLimiter,
		quota:       quotaCounter,
		abuse:       abuseDetector,
		cache:       cache,
		upstream:    upstream,
		reqLog:      reqLog,
		workerID:    uuid.New().String(),
	}
}

// ServeHTTP is the pipeline's entry point, mounted at /g/{route}/* and
// /g/{route} (spec.md §6).
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := httpserver.RequestIDFromContext(r.Context())
	ctx := r.Context()

	routeName := chi.URLParam(r, "route")
	subPath := chi.URLParam(r, "*")

	logEntry := model.RequestLog{
		RequestID: requestID,
		Method:    r.Method,
		Path:      "/" + subPath,
		At:        start,
	}
	outcome := "ok"
	cacheStatus := model.CacheNone

	defer func() {
		logEntry.LatencyMS = time.Since(start).Milliseconds()
		logEntry.CacheStatus = cacheStatus
		if p.reqLog != nil {
			p.reqLog.Log(logEntry)
		}
		telemetry.PipelineRequestsTotal.WithLabelValues(outcome, logEntry.RouteID).Inc()
	}()

	stage := func(name string, fn func()) {
		stageStart := time.Now()
		fn()
		telemetry.PipelineStageDuration.WithLabelValues(name).Observe(time.Since(stageStart).Seconds())
	}

	// Step 1: extract credentials.
	rawKey := r.Header.Get("X-API-Key")
	if rawKey == "" {
		outcome = "missing_api_key"
		writeErr(w, http.StatusUnauthorized, requestID, outcome, "missing X-API-Key header")
		return
	}

	// Step 2: authenticate.
	var key *model.APIKey
	stage("authenticate", func() {
		key = p.authenticate(ctx, rawKey)
	})
	if key == nil {
		outcome = "invalid_api_key"
		writeErr(w, http.StatusUnauthorized, requestID, outcome, "invalid or inactive API key")
		return
	}
	logEntry.APIKeyID = key.ID

	// Step 3: route match.
	var route model.Route
	var matched bool
	stage("route_match", func() {
		route, matched = p.configCache.MatchRoute(r.Method, "/"+subPath)
	})
	if !matched || route.Name != routeName {
		outcome = "no_route"
		writeErr(w, http.StatusNotFound, requestID, outcome, "no route matches this request")
		return
	}
	logEntry.RouteID = route.ID

	// Step 4: abuse precheck.
	var blocked bool
	stage("abuse_precheck", func() {
		blocked, _ = p.abuse.IsBlocked(ctx, key.ID)
	})
	if blocked {
		outcome = "abuse_blocked"
		telemetry.AbuseBlocksTotal.WithLabelValues("precheck").Inc()
		writeErr(w, http.StatusTooManyRequests, requestID, outcome, "key is temporarily blocked")
		return
	}
	stage("abuse_tick_request", func() {
		v, _ := p.abuse.TickRequest(ctx, key.ID)
		if v.Blocked {
			telemetry.AbuseBlocksTotal.WithLabelValues(string(v.Reason)).Inc()
		}
	})

	// Step 5: rate limit.
	rps := key.RateLimitRPS
	if rps <= 0 {
		rps = p.cfg.DefaultRateLimitRPS
	}
	burst := key.RateLimitBurst
	if burst <= 0 {
		burst = p.cfg.DefaultRateLimitBurst
	}
	var rlResult ratelimit.Result
	stage("rate_limit", func() {
		rlResult, _ = p.rateLimiter.Check(ctx, "rl:"+key.ID, burst, rps)
	})
	if !rlResult.Allowed {
		outcome = "rate_limited"
		w.Header().Set("Retry-After", fmt.Sprintf("%d", rlResult.RetryAfterSecs))
		writeErr(w, http.StatusTooManyRequests, requestID, outcome, "rate limit exceeded")
		return
	}

	// Step 6: quota.
	var quotaResults []quota.Result
	stage("quota", func() {
		quotaResults, _ = p.quota.Increment(ctx, "q:"+key.ID, key.QuotaDaily, key.QuotaMonthly)
	})
	for _, qr := range quotaResults {
		if qr.Exceeded {
			outcome = "quota_exceeded"
			writeErr(w, http.StatusTooManyRequests, requestID, outcome, fmt.Sprintf("%s quota exceeded", qr.Period))
			return
		}
	}

	// Step 7/8: cache path + upstream fetch.
	policy, cacheable := p.configCache.PolicyFor(route)
	ccRequest := cachekey.Request{
		Method:      r.Method,
		TenantID:    key.TenantID,
		RouteName:   route.Name,
		Path:        "/" + subPath,
		Query:       r.URL.Query(),
		Header:      r.Header,
		VaryHeaders: varyHeaders(policy, cacheable),
	}
	cacheKeyStr := cachekey.Compute(ccRequest)

	bodyBytes, _ := io.ReadAll(io.LimitReader(r.Body, 10<<20))

	fetch := func(fctx context.Context) (responsecache.Entry, error) {
		timeoutMS := route.TimeoutMS
		if timeoutMS <= 0 {
			timeoutMS = p.cfg.DefaultUpstreamMS
		}
		var reqBody io.Reader
		if len(bodyBytes) > 0 {
			reqBody = bytes.NewReader(bodyBytes)
		}
		resp, _ := p.upstream.Fetch(fctx, r.Method, route.UpstreamBaseURL+"/"+subPath,
			r.Header, reqBody, time.Duration(timeoutMS)*time.Millisecond)
		telemetry.UpstreamRequestDuration.WithLabelValues(string(resp.Outcome)).Observe(resp.Latency.Seconds())
		entry, err := upstreamResponseToEntry(resp, route.Name)
		if err == nil && cacheable && responsecache.Eligible(&policy, r.Method, entry.Status, int64(len(entry.Body)), headerValue(entry.Headers, "Cache-Control")) {
			stampFreshness(&entry, policy)
		}
		return entry, err
	}

	var entry responsecache.Entry

	if cacheable && methodCacheable(policy, r.Method) {
		var fresh responsecache.Freshness
		stage("cache_lookup", func() {
			entry, fresh, _ = p.cache.Lookup(ctx, cacheKeyStr)
		})
		switch fresh {
		case responsecache.Fresh:
			cacheStatus = model.CacheHit
		case responsecache.Stale:
			cacheStatus = model.CacheStale
			p.cache.ScheduleRevalidation(cacheKeyStr, p.workerID, p.cfg.RevalidateLeaseTTL,
				time.Duration(policy.StaleSeconds+policy.TTLSeconds)*time.Second, fetch)
		default:
			cacheStatus = model.CacheMiss
			var negHit bool
			if r.Method == http.MethodGet {
				stage("bloom_probe", func() {
					negHit, _ = p.cache.ProbeNegative(ctx, cacheKeyStr)
				})
			}
			if negHit {
				entry = responsecache.Entry{Status: http.StatusNotFound, StoredAt: time.Now(), Origin: route.Name}
			} else {
				var fetchErr error
				stage("upstream_fetch", func() {
					entry, fetchErr = p.cache.Coalesce(ctx, cacheKeyStr, p.workerID,
						time.Duration(policy.TTLSeconds+policy.StaleSeconds)*time.Second, fetch)
				})
				if fetchErr != nil {
					logEntry.Status = entry.Status
					p.respondUpstreamError(w, requestID, &outcome, entry)
					return
				}
			}
		}
	} else {
		cacheStatus = model.CacheBypass
		var fetchErr error
		stage("upstream_fetch", func() {
			entry, fetchErr = fetch(ctx)
		})
		if fetchErr != nil {
			logEntry.Status = entry.Status
			p.respondUpstreamError(w, requestID, &outcome, entry)
			return
		}
	}

	// Step 9: post-processing.
	logEntry.Status = entry.Status
	if entry.Status >= 500 {
		stage("abuse_error_tick", func() {
			v, _ := p.abuse.TickError(ctx, key.ID)
			if v.Blocked {
				telemetry.AbuseBlocksTotal.WithLabelValues(string(v.Reason)).Inc()
			}
		})
	}
	if cacheable && cacheStatus == model.CacheMiss && r.Method == http.MethodGet &&
		(entry.Status == http.StatusNotFound || entry.Status == http.StatusGone) {
		stage("bloom_store_negative", func() {
			_ = p.cache.StoreNegative(ctx, cacheKeyStr, time.Duration(policy.TTLSeconds)*time.Second)
		})
	}

	now := time.Now()
	w.Header().Set("X-Cache", string(cacheStatus))
	w.Header().Set("X-Route", route.Name)
	w.Header().Set("Age", fmt.Sprintf("%d", int(entry.Age(now).Seconds())))
	for _, h := range entry.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	if entry.Status == 0 {
		entry.Status = http.StatusBadGateway
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

func (p *Pipeline) respondUpstreamError(w http.ResponseWriter, requestID string, outcome *string, entry responsecache.Entry) {
	switch entry.Status {
	case http.StatusGatewayTimeout:
		*outcome = "upstream_timeout"
		writeErr(w, http.StatusGatewayTimeout, requestID, *outcome, "upstream request timed out")
	default:
		*outcome = "upstream_error"
		writeErr(w, http.StatusBadGateway, requestID, *outcome, "upstream request failed")
	}
}

func (p *Pipeline) authenticate(ctx context.Context, rawKey string) *model.APIKey {
	hash := HashAPIKey(rawKey)
	key, err := p.configStore.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil
	}
	if key.Status != model.APIKeyActive {
		return nil
	}
	tenant, err := p.configStore.GetTenant(ctx, key.TenantID)
	if err != nil || !tenant.IsActive {
		return nil
	}
	go func() {
		_ = p.configStore.TouchAPIKeyLastUsed(context.Background(), key.ID)
	}()
	return key
}

// HashAPIKey derives the lookup hash stored alongside every APIKey. Keys
// are never stored or logged in raw form past this call.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// stampFreshness sets an entry's fresh_until/stale_until window from policy
// at the moment it was fetched, satisfying the stored_at <= fresh_until <=
// stale_until invariant (spec.md §3).
func stampFreshness(e *responsecache.Entry, policy model.CachePolicy) {
	e.FreshUntil = e.StoredAt.Add(time.Duration(policy.TTLSeconds) * time.Second)
	e.StaleUntil = e.FreshUntil.Add(time.Duration(policy.StaleSeconds) * time.Second)
}

func varyHeaders(policy model.CachePolicy, cacheable bool) []string {
	if !cacheable {
		return nil
	}
	return policy.VaryHeaders
}

// methodCacheable reports whether policy admits method into the cache path
// at all, independent of the eventual response status (spec.md §4.9 step 7
// decides this before the upstream has even been asked).
func methodCacheable(policy model.CachePolicy, method string) bool {
	if policy.CacheNoStore {
		return false
	}
	methods := policy.CacheableMethods
	if methods == nil {
		methods = model.DefaultCacheableMethods()
	}
	return methods[strings.ToUpper(method)]
}

func headerValue(headers []responsecache.HeaderField, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func upstreamResponseToEntry(resp upstreamclient.Response, origin string) (responsecache.Entry, error) {
	now := time.Now()
	e := responsecache.Entry{
		Status:     resp.Status,
		Body:       resp.Body,
		StoredAt:   now,
		FreshUntil: now,
		StaleUntil: now,
		Origin:     origin,
	}
	for name, values := range resp.Header {
		for _, v := range values {
			e.Headers = append(e.Headers, responsecache.HeaderField{Name: name, Value: v})
		}
	}
	switch resp.Outcome {
	case upstreamclient.OutcomeOK:
		return e, nil
	case upstreamclient.OutcomeTimeout:
		e.Status = http.StatusGatewayTimeout
		return e, fmt.Errorf("upstream timeout")
	default:
		e.Status = http.StatusBadGateway
		return e, fmt.Errorf("upstream error: %s", resp.Outcome)
	}
}

func writeErr(w http.ResponseWriter, status int, requestID, errKind, detail string) {
	httpserver.RespondError(w, status, requestID, errKind, detail)
}
