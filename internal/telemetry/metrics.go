package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration records latency of requests served by the gateway's own
// HTTP surface (the /g proxy entrypoint, health, metrics), labeled by
// method/route/status.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Gateway own HTTP surface request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

// PipelineRequestsTotal counts proxied requests by their terminal outcome
// (ok, missing_api_key, invalid_api_key, no_route, rate_limited,
// quota_exceeded, abuse_blocked, upstream_timeout, upstream_error, internal)
// and the route they matched (empty for requests that never reached a
// route, e.g. missing_api_key/invalid_api_key/no_route).
var PipelineRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total number of proxied requests by terminal outcome and route.",
	},
	[]string{"outcome", "route_id"},
)

// PipelineStageDuration records how long each pipeline stage takes.
var PipelineStageDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	},
	[]string{"stage"},
)

// CacheOutcomesTotal counts response cache lookups by outcome (hit, stale, miss).
var CacheOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "cache",
		Name:      "outcomes_total",
		Help:      "Total number of response cache lookups by outcome.",
	},
	[]string{"outcome"},
)

// CacheRevalidationsTotal counts background revalidation jobs by result.
var CacheRevalidationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "cache",
		Name:      "revalidations_total",
		Help:      "Total number of background cache revalidations by result.",
	},
	[]string{"result"},
)

// CacheSingleFlightWaitsTotal counts requests that waited on an in-flight
// single-flight lease instead of issuing their own upstream fetch.
var CacheSingleFlightWaitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "cache",
		Name:      "singleflight_waits_total",
		Help:      "Total number of requests that waited on a single-flight lease.",
	},
)

// BloomProbesTotal counts negative-cache bloom filter probes by result.
var BloomProbesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bloom",
		Name:      "probes_total",
		Help:      "Total number of bloom filter probes by result (definitely_not, false_positive, confirmed).",
	},
	[]string{"result"},
)

// BloomDisabled reports (1/0) whether the negative-cache bloom filter is
// disabled because the gateway is running against the fallback KV store.
var BloomDisabled = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "bloom",
		Name:      "disabled",
		Help:      "1 if the bloom filter is disabled (fallback KV mode), 0 otherwise.",
	},
)

// KVDegraded reports (1/0) whether the gateway is running in degraded mode
// (shared KV backend unreachable, using the in-process fallback store).
var KVDegraded = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "kv",
		Name:      "degraded",
		Help:      "1 if the shared KV backend is unreachable and the fallback store is in use.",
	},
)

// AbuseBlocksTotal counts keys soft-blocked by the abuse detector.
var AbuseBlocksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "abuse",
		Name:      "blocks_total",
		Help:      "Total number of keys soft-blocked by the abuse detector, by reason.",
	},
	[]string{"reason"},
)

// UpstreamRequestDuration records upstream fetch latency by outcome.
var UpstreamRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream fetch duration in seconds, by outcome.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"outcome"},
)

// RequestLogDroppedTotal counts request-log entries dropped because the
// async write queue was full.
var RequestLogDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "requestlog",
		Name:      "dropped_total",
		Help:      "Total number of request log entries dropped due to a full queue.",
	},
)

// All returns all gateway-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		PipelineRequestsTotal,
		PipelineStageDuration,
		CacheOutcomesTotal,
		CacheRevalidationsTotal,
		CacheSingleFlightWaitsTotal,
		BloomProbesTotal,
		BloomDisabled,
		KVDegraded,
		AbuseBlocksTotal,
		UpstreamRequestDuration,
		RequestLogDroppedTotal,
	}
}
