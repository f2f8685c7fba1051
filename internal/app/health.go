package app

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/wisbric/gateway/internal/httpserver"
	"github.com/wisbric/gateway/internal/kv"
	"github.com/wisbric/gateway/internal/telemetry"
)

const healthPingTimeout = 2 * time.Second

// healthChecker implements httpserver.HealthChecker, reporting the gateway's
// own view of its dependencies for GET /health (spec.md §6).
type healthChecker struct {
	pool          *pgxpool.Pool
	kv            *kv.DegradedAwareStore
	bloomDisabled bool
}

func (h *healthChecker) Health(r *http.Request) httpserver.ComponentStatus {
	status := httpserver.ComponentStatus{KV: "ok", DB: "ok", Bloom: "ok"}

	if h.kv.Degraded() {
		status.KV = "degraded"
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	if err := h.pool.Ping(ctx); err != nil {
		status.DB = "degraded"
	}

	if h.bloomDisabled {
		status.Bloom = "disabled"
	}

	return status
}

// jsonCounters implements httpserver.JSONCounters by summing the gateway's
// cumulative Prometheus counters into a flat snapshot for GET /metrics
// (spec.md §6), a cheaper read than scraping /metrics/prom for a quick
// operator glance.
type jsonCounters struct{}

func (*jsonCounters) Counters() map[string]int64 {
	return map[string]int64{
		"pipeline_requests_total":   int64(sumCounterVec(telemetry.PipelineRequestsTotal)),
		"cache_outcomes_total":      int64(sumCounterVec(telemetry.CacheOutcomesTotal)),
		"cache_revalidations_total": int64(sumCounterVec(telemetry.CacheRevalidationsTotal)),
		"abuse_blocks_total":        int64(sumCounterVec(telemetry.AbuseBlocksTotal)),
		"bloom_probes_total":        int64(sumCounterVec(telemetry.BloomProbesTotal)),
		"requestlog_dropped_total":  int64(sumCounter(telemetry.RequestLogDroppedTotal)),
		"cache_singleflight_waits":  int64(sumCounter(telemetry.CacheSingleFlightWaitsTotal)),
	}
}

func sumCounterVec(c *prometheus.CounterVec) float64 {
	return sumCollector(c)
}

func sumCounter(c prometheus.Counter) float64 {
	return sumCollector(c)
}

func sumCollector(c prometheus.Collector) float64 {
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	var total float64
	for m := range ch {
		var out dto.Metric
		if err := m.Write(&out); err != nil {
			continue
		}
		if out.Counter != nil {
			total += out.Counter.GetValue()
		}
	}
	return total
}
