// Package app wires the gateway's components into a running process:
// config, logging, persistence, the shared KV backend, the admission and
// caching pipeline, and the HTTP server, then runs until the context is
// cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gateway/internal/abuse"
	"github.com/wisbric/gateway/internal/bloom"
	"github.com/wisbric/gateway/internal/config"
	"github.com/wisbric/gateway/internal/configcache"
	"github.com/wisbric/gateway/internal/configstore"
	"github.com/wisbric/gateway/internal/httpserver"
	"github.com/wisbric/gateway/internal/kv"
	"github.com/wisbric/gateway/internal/pipeline"
	"github.com/wisbric/gateway/internal/platform"
	"github.com/wisbric/gateway/internal/quota"
	"github.com/wisbric/gateway/internal/ratelimit"
	"github.com/wisbric/gateway/internal/requestlog"
	"github.com/wisbric/gateway/internal/responsecache"
	"github.com/wisbric/gateway/internal/seed"
	"github.com/wisbric/gateway/internal/telemetry"
	"github.com/wisbric/gateway/internal/upstreamclient"
)

const configCacheRefreshInterval = 30 * time.Second

// Run wires every component and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := kv.Open(ctx, redisClient, cfg.ForceFallbackKV(), logger)
	defer store.Close()

	configStore := configstore.New(pool)

	if cfg.DeploymentMode == "demo" {
		demoUpstream := fmt.Sprintf("http://%s/health", cfg.ListenAddr())
		if err := seed.Run(ctx, configStore, logger, demoUpstream); err != nil {
			logger.Error("seed: failed to seed demo fixtures", "error", err)
		}
	}

	cfgCache := configcache.New(configStore, store, configCacheRefreshInterval, logger)
	if err := cfgCache.Start(ctx); err != nil {
		return fmt.Errorf("loading initial config cache: %w", err)
	}

	negative := bloom.New(store, "bloom:negative", cfg.BloomExpectedItems, cfg.BloomFalsePositive, store.Degraded())
	telemetry.BloomDisabled.Set(boolToFloat(negative.Disabled()))

	cache := responsecache.New(store, negative, responsecache.Config{
		CompressThresholdBytes: cfg.CompressThresholdBytes,
		RevalidateConcurrency:  int64(cfg.RevalidationWorkers),
	})

	rateLimiter := ratelimit.New(store)
	quotaCounter := quota.New(store)
	abuseDetector := abuse.New(store, configStore, abuse.Config{
		Alpha:         cfg.AbuseEWMAAlpha,
		ZThreshold:    cfg.AbuseZScoreThreshold,
		BlockDuration: time.Duration(cfg.AbuseBlockDurationSec) * time.Second,
	})

	upstream := upstreamclient.New(upstreamclient.Config{
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxResponseBodyBytes:  32 << 20,
		OutboundQPS:           cfg.OutboundQPS,
		OutboundBurst:         cfg.OutboundBurst,
	})

	reqLog := requestlog.NewWriter(pool, logger, cfg.RequestLogQueueSize)
	reqLog.Start(ctx)
	defer reqLog.Close()

	pl := pipeline.New(
		pipeline.Config{
			DefaultRateLimitRPS:   float64(cfg.DefaultRateLimitRPS),
			DefaultRateLimitBurst: cfg.DefaultRateLimitBurst,
			DefaultUpstreamMS:     cfg.UpstreamDefaultTimeoutMS,
		},
		logger,
		cfgCache,
		configStore,
		rateLimiter,
		quotaCounter,
		abuseDetector,
		cache,
		upstream,
		reqLog,
	)

	health := &healthChecker{pool: pool, kv: store, bloomDisabled: negative.Disabled()}
	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	srv := httpserver.NewServer(cfg, logger, metricsReg, health, &jsonCounters{}, pl)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway: listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// connectRedis attempts to reach the shared KV backend, returning nil (not
// an error) on failure so kv.Open can fall back to the in-process store
// (spec.md §4.2's degrade-and-continue).
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.ForceFallbackKV() {
		return nil
	}
	client, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("app: redis unreachable at startup, starting degraded", "error", err)
		return nil
	}
	return client
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
