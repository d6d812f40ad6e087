package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/cache"
	"github.com/kjstillabower/oasa-bus-tracker/internal/circuitbreaker"
	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/config"
	httphandler "github.com/kjstillabower/oasa-bus-tracker/internal/http"
	"github.com/kjstillabower/oasa-bus-tracker/internal/lifecycle"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
	"github.com/kjstillabower/oasa-bus-tracker/internal/service"
	"github.com/kjstillabower/oasa-bus-tracker/internal/settings"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ensureDirectories(logger, cfg.StaticDir, cfg.TemplatesDir)

	// The service keeps serving cached data and settings without a provider;
	// refresh cycles then fail and route detail answers 503.
	var provider client.Provider
	oasaClient, err := client.NewOASAClientWithRetry(
		cfg.OASAAPIURL,
		cfg.OASAAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Error("OASA client unavailable", zap.Error(err))
	} else {
		if cfg.BreakerFailureThreshold > 0 {
			cb := circuitbreaker.New(circuitbreaker.Config{
				FailureThreshold: cfg.BreakerFailureThreshold,
				SuccessThreshold: cfg.BreakerSuccessThreshold,
				Timeout:          cfg.BreakerTimeout,
				Component:        "oasa_api",
				OnStateChange: func(from, to circuitbreaker.State) {
					observability.RecordCircuitBreakerTransition("oasa_api", from.String(), to.String())
					observability.SetCircuitBreakerStateGauge("oasa_api", int(to))
					logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
				},
			})
			oasaClient.SetCircuitBreaker(cb)
			observability.SetCircuitBreakerStateGauge("oasa_api", int(circuitbreaker.StateClosed))
			logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.BreakerFailureThreshold), zap.Duration("timeout", cfg.BreakerTimeout))
		}
		provider = oasaClient
	}

	store, storePing, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("snapshot store", zap.Error(err))
	}

	settingsManager := settings.NewManager(cfg.SettingsPath, settings.Defaults(cfg.RefreshInterval), cfg.Location, logger)
	if _, err := settingsManager.Load(); err != nil {
		logger.Warn("settings load failed, using defaults", zap.Error(err))
	}

	snapshots := cache.NewSnapshotCache(settingsManager.Location())
	refresher := cache.NewRefresher(
		snapshots,
		service.NewStopDiscovery(provider, logger),
		service.NewBusJoiner(provider, cfg.JoinConcurrency, logger),
		settingsManager.Location,
		cache.RefresherConfig{Interval: cfg.RefreshInterval, StoreTTL: cfg.CacheTTL},
		store,
		logger,
	)
	routes := service.NewRouteService(provider, cfg.CoalesceTimeout)

	observability.RegisterSnapshotAgeGauge(snapshots.LastUpdate)
	observability.RegisterRateLimitGauges(cfg.DegradedWindow)

	healthConfig := &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StaleAfter:       cfg.StaleAfter,
		StartTime:        time.Now(),
		StorePing:        storePing,
	}
	handler := httphandler.NewHandler(snapshots, routes, settingsManager, healthConfig, cfg.TemplatesDir, logger)
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		Limiter:        httphandler.NewClientLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst),
		RequestTimeout: cfg.RequestTimeout,
		RouteTimeout:   cfg.RouteRequestTimeout,
		StaticDir:      cfg.StaticDir,
	})

	if err := refresher.Start(context.Background()); err != nil {
		logger.Fatal("refresher", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RouteRequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", ":"+cfg.ServerPort),
			zap.String("location", settingsManager.Location().Name),
			zap.Duration("refresh_interval", cfg.RefreshInterval),
			zap.String("cache_backend", cfg.CacheBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	err = lifecycle.Shutdown(shutdownCtx, logger,
		lifecycle.Step{Name: "http server", Run: srv.Shutdown},
		lifecycle.Step{Name: "in-flight requests", Run: func(ctx context.Context) error {
			inFlight := httphandler.InFlightCount()
			logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
			observability.RecordShutdownInFlight(inFlight)
			return httphandler.WaitForInFlight(ctx, 100*time.Millisecond)
		}},
		lifecycle.Step{Name: "refresher", Run: func(context.Context) error {
			refresher.Stop()
			return nil
		}},
		lifecycle.Step{Name: "snapshot store", Run: func(context.Context) error { return store.Close() }},
		lifecycle.Step{Name: "telemetry", Run: func(ctx context.Context) error {
			return observability.FlushTelemetry(ctx, logger)
		}},
	)
	if err != nil {
		logger.Warn("shutdown completed with errors", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newStore builds the snapshot mirror store for the configured backend. The
// returned ping is nil for the in-memory store.
func newStore(cfg *config.Config, logger *zap.Logger) (cache.Store, func(context.Context) error, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("snapshot store: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, func(context.Context) error { return mc.Ping() }, nil
	case "redis":
		pool := cache.NewRedisPool(cfg.RedisAddr, cfg.RedisTimeout,
			cache.RedisPoolMaxIdle(cfg.RedisMaxIdle),
			cache.RedisPoolTestOnBorrow(func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			}),
		)
		rs := cache.NewRedisStore(pool)
		logger.Info("snapshot store: redis", zap.String("addr", cfg.RedisAddr))
		return rs, rs.Ping, nil
	default:
		logger.Info("snapshot store: in_memory, snapshots are not kept across restarts")
		return cache.NewInMemoryStore(), nil, nil
	}
}

// ensureDirectories creates the static and template directories the web UI
// is served from when they are missing.
func ensureDirectories(logger *zap.Logger, staticDir, templatesDir string) {
	var dirs []string
	if staticDir != "" {
		dirs = append(dirs,
			staticDir,
			filepath.Join(staticDir, "audio"),
			filepath.Join(staticDir, "images"),
			filepath.Join(staticDir, "css"),
			filepath.Join(staticDir, "js"),
		)
	}
	if templatesDir != "" {
		dirs = append(dirs, templatesDir)
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err == nil {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			logger.Warn("create directory failed", zap.String("dir", d), zap.Error(err))
			continue
		}
		logger.Info("created directory", zap.String("dir", d))
	}
}
