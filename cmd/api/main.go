package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aadhaar-prerana/prerana-core/internal/api/rest"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/cache"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/config"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/database"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/events"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/instrumentation"
	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
	"github.com/aadhaar-prerana/prerana-core/internal/metrics"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/service/gap"
	"github.com/aadhaar-prerana/prerana-core/internal/service/pulse"
)

var _ rest.Engine = (*instrumentation.TracedEngine)(nil)

const (
	dlqRetryInterval = time.Minute
	dlqMaxAge        = 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "prerana-api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	slog.SetDefault(telemetry.SetupLogger(cfg.LogLevel))

	telConfig := telemetry.DefaultConfig()
	telConfig.ServiceVersion = cfg.Version
	telConfig.Environment = cfg.Environment
	telConfig.Enabled = cfg.Telemetry.Enabled
	telConfig.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telConfig.SamplingRate = cfg.Telemetry.SamplingRate
	telConfig.ExportTimeout = cfg.Telemetry.ExportTimeout
	telConfig.BatchTimeout = cfg.Telemetry.BatchTimeout
	provider, err := telemetry.InitializeOpenTelemetry(ctx, telConfig)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	recorder, err := metrics.NewRegistryWithProvider(provider.MeterProvider, telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registerBuildInfo(promRegistry, cfg.Version, cfg.Environment)

	deps := pulse.Deps{
		Clock:    clock.RealClock{},
		Logger:   logger.Named("pulse"),
		Recorder: recorder,
	}
	var checks []rest.HealthCheck

	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, cfg.Database, logger.Named("database"))
		if err != nil {
			return err
		}
		defer pool.Close()
		deps.Events = database.NewEventRepository(pool)
		deps.Freezes = database.NewFreezeRepository(pool)
		deps.Windows = database.NewWindowRepository(pool)
		registerPoolMetrics(promRegistry, pool)
		checks = append(checks, rest.HealthCheck{Name: "postgres", Check: pool.Ping})
	} else {
		logger.Warn("no database configured; event log is in memory and lost on exit")
		deps.Events = eventstore.NewMemoryRepository()
		deps.Freezes = freeze.NewMemoryRepository()
	}

	if cfg.Redis.URL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis, logger.Named("redis"))
		if err != nil {
			return err
		}
		defer client.Close()
		deps.RankingCache = cache.NewRankingCache(client, cfg.Redis.TTL, logger.Named("ranking_cache"))
		checks = append(checks, rest.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	} else {
		deps.RankingCache = gap.NewMemoryCache()
	}

	dispatcher, err := events.NewAlertDispatcher(cfg.Events, recorder, logger.Named("events"))
	if err != nil {
		return err
	}
	if dispatcher != nil {
		deps.Alerts = dispatcher
		defer func() {
			if err := dispatcher.Close(); err != nil {
				logger.Warn("alert dispatcher close failed", zap.Error(err))
			}
		}()
	}

	engine, err := pulse.New(ctx, deps, cfg.Pulse())
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild derived state: %w", err)
	}

	traced, err := instrumentation.NewTracedEngine(engine, provider.MeterProvider)
	if err != nil {
		return err
	}
	router := rest.NewRouter(rest.RouterConfig{
		Engine: traced,
		Logger: slog.Default(),
		RateLimit: rest.RateLimitConfig{
			RequestsPerSecond: float64(cfg.Server.RateLimit.RequestsPerSecond),
			Burst:             cfg.Server.RateLimit.BurstSize,
		},
		Registerer:   promRegistry,
		Gatherer:     promRegistry,
		HealthChecks: checks,
	})
	server := rest.NewServer(cfg.Server, router, logger.Named("http"))

	logger.Info("starting prerana-core",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("durable", cfg.Database.URL != ""),
		zap.String("alert_transport", cfg.Events.Transport))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if dispatcher != nil {
		g.Go(func() error {
			retryDeadLetters(gctx, dispatcher, logger)
			return nil
		})
	}
	err = g.Wait()
	logger.Info("shut down")
	return err
}

// retryDeadLetters periodically redelivers dead-lettered alerts and drops
// the ones older than dlqMaxAge.
func retryDeadLetters(ctx context.Context, d *events.Dispatcher, logger *zap.Logger) {
	ticker := time.NewTicker(dlqRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.RetryDeadLetters(ctx); n > 0 {
				logger.Info("redelivered dead-lettered alerts", zap.Int("count", n))
			}
			if n := d.DeadLetters().Cleanup(dlqMaxAge); n > 0 {
				logger.Warn("dropped expired dead-lettered alerts", zap.Int("count", n))
			}
		}
	}
}
