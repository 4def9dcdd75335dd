package rest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aadhaar-prerana/prerana-core/internal/infrastructure/telemetry"
)

// RouterConfig assembles the HTTP surface.
type RouterConfig struct {
	Engine         Engine
	Logger         *slog.Logger
	RateLimit      RateLimitConfig
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	HealthChecks   []HealthCheck
	RequestTimeout time.Duration
}

// NewRouter builds the mux and middleware chain. A zero RequestsPerSecond
// disables rate limiting. A nil Registerer disables /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	errs := NewErrorHandler(cfg.Logger)
	mux := http.NewServeMux()

	wrap := func(_ string, h http.Handler) http.Handler { return h }
	if cfg.Registerer != nil {
		metrics := NewHTTPMetrics(cfg.Registerer)
		wrap = metrics.Route
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	NewHandler(cfg.Engine, errs, cfg.RequestTimeout).RegisterRoutes(mux, wrap)
	mux.Handle("GET /health", wrap("GET /health", HealthHandler(cfg.HealthChecks)))

	middlewares := []Middleware{
		RecoveryMiddleware(cfg.Logger),
		RequestIDMiddleware(),
		LoggingMiddleware(cfg.Logger),
		TracingMiddleware(telemetry.NewTracer("prerana-core/api.rest")),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		middlewares = append(middlewares, NewRateLimiter(cfg.RateLimit, errs).Middleware())
	}
	return Chain(mux, middlewares...)
}
