package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/server/internal/apikey"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/idempotency"
	"github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/monitor"
	"github.com/CedrosPay/server/internal/observability"
	"github.com/CedrosPay/server/internal/ratelimit"
	"github.com/CedrosPay/server/internal/store"
	"github.com/CedrosPay/server/internal/versioning"
	"github.com/CedrosPay/server/internal/webhook"
	"github.com/CedrosPay/server/pkg/zcash402"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

// scanner narrows *monitor.Monitor down to the single synchronous operation
// the authorize handler needs to force an immediate confirmation check.
type scanner interface {
	ScanPaymentIntent(ctx context.Context, id string) error
}

var _ scanner = (*monitor.Monitor)(nil)

type handlers struct {
	cfg              *config.Config
	store            store.Store
	signer           *zcash402.Signer
	monitorScanner   scanner
	webhookEngine    *webhook.Engine
	idempotencyStore idempotency.Store     // Idempotency store for request deduplication
	metrics          *metrics.Metrics      // Prometheus metrics collector
	events           *observability.Registry // Observability hook dispatcher (may be nil)
	logger           zerolog.Logger        // Structured logger
}

// New builds the HTTP server with a configured router.
func New(cfg *config.Config, st store.Store, signer *zcash402.Signer, mon scanner, webhookEngine *webhook.Engine, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, events *observability.Registry, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              cfg,
			store:            st,
			signer:           signer,
			monitorScanner:   mon,
			webhookEngine:    webhookEngine,
			idempotencyStore: idempotencyStore,
			metrics:          metricsCollector,
			events:           events,
			logger:           appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, st, signer, mon, webhookEngine, idempotencyStore, metricsCollector, events, appLogger)

	return s
}

// ConfigureRouter attaches the facilitator's routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, st store.Store, signer *zcash402.Signer, mon scanner, webhookEngine *webhook.Engine, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, events *observability.Registry, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:              cfg,
		store:            st,
		signer:           signer,
		monitorScanner:   mon,
		webhookEngine:    webhookEngine,
		idempotencyStore: idempotencyStore,
		metrics:          metricsCollector,
		events:           events,
		logger:           appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Payment-Required", "X-Payment-Response"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Add structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API version negotiation middleware (adds version to context from Accept header)
	router.Use(versioning.Negotiation)

	// API key authentication middleware (BEFORE rate limiting)
	// Extracts X-API-Key header and stores tier in context for rate limit exemptions
	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier),
	}
	for key, tierStr := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tierStr)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	// Rate limiting middleware (applied globally)
	// Convert config to ratelimit.Config
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:      cfg.RateLimit.GlobalEnabled,
		GlobalLimit:        cfg.RateLimit.GlobalLimit,
		GlobalWindow:       cfg.RateLimit.GlobalWindow.Duration,
		GlobalBurst:        cfg.RateLimit.GlobalLimit / 10, // Burst = 10% of limit
		PerMerchantEnabled: cfg.RateLimit.PerMerchantEnabled,
		PerMerchantLimit:   cfg.RateLimit.PerMerchantLimit,
		PerMerchantWindow:  cfg.RateLimit.PerMerchantWindow.Duration,
		PerMerchantBurst:   cfg.RateLimit.PerMerchantLimit / 6, // Burst = ~17% of limit
		PerIPEnabled:       cfg.RateLimit.PerIPEnabled,
		PerIPLimit:         cfg.RateLimit.PerIPLimit,
		PerIPWindow:        cfg.RateLimit.PerIPWindow.Duration,
		PerIPBurst:         cfg.RateLimit.PerIPLimit / 6, // Burst = ~17% of limit
		Metrics:            metricsCollector,             // Pass metrics collector to rate limiter
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.MerchantLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// NOTE: Timeout middleware is applied selectively per route group below
	// to avoid imposing a long timeout on lightweight discovery/health endpoints

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout (health check, capability
	// discovery, metrics).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", handler.health)
		r.Get(prefix+"/supported", handler.supported)
		// Prometheus metrics endpoint (respects route prefix to avoid conflicts)
		// Protected by optional admin API key (FACILITATOR_ADMIN_METRICS_API_KEY env var)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Idempotency middleware (24 hour cache for payment-mutating requests)
	idempotencyMW := idempotency.Middleware(idempotencyStore, 24*time.Hour)

	// Payment-processing endpoints with a 30s timeout, above the default 10s
	// node RPC bound the authorize path may block on (§5).
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Facilitator-standard endpoints (§6): verify/settle a presented
		// authorization against a caller-supplied requirement, without
		// requiring the caller to have gone through /intents first.
		r.Post(prefix+"/verify-standard", handler.verifyStandard)
		r.Post(prefix+"/settle-standard", handler.settleStandard)

		// Payment intent lifecycle.
		r.With(idempotencyMW).Post(prefix+"/intents", handler.createIntent)
		r.Get(prefix+"/intents", handler.listIntents)
		r.Get(prefix+"/intents/{id}", handler.getIntent)
		r.With(idempotencyMW).Post(prefix+"/intents/{id}/authorize", handler.authorizeIntent)
		r.With(idempotencyMW).Post(prefix+"/intents/{id}/refund", handler.refundIntent)

		// Webhook delivery-log query and manual-retry surface.
		r.Get(prefix+"/merchants/{id}/webhooks", handler.listWebhookDeliveries)
		r.Post(prefix+"/webhooks/{id}/retry", handler.retryWebhookDelivery)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
