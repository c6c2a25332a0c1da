package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/server/internal/circuitbreaker"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/dbpool"
	"github.com/CedrosPay/server/internal/httpserver"
	"github.com/CedrosPay/server/internal/idempotency"
	"github.com/CedrosPay/server/internal/jobs"
	"github.com/CedrosPay/server/internal/lifecycle"
	applog "github.com/CedrosPay/server/internal/logger"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/monitor"
	"github.com/CedrosPay/server/internal/observability"
	"github.com/CedrosPay/server/internal/store"
	"github.com/CedrosPay/server/internal/webhook"
	"github.com/CedrosPay/server/pkg/zcash402"
)

func main() {
	configPath := flag.String("config", "", "path to the facilitator's YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, continuing with process environment")
	}

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("facilitator exited with error")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := applog.New(applog.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "zcash402-facilitator",
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()

	metricsCollector := metrics.New(nil)

	st, err := openStore(cfg.Store, metricsCollector, resources)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	resources.RegisterFunc("store", st.Close)

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	rpc := monitor.NewRPCClient(cfg.Zcash.RPCURL, cfg.Zcash.RPCUser, cfg.Zcash.RPCPassword, cfg.Zcash.RPCTimeout.Duration, breakers)
	mon := monitor.New(cfg.Monitor, st, rpc, cfg.Zcash.RequiredConfirmations)

	promHook := observability.NewPrometheusHook(metricsCollector)
	events := observability.NewRegistry(appLogger)
	events.RegisterPaymentHook(promHook)
	events.RegisterRefundHook(promHook)
	events.RegisterWebhookHook(promHook)
	events.RegisterRPCHook(promHook)
	events.RegisterDatabaseHook(promHook)

	signer := zcash402.NewSigner([]byte(cfg.Facilitator.HMACSecret))

	webhookEngine := webhook.New(webhook.Options{
		Store:   st,
		Config:  cfg.Webhook,
		Breaker: breakers,
		Metrics: metricsCollector,
		Logger:  appLogger,
	})

	idempotencyStore := idempotency.NewMemoryStore()
	resources.RegisterFunc("idempotency_store", func() error {
		idempotencyStore.Stop()
		return nil
	})

	srv := httpserver.New(cfg, st, signer, mon, webhookEngine, idempotencyStore, metricsCollector, events, appLogger)

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	mon.Start(ctx)
	resources.RegisterFunc("monitor", func() error { mon.Stop(); return nil })

	webhookEngine.Start(ctx)
	resources.RegisterFunc("webhook_engine", func() error { webhookEngine.Stop(); return nil })

	runners := startJobs(ctx, cfg, st, mon, appLogger)
	resources.RegisterFunc("job_runners", func() error {
		for _, r := range runners {
			r.Stop()
		}
		return nil
	})

	go func() {
		appLogger.Info().Str("addr", cfg.Server.Address).Msg("server.listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal().Err(err).Msg("server.listen_failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info().Msg("server.shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server.shutdown_forced")
	}

	cancelBackground()

	if err := resources.Close(); err != nil {
		appLogger.Error().Err(err).Msg("server.resource_cleanup_failed")
	}

	appLogger.Info().Msg("server.exited")
	return nil
}

// openStore selects the lifecycle-store backend named by cfg.Backend. The
// postgres backend opens its connections through a single internal/dbpool
// shared pool rather than store.NewPostgresStore's inline sql.Open, so a
// future second consumer of the same database (e.g. a migrations runner or
// an admin repository) can share the pool instead of opening its own.
func openStore(cfg config.StoreConfig, metricsCollector *metrics.Metrics, resources *lifecycle.Manager) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		pool, err := dbpool.NewSharedPool(cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		resources.RegisterFunc("postgres_pool", pool.Close)

		st, err := store.NewPostgresStoreWithDB(pool.DB())
		if err != nil {
			return nil, err
		}
		return st.WithMetrics(metricsCollector), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// startJobs launches the facilitator's three periodic drivers: expiry,
// auto-settle, and re-verification. The fourth cadence, webhook retry, is
// driven by the webhook engine's own poll loop.
func startJobs(ctx context.Context, cfg *config.Config, st store.Store, mon *monitor.Monitor, logger zerolog.Logger) []*jobs.Runner {
	expiryRunner := jobs.NewExpiryJob(st, logger).Runner(cfg.Jobs.ExpiryInterval.Duration)
	autoSettleRunner := jobs.NewAutoSettleJob(st, mon, logger).Runner(cfg.Jobs.AutoSettleInterval.Duration)
	staleAfter := 2 * cfg.Monitor.BlockScanInterval.Duration
	reverifyRunner := jobs.NewReverifyJob(st, mon, staleAfter, logger).Runner(cfg.Jobs.ReverifyInterval.Duration)

	runners := []*jobs.Runner{expiryRunner, autoSettleRunner, reverifyRunner}
	for _, r := range runners {
		r.Start(ctx)
	}
	return runners
}
