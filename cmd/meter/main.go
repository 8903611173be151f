package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/config"
	"github.com/vnmchuo/usage-meter/internal/action"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/filter"
	"github.com/vnmchuo/usage-meter/internal/ledger"
	"github.com/vnmchuo/usage-meter/internal/logging"
	"github.com/vnmchuo/usage-meter/internal/metrics"
	"github.com/vnmchuo/usage-meter/internal/server"
	"github.com/vnmchuo/usage-meter/internal/stats"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
	"github.com/vnmchuo/usage-meter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logger
	logger, err := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("usage-meter", cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx := context.Background()

	// 4. Connect Redis (ledger backend and/or query throttle)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to ping redis", zap.Error(err))
		}
		logger.Info("Redis connected")
	}

	// 5. Init usage ledger
	var store ledger.Store
	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore := ledger.NewPostgresStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare ledger schema", zap.Error(err))
		}
		logger.Info("PostgreSQL ledger ready")
		store = pgStore
	case config.LedgerRedis:
		store = ledger.NewRedisStore(rdb)
	default:
		store = ledger.NewFileStore(cfg.LedgerDir, logger)
	}
	logger.Info("usage ledger initialized", zap.String("backend", cfg.LedgerBackend))

	// 6. Init billing client
	billingClient := billing.NewClient(billing.Config{
		Endpoint: cfg.BillingEndpoint,
		APIKey:   cfg.BillingAPIKey,
		Timeout:  cfg.BillingTimeout,
	}, logger)

	// 7. Init filter and usage action with their own valves
	tracer := otel.GetTracerProvider().Tracer("usage-meter")
	interceptor := filter.New(billingClient, store, filter.Options{
		Toggles: cfg.Valves.Filter.Toggles,
		Locale:  stats.LookupLocale(cfg.Valves.Filter.Language),
	}, tracer, logger.Named("filter"))
	query := action.NewUsageQuery(store,
		cfg.Valves.Action.Toggles,
		stats.LookupLocale(cfg.Valves.Action.Language),
		tracer, logger.Named("action"))

	// 8. Init usage query throttle
	var limiter *ratelimit.Limiter
	if cfg.QueryRateLimit > 0 {
		limiter = ratelimit.NewLimiter(rdb, cfg.QueryRateLimit)
	}

	// 9. Init handler
	handler := server.NewHandler(interceptor, query, server.NewSessionRegistry(cfg.SessionTTL), limiter, logger.Named("server"))

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Mount("/", handler.Routes(cfg.HostToken))

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.BillingTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("usage meter starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}
