package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mckingz/edu-ai-gateway/config"
	"github.com/mckingz/edu-ai-gateway/internal/auth"
	"github.com/mckingz/edu-ai-gateway/internal/billing"
	"github.com/mckingz/edu-ai-gateway/internal/logger"
	"github.com/mckingz/edu-ai-gateway/internal/pricing"
	"github.com/mckingz/edu-ai-gateway/internal/profile"
	"github.com/mckingz/edu-ai-gateway/internal/provider"
	"github.com/mckingz/edu-ai-gateway/internal/provider/claude"
	"github.com/mckingz/edu-ai-gateway/internal/provider/gemini"
	"github.com/mckingz/edu-ai-gateway/internal/provider/openai"
	"github.com/mckingz/edu-ai-gateway/internal/proxy"
	"github.com/mckingz/edu-ai-gateway/internal/quota"
	"github.com/mckingz/edu-ai-gateway/internal/secrets"
	"github.com/mckingz/edu-ai-gateway/internal/seeder"
	"github.com/mckingz/edu-ai-gateway/internal/sqlite"
	"github.com/mckingz/edu-ai-gateway/internal/telemetry"
	"github.com/mckingz/edu-ai-gateway/internal/worker"
	"github.com/mckingz/edu-ai-gateway/migrations"
	"github.com/mckingz/edu-ai-gateway/pkg/ratelimit"
)

type stores struct {
	ledger   billing.Store
	counters quota.Store
	profiles profile.Store
	close    func()
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer lg.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(cfg, lg)
	if err != nil {
		lg.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Routing tables, hot reloaded
	routing, err := config.WatchRouting(cfg.RoutingConfigPath, lg)
	if err != nil {
		lg.Fatal("failed to load routing config", zap.String("path", cfg.RoutingConfigPath), zap.Error(err))
	}
	defer routing.Close()

	// 4. Ledger, counters, profiles
	st, err := openStores(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to open stores", zap.String("driver", cfg.LedgerDriver), zap.Error(err))
	}
	defer st.close()

	// 5. Redis: profile cache and burst limiter, both optional
	var lookup profile.Lookup = st.profiles
	var invalidator profile.Invalidator
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("redis unavailable, running without profile cache and burst limiter", zap.Error(err))
		} else {
			cached := profile.NewCachedLookup(st.profiles, rdb, lg)
			lookup, invalidator = cached, cached
			limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
			lg.Info("redis connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	// 6. Usage ledger drain queue
	queue := worker.NewQueue(st.ledger, cfg.UsageQueueSize, cfg.UsageWorkers, lg)
	var workers errgroup.Group
	workers.Go(func() error {
		return queue.Process(context.WithoutCancel(ctx))
	})

	// 7. Providers with a configured key
	providers := buildProviders(secrets.NewEnvStore(cfg), cfg.ProviderTimeout, lg)
	if len(providers) == 0 {
		lg.Fatal("no provider credentials configured")
	}

	// 8. Orchestrator and handler
	accountant := quota.NewAccountant(st.counters, routing, queue, lg)
	calc := pricing.NewCalculator(routing, lg)
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)
	orchestrator := proxy.NewOrchestrator(lookup, routing, providers, accountant, calc, tracer, lg,
		proxy.WithMaxBackoff(cfg.MaxRetryBackoff),
	)
	handler := proxy.NewHandler(orchestrator, lookup, accountant, st.ledger, limiter, tracer, lg)

	// 9. Seed a development profile if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		if _, err := seeder.SeedDevProfile(ctx, st.profiles, invalidator, []byte(cfg.JWTSecret), lg); err != nil {
			lg.Warn("seeding skipped", zap.Error(err))
		}
	}

	// 10. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"edu-ai-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware([]byte(cfg.JWTSecret), lg))
		r.Post("/v1/ai/requests", handler.HandleRequest)
		r.Get("/v1/ai/quota", handler.HandleQuota)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout*4 + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		lg.Info("AI gateway starting",
			zap.String("port", cfg.Port),
			zap.Strings("providers", orchestrator.Providers()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("forced shutdown", zap.Error(err))
	}
	orchestrator.Wait()
	queue.Close()
	_ = workers.Wait()

	written, dropped := queue.Stats()
	lg.Info("server stopped", zap.Int64("ledger_written", written), zap.Int64("ledger_dropped", dropped))
}

func openStores(ctx context.Context, cfg *config.Config, lg *zap.Logger) (*stores, error) {
	switch cfg.LedgerDriver {
	case config.LedgerSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		lg.Info("SQLite opened", zap.String("path", cfg.SQLitePath))
		return &stores{
			ledger:   billing.NewSQLiteStore(db),
			counters: quota.NewSQLiteStore(db),
			profiles: profile.NewSQLiteStore(db, lg),
			close:    func() { db.Close() },
		}, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		lg.Info("PostgreSQL connected")
		return &stores{
			ledger:   billing.NewPostgresStore(pool),
			counters: quota.NewPostgresStore(pool),
			profiles: profile.NewPostgresStore(pool, lg),
			close:    pool.Close,
		}, nil
	}
}

func buildProviders(keys secrets.Store, timeout time.Duration, lg *zap.Logger) []provider.Provider {
	constructors := []struct {
		name string
		new  func(key string, timeout time.Duration) provider.Provider
	}{
		{"claude", func(k string, t time.Duration) provider.Provider { return claude.New(k, t) }},
		{"openai", func(k string, t time.Duration) provider.Provider { return openai.New(k, t) }},
		{"gemini", func(k string, t time.Duration) provider.Provider { return gemini.New(k, t) }},
	}

	var providers []provider.Provider
	for _, c := range constructors {
		key, err := keys.APIKey(c.name)
		if err != nil {
			lg.Warn("provider disabled", zap.String("provider", c.name), zap.Error(err))
			continue
		}
		providers = append(providers, c.new(key, timeout))
	}
	return providers
}
