package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/folio/ledger-service/internal/api"
	"github.com/folio/ledger-service/internal/config"
	"github.com/folio/ledger-service/internal/events"
	"github.com/folio/ledger-service/internal/ledger"
	"github.com/folio/ledger-service/internal/metrics"
	"github.com/folio/ledger-service/internal/portfolio"
	"github.com/folio/ledger-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Ledger
	var ping func(context.Context) error
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			slog.Error("database unreachable", "err", err)
			os.Exit(1)
		}
		if cfg.MigrateOnStart {
			if err := store.Migrate(ctx, pool); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool, cfg.LockTimeout)
		ping = pool.Ping
		slog.Info("connected to PostgreSQL", "lock_timeout", cfg.LockTimeout.String())

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event hub ---
	hub := events.NewHub(logger)
	go hub.Run(ctx)

	// --- Ledger engine and reporting ---
	engine := ledger.NewEngine(st,
		ledger.WithLogger(logger),
		ledger.WithTxTimeout(cfg.TxTimeout),
		ledger.WithPublisher(hub),
		ledger.WithRecorder(metrics.Recorder{}),
	)
	reports := portfolio.NewService(st, cfg.Quotes, logger)
	if len(cfg.Quotes) == 0 {
		slog.Info("no QUOTES configured, holdings will be reported without market values")
	}

	h := api.New(api.Deps{
		Store:     st,
		Engine:    engine,
		Portfolio: reports,
		Logger:    logger,
		Ping:      ping,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(h, hub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("ledger-service listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		slog.Error("server error", "err", err)
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down ledger-service...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-service stopped")
}
