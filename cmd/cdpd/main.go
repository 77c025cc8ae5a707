package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lixiaohuiqazwsx/WaykiChain/internal/cdp"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/chain"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/config"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/kv"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/metrics"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/oracle"
	"github.com/lixiaohuiqazwsx/WaykiChain/internal/server"
)

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file (empty: defaults + CDPD_* env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Durable backend ---
	var backend kv.Store
	var cleanup []func()

	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		pg, err := kv.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			slog.Error("database schema setup failed", "err", err)
			os.Exit(1)
		}
		backend = pg
		cleanup = append(cleanup, func() { pg.Close() })
		slog.Info("connected to PostgreSQL")

	case "sqlite":
		db, err := kv.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.Store.Path, "err", err)
			os.Exit(1)
		}
		backend = db
		cleanup = append(cleanup, func() { db.Close() })
		slog.Info("opened sqlite store", "path", cfg.Store.Path)

	default:
		slog.Warn("using in-memory store (data will not persist)")
		backend = kv.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Position store and ranked cache ---
	st := cdp.NewStore(backend)
	if err := st.LoadCache(ctx); err != nil {
		slog.Error("position cache load failed", "err", err)
		os.Exit(1)
	}
	slog.Info("position cache loaded", "entries", st.Mem().Len())

	// --- Chain state manager ---
	manager := chain.NewStateManager(st, chain.RiskParams{
		LiquidationRatioBps: cfg.Risk.LiquidationRatioBps,
		GlobalFloorBps:      cfg.Risk.GlobalFloorBps,
		CollateralCeiling:   cfg.Risk.CollateralCeiling,
	}, int32(cfg.StartHeight))

	// --- Price feed ---
	var feed oracle.PriceFeed
	if strings.ToLower(cfg.Oracle.Source) == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Oracle.RedisAddr,
			Password: cfg.Oracle.RedisPassword,
			DB:       cfg.Oracle.RedisDB,
		})
		cleanup = append(cleanup, func() { rdb.Close() })
		feed = oracle.NewRedisFeed(rdb, cfg.Oracle.PriceKey)
		slog.Info("redis price feed enabled", "key", cfg.Oracle.PriceKey)
	} else {
		feed = oracle.NewStaticFeed(cfg.Oracle.StaticPrice)
		slog.Info("static price feed enabled", "price", cfg.Oracle.StaticPrice)
	}

	// --- WebSocket hub ---
	wsHub := server.NewWSHub()
	go wsHub.Run()

	// --- Position service ---
	svc := server.NewService(manager, feed, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cdpd"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position updates.
		r.Get("/ws", wsHub.HandleWS)

		// Position queries.
		r.Get("/cdps", svc.ListPositions)
		r.Get("/cdps/{owner}/{cdpID}", svc.GetPosition)
		r.Get("/liquidatable", svc.LiquidationCandidates)
		r.Get("/stats", svc.GetStats)

		// Position mutation.
		r.Post("/stake", svc.Stake)
		r.Delete("/cdps/{owner}/{cdpID}", svc.ClosePosition)

		// Block lifecycle.
		r.Post("/blocks/commit", svc.CommitBlock)
		r.Post("/blocks/rollback", svc.RollbackBlock)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cdpd listening", "addr", cfg.Server.Addr, "height", manager.Height())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cdpd...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cdpd stopped")
}
