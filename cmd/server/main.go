package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pool-markets/internal/archive"
	"github.com/atmx/pool-markets/internal/config"
	"github.com/atmx/pool-markets/internal/events"
	"github.com/atmx/pool-markets/internal/market"
	"github.com/atmx/pool-markets/internal/metrics"
	"github.com/atmx/pool-markets/internal/registry"
	"github.com/atmx/pool-markets/internal/store"
	"github.com/atmx/pool-markets/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("POOLMKT_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("pool-markets exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("pool-markets stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Settlement archive ---
	var archiver trade.Archiver
	if cfg.S3.Bucket != "" {
		client, err := archive.NewS3Client(ctx, archive.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = archive.NewS3Archiver(client, cfg.S3.Bucket)
		slog.Info("settlement archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	sinks := events.Fanout{store.EventSink{Store: st}, wsHub}
	if rdb != nil {
		sinks = append(sinks, events.NewRedisStream(rdb, cfg.Redis.EventStream))
		slog.Info("publishing events to Redis stream", "stream", cfg.Redis.EventStream)
	}

	// --- Registry ---
	reg := registry.New(cfg.Factory(),
		registry.WithQueueSize(cfg.Engine.VolumeQueueSize),
		registry.WithLogger(logger),
		registry.WithMarketOptions(
			market.WithLogger(logger),
			market.WithPersister(st),
			market.WithEventSink(sinks),
			market.WithPayer(store.PayoutLedger{Store: st}),
		),
	)

	snaps, err := st.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for _, snap := range snaps {
		if _, err := reg.Restore(snap); err != nil {
			slog.Error("skipping market that failed to restore", "market", snap.ID, "err", err)
		}
	}
	slog.Info("markets restored", "count", len(snaps))

	// --- Trade service ---
	tradeSvc := trade.NewService(reg, st, archiver)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"pool-markets"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error {
		slog.Info("pool-markets listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down pool-markets...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
