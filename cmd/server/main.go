// Package main is the entrypoint for the cogrelay API server.
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

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/cogrelay/internal/actor"
	"github.com/kiranshivaraju/cogrelay/internal/api"
	"github.com/kiranshivaraju/cogrelay/internal/api/handler"
	mw "github.com/kiranshivaraju/cogrelay/internal/api/middleware"
	"github.com/kiranshivaraju/cogrelay/internal/api/response"
	"github.com/kiranshivaraju/cogrelay/internal/blob"
	"github.com/kiranshivaraju/cogrelay/internal/cache"
	"github.com/kiranshivaraju/cogrelay/internal/config"
	"github.com/kiranshivaraju/cogrelay/internal/prediction"
	"github.com/kiranshivaraju/cogrelay/internal/queue"
	"github.com/kiranshivaraju/cogrelay/internal/rehost"
	"github.com/kiranshivaraju/cogrelay/internal/replicate"
	"github.com/kiranshivaraju/cogrelay/internal/store"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	maxUploadBytes  = 100 << 20
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "public_url", cfg.Server.PublicURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Blob storage
	blobs, err := blob.NewMinioStore(cfg.Blob)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	slog.Info("blob storage ready", "bucket", cfg.Blob.Bucket)

	// 6. Upstream prediction API and output rehosting
	replicateClient := replicate.NewHTTPClient(cfg.Replicate)
	rehoster, err := rehost.New(cfg.Server.PublicURL, replicateClient.Hostname(), blobs, cfg.Replicate.Timeout)
	if err != nil {
		return fmt.Errorf("create rehoster: %w", err)
	}

	// 7. Actors
	sched := actor.NewScheduler()
	opts := actor.Options{CacheSize: cfg.Actor.CacheSize, AlarmTimeout: cfg.Actor.AlarmTimeout}

	queueRT, err := queue.NewRuntime(redisCache, sched, &queue.Deps{
		Results:       pgStore,
		BaseURL:       cfg.Server.PublicURL,
		DispatchDelay: cfg.Prediction.DispatchDelay,
	}, opts)
	if err != nil {
		return fmt.Errorf("create queue runtime: %w", err)
	}
	queues := queue.NewService(queueRT, cfg.Actor.CallTimeout)

	predictionRT, err := prediction.NewRuntime(redisCache, sched, &prediction.Deps{
		Replicate: replicateClient,
		Queue:     queues,
		Results:   pgStore,
		Rehost:    rehoster,
		Callbacks: prediction.NewHTTPCallbacks(cfg.Prediction.CallbackTimeout),
		Config:    cfg.Prediction,
		BaseURL:   cfg.Server.PublicURL,
	}, opts)
	if err != nil {
		return fmt.Errorf("create prediction runtime: %w", err)
	}
	predictions := prediction.NewService(predictionRT, pgStore, cfg.Actor.CallTimeout)

	for _, rt := range []interface {
		Namespace() string
		Restore(context.Context) (int, error)
	}{queueRT, predictionRT} {
		n, err := rt.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore alarms: %w", err)
		}
		slog.Info("alarms restored", "namespace", rt.Namespace(), "count", n)
	}

	// 8. Build router with dependencies
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Workers are not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore, redisCache),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler:    healthHandler(pgStore, redisCache, blobs),
		CreatePrediction: handler.NewCreatePredictionHandler(predictions),
		GetPrediction:    handler.NewGetPredictionHandler(predictions),
		WorkerWebSocket:  handler.NewWebSocketHandler(queues, upgrader),
		PoolStatus:       handler.NewPoolStatusHandler(queues),
		ModelFiles:       handler.NewFileHandler(blobs, handler.ModelFileKey),
		Outputs:          handler.NewFileHandler(blobs, handler.OutputKey),
		Upload:           handler.NewUploadHandler(blobs, rehoster.URL, maxUploadBytes),
	}

	router := api.NewRouter(deps)

	// 9. Start scheduler and HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Worker websockets are long-lived; writes set their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and blob storage connectivity.
func healthHandler(db, kv, blobs pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"blob":     "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := kv.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := blobs.Ping(r.Context()); err != nil {
			checks["blob"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
