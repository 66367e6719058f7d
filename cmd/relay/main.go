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
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/llm-relay/internal/config"
	"github.com/af-corp/llm-relay/internal/credentials"
	"github.com/af-corp/llm-relay/internal/gateway"
	"github.com/af-corp/llm-relay/internal/policy"
	"github.com/af-corp/llm-relay/internal/provider"
	"github.com/af-corp/llm-relay/internal/relay"
	"github.com/af-corp/llm-relay/internal/retry"
	"github.com/af-corp/llm-relay/internal/telemetry"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	cfg := loader.Config()
	logger = newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	// PostgreSQL and Redis are optional credential sources
	var dbPool *pgxpool.Pool
	if cfg.Database.Enabled() {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(1)
		}
		if cfg.Database.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		}

		dbPool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(context.Background()); err != nil {
			logger.Warn("database not reachable (stored credentials unavailable)", "error", err)
		} else {
			logger.Info("database connected")
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable (credential cache disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	// Credentials: credentials.yaml first, then the database
	static := credentials.NewStaticStore(loader.Credentials().Credentials)
	store := credentials.ChainStore{static}
	if dbPool != nil || rdb != nil {
		store = append(store, credentials.NewCachedStore(dbPool, rdb))
	}

	// Admission policy
	evaluator := policy.NewEvaluator(func() config.PolicyConfig { return loader.Config().Policy })
	if cfg.Policy.Enabled {
		if err := evaluator.Load(); err != nil {
			logger.Error("failed to load policies", "error", err)
			os.Exit(1)
		}
	}

	metrics := telemetry.NewMetrics()

	retrier := retry.New(cfg.Retry, nil)
	httpClient := &http.Client{}
	openaiClient := provider.NewOpenAIClient(httpClient, retrier)
	openaiClient.SetRetryObserver(metrics)
	compatClient := provider.NewCompatibleClient(httpClient, retrier)
	compatClient.SetRetryObserver(metrics)

	engine := relay.NewEngine(openaiClient, compatClient, store, metrics)
	handler := gateway.NewHandler(engine, evaluator, loader.Config, metrics)

	loader.OnReload(func() {
		static.Replace(loader.Credentials().Credentials)
		retrier := retry.New(loader.Config().Retry, nil)
		openaiClient.SetRetrier(retrier)
		compatClient.SetRetrier(retrier)
		if loader.Config().Policy.Enabled {
			if err := evaluator.Load(); err != nil {
				logger.Error("failed to reload policies", "error", err)
			}
		}
		logger.Info("credentials, retry and policies reloaded")
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	// Router setup
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(gateway.RequestID)

	r.Get("/health", gateway.Health(version))
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/relay", handler.Relay)
	r.Post("/v1/relay/batch", handler.Batch)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
