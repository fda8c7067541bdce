package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/JonMunkholm/esgregister/internal/config"
	"github.com/JonMunkholm/esgregister/internal/core"
	"github.com/JonMunkholm/esgregister/internal/database"
	"github.com/JonMunkholm/esgregister/internal/logging"
	"github.com/JonMunkholm/esgregister/internal/pipeline"
	"github.com/JonMunkholm/esgregister/internal/register"
	"github.com/JonMunkholm/esgregister/internal/storage"
	"github.com/JonMunkholm/esgregister/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	rebuild := flag.Bool("rebuild-register", false, "rebuild every register row from validated reports and exit")
	flag.Parse()

	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage_backend", cfg.Storage.Backend,
		"redis_enabled", cfg.Redis.Enabled(),
		"arelle_script", cfg.Extractor.Script,
		"retention_days", cfg.Retention.ReportDays,
	)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	files, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open artifact storage", "error", err)
		os.Exit(1)
	}
	if c, ok := files.(interface{ Close() error }); ok {
		defer c.Close()
	}

	var locker register.Locker = register.NopLocker{}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		locker = register.NewRedisLocker(rdb)
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	engine := register.NewEngine(store, locker, cfg.Redis.LockTTL)
	service := core.NewService(store, files, pipeline.New(cfg.Extractor, nil), engine, cfg.Upload, cfg.Extractor)

	if *rebuild {
		res, err := service.RebuildRegister(ctx)
		if err != nil {
			slog.Error("register rebuild failed", "error", err)
			os.Exit(1)
		}
		slog.Info("register rebuilt", "upserted", res.Upserted, "deleted", res.Deleted)
		return
	}

	server := web.NewServer(service, cfg)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.StartRetentionScheduler(jobCtx, cfg.Retention)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Wait for pipeline runs to complete (with timeout)
		runs := service.Runs()
		runs.Close()
		if n := runs.ActiveCount(); n > 0 {
			slog.Info("waiting for pipeline runs to complete", "active", n)
			if err := runs.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("pipeline runs did not complete in time",
					"error", err,
					"report_ids", runs.Status().ReportIDs,
				)
			} else {
				slog.Info("all pipeline runs completed")
			}
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		cancelJobs()
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}

// openStore connects to PostgreSQL, or returns the in-memory store when
// DATABASE_URL is "memory".
func openStore(ctx context.Context, dc config.DatabaseConfig) (database.Store, func(), error) {
	if dc.IsMemory() {
		slog.Warn("using in-memory store, data is lost on restart")
		return database.NewMemStore(), func() {}, nil
	}

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(dc.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(dc.MaxConns)
	poolConfig.MinConns = int32(dc.MinConns)
	poolConfig.MaxConnLifetime = dc.MaxConnLifetime
	poolConfig.MaxConnIdleTime = dc.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(dc.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	if dc.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("schema applied")
	}
	return database.NewPGStore(pool), pool.Close, nil
}
