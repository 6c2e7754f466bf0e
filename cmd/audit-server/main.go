// Package main provides the entry point for the audit trail server
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/civicgov/audit-trail/internal/api/rest"
	"github.com/civicgov/audit-trail/internal/audit"
	"github.com/civicgov/audit-trail/internal/cache"
	"github.com/civicgov/audit-trail/internal/config"
	"github.com/civicgov/audit-trail/internal/db"
	"github.com/civicgov/audit-trail/internal/metrics"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		port            = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbURL           = flag.String("db-url", "", "Postgres DSN (overrides config; empty with no config selects the in-memory store)")
		logLevel        = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "", "Log format (json, console)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("audit-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logger, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting audit trail server",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("hash_version", cfg.Audit.HashVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the append store
	var store audit.Store
	if cfg.Database.URL != "" {
		sqlDB, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)

		runner, err := db.NewMigrationRunner(sqlDB, logger)
		if err != nil {
			logger.Fatal("Failed to create migration runner", zap.Error(err))
		}
		if err := runner.Up(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}

		pgStore, err := audit.NewPostgresStore(ctx, sqlDB, logger)
		if err != nil {
			logger.Fatal("Failed to initialize postgres store", zap.Error(err))
		}
		store = pgStore
		logger.Info("Using postgres append store")
	} else {
		store = audit.NewMemoryStore()
		logger.Warn("Using in-memory append store; the trail will not survive restarts")
	}
	defer store.Close()

	// Optional Redis stats cache
	var statsCache *cache.StatsCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, stats caching disabled", zap.Error(err))
		} else {
			statsCache = cache.New(client, cfg.Redis.StatsTTL.Std(), logger)
			defer client.Close()
			logger.Info("Stats caching enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	// Optional file mirror for offline retention
	var mirror audit.Writer
	if cfg.Audit.MirrorPath != "" {
		fm, err := audit.NewFileMirror(
			cfg.Audit.MirrorPath,
			cfg.Audit.MirrorMaxSizeMB,
			cfg.Audit.MirrorMaxAge,
			cfg.Audit.MirrorBackups,
		)
		if err != nil {
			logger.Fatal("Failed to open file mirror", zap.Error(err))
		}
		mirror = fm
		defer fm.Close()
		logger.Info("File mirror enabled", zap.String("path", cfg.Audit.MirrorPath))
	}

	m := metrics.New("audit")

	recorder := audit.NewRecorder(store, audit.RecorderConfig{
		Mirror:      mirror,
		Observer:    m,
		HashVersion: cfg.Audit.HashVersion,
		Logger:      logger,
	})
	queries := audit.NewQueryEngine(store, logger)
	verifier := audit.NewVerifier(store, logger)
	exporter := audit.NewExporter(store, logger)

	srvConfig := rest.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
		EnableAuth:   cfg.Auth.Enabled,
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		Version:      Version,
	}

	srv, err := rest.New(srvConfig, rest.Dependencies{
		Recorder:   recorder,
		Queries:    queries,
		Verifier:   verifier,
		Exporter:   exporter,
		StatsCache: statsCache,
		Metrics:    m,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create HTTP server", zap.Error(err))
	}

	// Periodic incremental verification of the chain tail
	if interval := cfg.Audit.VerifyInterval.Std(); interval > 0 {
		go runPeriodicVerify(ctx, verifier, m, interval, logger)
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer shutdownCancel()

		cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown did not complete cleanly", zap.Error(err))
		}
	}

	logger.Info("Server stopped successfully")
}

// runPeriodicVerify re-checks the chain tail on a fixed interval so tampering
// is surfaced operationally, not only when an auditor asks.
func runPeriodicVerify(ctx context.Context, verifier *audit.Verifier, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := verifier.VerifyIncremental(ctx)
			switch {
			case err != nil:
				m.VerifyRun("error", 0)
				logger.Error("Periodic verification failed", zap.Error(err))
			case !result.OK:
				m.VerifyRun("broken", 0)
				logger.Error("Chain integrity failure detected",
					zap.Int64p("first_broken_sequence", result.FirstBrokenSequence),
					zap.Int64("checked_from", result.CheckedFrom),
					zap.Int64("checked_to", result.CheckedTo),
				)
			default:
				m.VerifyRun("ok", result.CheckedTo)
			}
		}
	}
}

// initLogger initializes the zap logger
func initLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
