package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/vehicleingest/internal/config"
	"github.com/JonMunkholm/vehicleingest/internal/core"
	"github.com/JonMunkholm/vehicleingest/internal/events"
	"github.com/JonMunkholm/vehicleingest/internal/logging"
	"github.com/JonMunkholm/vehicleingest/internal/search"
	"github.com/JonMunkholm/vehicleingest/internal/store"
	"github.com/JonMunkholm/vehicleingest/internal/web"
)

const configFlag = "config"

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "vehicleingest",
		Short: "Vehicle spreadsheet ingestion and search service",
		Long: `Ingests vehicle spreadsheets into upload batches and serves
role-aware identity search over the committed records.

Default behavior (no subcommand): start the HTTP server.

Available subcommands:
  serve     - Start the HTTP server
  migrate   - Apply or roll back database migrations
  template  - Write the empty upload template to a file`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().String(configFlag, "", "Optional config file (yaml, json, toml); overrides "+config.FileEnv)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	})
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newTemplateCommand())
	return root
}

// loadConfig loads configuration and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(configFlag)
	if path == "" {
		path = os.Getenv(config.FileEnv)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return nil, err
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"memory_store", cfg.Database.UsesMemoryStore(),
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"jwt_auth", cfg.Security.JWTSecret != "",
	)

	ctx := context.Background()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	versions, closeVersions, err := openVersioner(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeVersions()

	sink, closeSink := openEventSink(cfg)
	defer closeSink()

	logger := slog.Default()
	service := core.NewService(core.Deps{
		Store:  st,
		Cache:  search.NewCache[*core.SearchResult](cfg.Search.CacheSize, cfg.Search.CacheTTL, versions, logger),
		Events: sink,
		Logger: logger,
	}, core.OptionsFromConfig(cfg))

	// Batches abandoned past their ingestion deadline are finalized before the
	// index is built. Later ones are picked up by the recovery loop.
	recovered, err := service.RecoverInterrupted(ctx)
	if err != nil {
		slog.Error("failed to recover interrupted batches", "error", err)
		return err
	}
	if recovered > 0 {
		slog.Warn("recovered interrupted batches", "count", recovered)
	}

	if err := service.RebuildIndex(ctx); err != nil {
		slog.Error("failed to build search index", "error", err)
		return err
	}

	recoverCtx, stopRecovery := context.WithCancel(ctx)
	defer stopRecovery()
	go service.RecoverLoop(recoverCtx)

	// Create server with config
	server := web.NewServer(service, cfg)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		stopRecovery()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests first so no new ingestion starts.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Wait for active uploads to complete (with timeout)
		uploadStatus := service.LimiterStatus()
		if uploadStatus.Active > 0 {
			slog.Info("waiting for uploads to complete", "active", uploadStatus.Active)
			if err := service.WaitForUploads(shutdownCtx); err != nil {
				slog.Warn("uploads did not complete in time", "error", err)
			} else {
				slog.Info("all uploads completed")
			}
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		return err
	}
	<-shutdownDone
	slog.Info("server stopped")
	return nil
}

// openStore connects to Postgres, or falls back to the in-memory store when
// no database is configured.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.UsesMemoryStore() {
		slog.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(cfg.Database.URL, 0, slog.Default()); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			return nil, nil, err
		}
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		return nil, err
	}

	// Apply pool configuration from config
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return nil, err
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		slog.Error("failed to ping database", "error", err)
		return nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

// openVersioner shares the search cache version through Redis when
// configured; otherwise the cache versions itself in-process.
func openVersioner(ctx context.Context, cfg *config.Config) (search.Versioner, func(), error) {
	if cfg.Search.RedisURL == "" {
		return nil, func() {}, nil
	}
	rv, err := search.NewRedisVersioner(ctx, cfg.Search.RedisURL, "")
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		return nil, nil, err
	}
	slog.Info("search cache version shared via redis")
	return rv, func() { _ = rv.Close() }, nil
}

// openEventSink publishes to Kafka when brokers are configured and to the
// log otherwise. Either way delivery is asynchronous.
func openEventSink(cfg *config.Config) (events.Sink, func()) {
	var (
		sink      events.Sink = events.LogSink{Logger: slog.Default()}
		closeKafka            = func() {}
	)
	if len(cfg.Events.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		sink = ks
		closeKafka = func() {
			if err := ks.Close(); err != nil {
				slog.Warn("kafka writer close failed", "error", err)
			}
		}
		slog.Info("events published to kafka", "topic", cfg.Events.KafkaTopic)
	}

	async := events.NewAsync(sink, cfg.Events.BufferSize)
	return async, func() {
		async.Close()
		closeKafka()
	}
}

// exitf prints to stderr for commands whose output goes to stdout.
func exitf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	fmt.Fprintln(os.Stderr, err)
	return err
}
