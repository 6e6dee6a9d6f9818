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

	"github.com/duckmesh/tablesource/internal/api"
	"github.com/duckmesh/tablesource/internal/auth"
	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/config"
	"github.com/duckmesh/tablesource/internal/connector"
	"github.com/duckmesh/tablesource/internal/export"
	exportpostgres "github.com/duckmesh/tablesource/internal/export/postgres"
	"github.com/duckmesh/tablesource/internal/observability"
	duckdbengine "github.com/duckmesh/tablesource/internal/query/duckdb"
	"github.com/duckmesh/tablesource/internal/storage"
	localstore "github.com/duckmesh/tablesource/internal/storage/local"
	s3store "github.com/duckmesh/tablesource/internal/storage/s3"
)

type healthStore interface {
	storage.ObjectStore
	api.HealthChecker
}

func main() {
	cfg, err := config.LoadFromEnv("tablesource-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx := context.Background()

	recordStore, err := openRecordStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize record store", slog.Any("error", err))
		os.Exit(1)
	}

	sessionOpts := duckdbengine.SessionOptions{TempDir: cfg.Query.TempDir, MaxRows: cfg.Query.MaxRows}
	resolver := catalog.NewResolver(recordStore)
	loader := duckdbengine.NewLoader(resolver, recordStore, sessionOpts)
	executor := duckdbengine.NewExecutor(resolver, loader, sessionOpts)
	executor.LoadConcurrency = cfg.Query.LoadConcurrency
	data := connector.NewService(resolver, loader, executor, duckdbengine.NewFilterEngine(sessionOpts), logger)

	exportStore, err := localstore.New(cfg.Export.FSRoot)
	if err != nil {
		logger.Error("failed to initialize export folder", slog.Any("error", err))
		os.Exit(1)
	}
	router := export.NewRouter(exportStore, func(ctx context.Context, bucket string) (storage.ObjectStore, error) {
		return s3store.New(ctx, objectStoreConfig(cfg).WithBucket(bucket, cfg.Export.S3Prefix))
	})

	readiness := []api.ReadinessCheck{api.CheckHealth("record_store", recordStore)}
	var tasks export.TaskStore
	if cfg.Export.QueueDSN != "" {
		queueDB, err := exportpostgres.Open(ctx, exportpostgres.DBConfig{
			DSN:             cfg.Export.QueueDSN,
			MaxOpenConns:    cfg.Export.Workers + 2,
			MaxIdleConns:    cfg.Export.Workers,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			logger.Error("failed to open export queue db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = queueDB.Close() }()

		pgTasks := exportpostgres.NewTaskStore(queueDB)
		if err := pgTasks.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare export queue table", slog.Any("error", err))
			os.Exit(1)
		}
		tasks = pgTasks
		readiness = append(readiness, api.CheckHealth("export_queue", pgTasks))
	} else {
		fileTasks, err := export.NewFileTaskStore(cfg.Export.QueueDir)
		if err != nil {
			logger.Error("failed to initialize export queue dir", slog.Any("error", err))
			os.Exit(1)
		}
		tasks = fileTasks
	}

	exports, err := export.NewService(data, router, tasks, export.Options{
		Workers: cfg.Export.Workers,
		Timeout: cfg.Export.Timeout,
		Session: sessionOpts,
	}, logger)
	if err != nil {
		logger.Error("failed to start export workers", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = exports.Close() }()

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Data:              data,
		Exports:           exports,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("storage_backend", cfg.Storage.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-sigCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openRecordStore(ctx context.Context, cfg config.Config) (healthStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageLocal:
		return localstore.New(cfg.Storage.Root)
	case config.StorageS3:
		return s3store.New(ctx, objectStoreConfig(cfg))
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func objectStoreConfig(cfg config.Config) s3store.Config {
	return s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	}
}
