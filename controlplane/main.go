package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyor-labs/conveyor-go/internal/logarchive"
	"github.com/conveyor-labs/conveyor-go/internal/platform/auditlog"
	"github.com/conveyor-labs/conveyor-go/internal/platform/env"
	"github.com/conveyor-labs/conveyor-go/internal/platform/httpserver"
	"github.com/conveyor-labs/conveyor-go/internal/platform/objectstore"
	"github.com/conveyor-labs/conveyor-go/internal/platform/postgres"
	repopg "github.com/conveyor-labs/conveyor-go/internal/repo/postgres"
	"github.com/conveyor-labs/conveyor-go/internal/service/lifecycle"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CONTROLPLANE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CONTROLPLANE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = repopg.Migrate(migrateCtx, db)
	cancel()
	if err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}

	archiveEnabled, err := env.Bool("CONVEYOR_LOG_ARCHIVE_ENABLED", false)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	var archiver logarchive.Exporter
	readinessChecks := []httpserver.ReadinessCheck{
		{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		},
	}

	if archiveEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		store, err := logarchive.NewMinioStoreWithClient(storeClient)
		if err != nil {
			logger.Error("log archive store init failed", "error", err)
			os.Exit(2)
		}
		archiver, err = logarchive.NewObjectExporter(store, storeCfg.BucketRunLogs)
		if err != nil {
			logger.Error("log archive exporter init failed", "error", err)
			os.Exit(2)
		}
		readinessChecks = append(readinessChecks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
			},
		})
	}

	runStore := repopg.NewRunStore(db)
	runLogStore := repopg.NewRunLogStore(db)
	catalogStore := repopg.NewCatalogStore(db)
	registryStore := repopg.NewRegistryStore(db)

	engine := lifecycle.New(runStore, runLogStore, catalogStore, registryStore)
	if engine == nil {
		logger.Error("lifecycle engine init failed")
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("controlplane"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("controlplane", readinessChecks...))

	api := newControlPlaneAPI(logger, engine, catalogStore, registryStore, archiver, auditlog.NewRecorder(logger, db))
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "controlplane",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "controlplane", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
