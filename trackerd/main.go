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

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/platform/env"
	"github.com/runledger-labs/runledger-go/internal/platform/httpserver"
	platformstore "github.com/runledger-labs/runledger-go/internal/platform/objectstore"
	"github.com/runledger-labs/runledger-go/internal/platform/postgres"
	"github.com/runledger-labs/runledger-go/internal/registry"
	pgrepo "github.com/runledger-labs/runledger-go/internal/repo/postgres"
	"github.com/runledger-labs/runledger-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TRACKER_HTTP_ADDR", ":8086")
	shutdownTimeout, err := env.Duration("TRACKER_SHUTDOWN_TIMEOUT", 10*time.Second)
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

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	client, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client failed", "error", err)
		os.Exit(1)
	}
	if err := platformstore.EnsureBucket(ctx, client, storeCfg); err != nil {
		logger.Error("object store bucket unavailable", "error", err)
		os.Exit(1)
	}
	objects, err := objectstore.NewMinioStoreWithClient(client)
	if err != nil {
		logger.Error("object store wrapper failed", "error", err)
		os.Exit(1)
	}

	refStore := pgrepo.NewArtifactRefStore(db)
	artifactStore, err := artifacts.NewStore(objects, refStore, storeCfg.BucketArtifacts)
	if err != nil {
		logger.Error("artifact store failed", "error", err)
		os.Exit(1)
	}

	repos := registry.Repositories{
		Experiments: pgrepo.NewExperimentStore(db),
		Runs:        pgrepo.NewRunStore(db),
		Params:      pgrepo.NewParamStore(db),
		Metrics:     pgrepo.NewMetricStore(db),
		Tags:        pgrepo.NewTagStore(db),
	}
	reg, err := registry.New(repos, artifactStore, logger)
	if err != nil {
		logger.Error("registry failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("trackerd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.Readyz(
			"trackerd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
		),
	)

	api := newTrackerAPI(logger, reg, repos, artifactStore)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "trackerd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "trackerd", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
