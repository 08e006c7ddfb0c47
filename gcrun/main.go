package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/gc"
	"github.com/runledger-labs/runledger-go/internal/platform/env"
	platformstore "github.com/runledger-labs/runledger-go/internal/platform/objectstore"
	"github.com/runledger-labs/runledger-go/internal/platform/postgres"
	pgrepo "github.com/runledger-labs/runledger-go/internal/repo/postgres"
	"github.com/runledger-labs/runledger-go/internal/storage/objectstore"
)

// gcrun reclaims storage for runs marked deleted. With GC_INTERVAL
// unset it runs a single pass and exits; otherwise it loops until
// signalled.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval, err := env.Duration("GC_INTERVAL", 0)
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
	objects, err := objectstore.NewMinioStore(storeCfg)
	if err != nil {
		logger.Error("object store client failed", "error", err)
		os.Exit(1)
	}
	artifactStore, err := artifacts.NewStore(objects, pgrepo.NewArtifactRefStore(db), storeCfg.BucketArtifacts)
	if err != nil {
		logger.Error("artifact store failed", "error", err)
		os.Exit(1)
	}

	collector, err := gc.NewCollector(pgrepo.NewRunStore(db), artifactStore, logger)
	if err != nil {
		logger.Error("collector failed", "error", err)
		os.Exit(1)
	}

	if interval <= 0 {
		if !collectOnce(ctx, logger, collector) {
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	collectOnce(ctx, logger, collector)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			collectOnce(ctx, logger, collector)
		}
	}
}

func collectOnce(ctx context.Context, logger *slog.Logger, collector *gc.Collector) bool {
	res, err := collector.Collect(ctx)
	if err != nil {
		logger.Error("collection failed", "error", err)
		return false
	}
	logger.Info("collection done", "purged", res.Purged, "failed", res.Failed)
	return res.Failed == 0
}
