package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

// Collector reclaims storage for deleted runs. DeleteRun only flips
// the status; the collector does the actual purge out of band, so a
// crash between the two leaves nothing worse than a retryable run.
type Collector struct {
	runs      repo.RunRepository
	artifacts *artifacts.Store
	logger    *slog.Logger
}

// Result summarizes one collection pass.
type Result struct {
	Purged int
	Failed int
}

func NewCollector(runs repo.RunRepository, artifactStore *artifacts.Store, logger *slog.Logger) (*Collector, error) {
	if runs == nil {
		return nil, errors.New("run repository is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{runs: runs, artifacts: artifactStore, logger: logger}, nil
}

// Collect purges every run marked deleted: artifact objects and refs
// first, then the run's stored entries. A failing run is logged and
// skipped; the rest of the batch still runs. Collect is idempotent, a
// second pass over an already purged run is a no-op.
func (c *Collector) Collect(ctx context.Context) (Result, error) {
	deleted, err := c.runs.ListRuns(ctx, repo.RunFilter{Status: domain.RunDeleted})
	if err != nil {
		return Result{}, fmt.Errorf("list deleted runs: %w", err)
	}

	var res Result
	for _, run := range deleted {
		if err := c.purge(ctx, run); err != nil {
			res.Failed++
			c.logger.Error("purge run", "run_id", run.ID, "error", err)
			continue
		}
		res.Purged++
		c.logger.Info("run purged", "run_id", run.ID, "experiment_id", run.ExperimentID)
	}
	return res, nil
}

func (c *Collector) purge(ctx context.Context, run domain.Run) error {
	if c.artifacts != nil {
		if err := c.artifacts.PurgeRun(ctx, run.ID); err != nil {
			return fmt.Errorf("purge artifacts: %w", err)
		}
	}
	if err := c.runs.DeleteRun(ctx, run.ID); err != nil {
		// Someone else already removed it, which is fine.
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}
