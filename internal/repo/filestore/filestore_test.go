package filestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func seedRun(t *testing.T, store *Store, experimentID, runID string) {
	t.Helper()
	ctx := context.Background()
	err := store.CreateExperiment(ctx, domain.Experiment{
		ID:        experimentID,
		Name:      "exp-" + experimentID,
		State:     domain.ExperimentActive,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	err = store.CreateRun(ctx, domain.Run{
		ID:           runID,
		ExperimentID: experimentID,
		Status:       domain.RunRunning,
		StartedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func TestCreateExperimentDuplicateActiveName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := domain.Experiment{ID: "e1", Name: "wine", State: domain.ExperimentActive, CreatedAt: time.Now()}
	if err := store.CreateExperiment(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := domain.Experiment{ID: "e2", Name: "wine", State: domain.ExperimentActive, CreatedAt: time.Now()}
	if err := store.CreateExperiment(ctx, second); !errors.Is(err, repo.ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	// A deleted experiment frees its name for reuse.
	if err := store.UpdateExperimentState(ctx, "e1", domain.ExperimentDeleted); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if err := store.CreateExperiment(ctx, second); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
}

func TestGetOrCreateExperimentReturnsExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.GetOrCreateExperiment(ctx, domain.Experiment{ID: "e1", Name: "wine", State: domain.ExperimentActive, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	again, err := store.GetOrCreateExperiment(ctx, domain.Experiment{ID: "e2", Name: "wine", State: domain.ExperimentActive, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("expected existing experiment %s, got %s", created.ID, again.ID)
	}
}

func TestParamImmutability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedRun(t, store, "e1", "r1")

	if err := store.CreateParam(ctx, domain.Param{RunID: "r1", Key: "lr", Value: "0.1"}); err != nil {
		t.Fatalf("create param: %v", err)
	}
	err := store.CreateParam(ctx, domain.Param{RunID: "r1", Key: "lr", Value: "0.2"})
	if !errors.Is(err, repo.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	param, err := store.GetParam(ctx, "r1", "lr")
	if err != nil {
		t.Fatalf("get param: %v", err)
	}
	if param.Value != "0.1" {
		t.Fatalf("expected original value, got %q", param.Value)
	}
}

func TestMetricHistoryOrderedByStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedRun(t, store, "e1", "r1")

	now := time.Now().UTC()
	for _, step := range []int64{2, 0, 1} {
		err := store.AppendMetric(ctx, domain.MetricSample{
			RunID: "r1", Key: "acc", Value: float64(step) / 10, Step: step, Timestamp: now,
		})
		if err != nil {
			t.Fatalf("append metric: %v", err)
		}
	}
	history, err := store.ListMetricHistory(ctx, "r1", "acc")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(history))
	}
	for i, sample := range history {
		if sample.Step != int64(i) {
			t.Fatalf("expected step %d at index %d, got %d", i, i, sample.Step)
		}
	}
}

func TestTagOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedRun(t, store, "e1", "r1")

	if err := store.SetTag(ctx, domain.Tag{RunID: "r1", Key: "stage", Value: "dev"}); err != nil {
		t.Fatalf("set tag: %v", err)
	}
	if err := store.SetTag(ctx, domain.Tag{RunID: "r1", Key: "stage", Value: "prod"}); err != nil {
		t.Fatalf("overwrite tag: %v", err)
	}
	tags, err := store.ListTags(ctx, "r1")
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(tags) != 1 || tags[0].Value != "prod" {
		t.Fatalf("expected single overwritten tag, got %v", tags)
	}
}

func TestDeleteRunRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedRun(t, store, "e1", "r1")

	if err := store.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, "r1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteRun(ctx, "r1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCheckKeyRejectsPathEscapes(t *testing.T) {
	for _, key := range []string{"", "a/b", `a\b`, "..", "."} {
		if err := checkKey(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
	if err := checkKey("learning_rate"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
