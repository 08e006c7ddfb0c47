package repo

import (
	"context"
	"time"

	"github.com/runledger-labs/runledger-go/internal/domain"
)

type ExperimentFilter struct {
	Name  string
	State domain.ExperimentState
	Limit int
}

type RunFilter struct {
	ExperimentID string
	ParentRunID  string
	Status       domain.RunStatus
	Limit        int
}

// ExperimentRepository manages experiment records. Create fails with
// ErrDuplicateName when an active experiment already holds the name;
// GetOrCreate treats create-if-absent as one atomic check-and-create.
type ExperimentRepository interface {
	CreateExperiment(ctx context.Context, experiment domain.Experiment) error
	GetOrCreateExperiment(ctx context.Context, experiment domain.Experiment) (domain.Experiment, error)
	GetExperiment(ctx context.Context, id string) (domain.Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (domain.Experiment, error)
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]domain.Experiment, error)
	UpdateExperimentState(ctx context.Context, id string, state domain.ExperimentState) error
}

// RunRepository manages run records. DeleteRun removes the record and
// all of its entries permanently; status bookkeeping stays with
// UpdateRunStatus.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, endedAt *time.Time) error
	DeleteRun(ctx context.Context, id string) error
}

// ParamRepository manages immutable per-run params. CreateParam fails
// with ErrDuplicateKey when the key exists, regardless of value.
type ParamRepository interface {
	CreateParam(ctx context.Context, param domain.Param) error
	GetParam(ctx context.Context, runID, key string) (domain.Param, error)
	ListParams(ctx context.Context, runID string) ([]domain.Param, error)
}

// MetricRepository manages append-only metric series. History reads
// return samples ordered by step, then by timestamp.
type MetricRepository interface {
	AppendMetric(ctx context.Context, sample domain.MetricSample) error
	ListMetricHistory(ctx context.Context, runID, key string) ([]domain.MetricSample, error)
	ListMetricKeys(ctx context.Context, runID string) ([]string, error)
	MaxMetricStep(ctx context.Context, runID, key string) (int64, bool, error)
}

// TagRepository manages run tags with overwrite semantics.
type TagRepository interface {
	SetTag(ctx context.Context, tag domain.Tag) error
	ListTags(ctx context.Context, runID string) ([]domain.Tag, error)
}

// ArtifactRefRepository records logical artifact paths for a run.
type ArtifactRefRepository interface {
	CreateArtifactRef(ctx context.Context, ref domain.ArtifactRef) error
	ListArtifactRefs(ctx context.Context, runID string) ([]domain.ArtifactRef, error)
	DeleteArtifactRefs(ctx context.Context, runID string) error
}
