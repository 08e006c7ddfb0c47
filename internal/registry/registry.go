package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/model"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

// Repositories bundles the backend stores a Registry writes through.
type Repositories struct {
	Experiments repo.ExperimentRepository
	Runs        repo.RunRepository
	Params      repo.ParamRepository
	Metrics     repo.MetricRepository
	Tags        repo.TagRepository
}

func (r Repositories) validate() error {
	if r.Experiments == nil {
		return errors.New("experiment repository is required")
	}
	if r.Runs == nil {
		return errors.New("run repository is required")
	}
	if r.Params == nil {
		return errors.New("param repository is required")
	}
	if r.Metrics == nil {
		return errors.New("metric repository is required")
	}
	if r.Tags == nil {
		return errors.New("tag repository is required")
	}
	return nil
}

// Registry tracks the current experiment and an explicit stack of open
// runs for one logical execution context, and persists run entries
// through the backend stores. The stack is a field on the instance, so
// multiple isolated registries can coexist in one process.
type Registry struct {
	mu        sync.Mutex
	repos     Repositories
	artifacts *artifacts.Store
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	experimentID string
	stack        []string
	nextStep     map[string]map[string]int64
	modelManager *model.Manager
}

// New builds a Registry over the given stores. artifactStore may be
// nil; artifact operations then report the store as unconfigured.
func New(repos Repositories, artifactStore *artifacts.Store, logger *slog.Logger) (*Registry, error) {
	if err := repos.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		repos:     repos,
		artifacts: artifactStore,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		nextStep:  map[string]map[string]int64{},
	}, nil
}

// CreateExperiment creates a new active experiment. An active
// experiment with the same name makes it fail with ErrDuplicateName.
func (r *Registry) CreateExperiment(ctx context.Context, name, description string) (domain.Experiment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Experiment{}, errors.New("experiment name is required")
	}
	experiment := domain.Experiment{
		ID:          r.newID(),
		Name:        name,
		Description: strings.TrimSpace(description),
		State:       domain.ExperimentActive,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.repos.Experiments.CreateExperiment(ctx, experiment); err != nil {
		return domain.Experiment{}, err
	}
	r.logger.Info("experiment created", "experiment_id", experiment.ID, "name", experiment.Name)
	return experiment, nil
}

// SetCurrentExperiment binds subsequent run creation to the named
// experiment, creating it if absent.
func (r *Registry) SetCurrentExperiment(ctx context.Context, name string) (domain.Experiment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Experiment{}, errors.New("experiment name is required")
	}
	experiment, err := r.repos.Experiments.GetOrCreateExperiment(ctx, domain.Experiment{
		ID:        r.newID(),
		Name:      name,
		State:     domain.ExperimentActive,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return domain.Experiment{}, err
	}
	r.mu.Lock()
	r.experimentID = experiment.ID
	r.mu.Unlock()
	return experiment, nil
}

// StartRunOptions controls run creation. RunID resumes an existing
// open run instead of creating one. Nested parents the new run under
// the current run; an explicit ParentRunID overrides the stack.
type StartRunOptions struct {
	Name        string
	Description string
	RunID       string
	ParentRunID string
	Nested      bool
}

// StartRun opens a run and makes it current.
func (r *Registry) StartRun(ctx context.Context, opts StartRunOptions) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.RunID != "" {
		return r.resumeRun(ctx, opts.RunID)
	}

	if r.experimentID == "" {
		return domain.Run{}, ErrNoExperiment
	}

	parentID := strings.TrimSpace(opts.ParentRunID)
	if opts.Nested && parentID == "" {
		if len(r.stack) == 0 {
			return domain.Run{}, ErrInvalidNesting
		}
		parentID = r.stack[len(r.stack)-1]
	}
	if parentID != "" {
		if _, err := r.repos.Runs.GetRun(ctx, parentID); err != nil {
			return domain.Run{}, fmt.Errorf("parent run %s: %w", parentID, err)
		}
	}

	run := domain.Run{
		ID:           r.newID(),
		ExperimentID: r.experimentID,
		Name:         strings.TrimSpace(opts.Name),
		Description:  strings.TrimSpace(opts.Description),
		ParentRunID:  parentID,
		Status:       domain.RunRunning,
		StartedAt:    r.now().UTC(),
	}
	if err := r.repos.Runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	r.stack = append(r.stack, run.ID)
	r.logger.Info("run started", "run_id", run.ID, "experiment_id", run.ExperimentID, "parent_run_id", parentID)
	return run, nil
}

// CreateRun opens a run in an explicit experiment without touching the
// current-run stack. Server handlers use this; in-process callers that
// want scoped tracking go through StartRun.
func (r *Registry) CreateRun(ctx context.Context, experimentID string, opts StartRunOptions) (domain.Run, error) {
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return domain.Run{}, ErrNoExperiment
	}
	experiment, err := r.repos.Experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return domain.Run{}, err
	}
	if experiment.State != domain.ExperimentActive {
		return domain.Run{}, fmt.Errorf("experiment %s: %w", experimentID, repo.ErrNotFound)
	}

	parentID := strings.TrimSpace(opts.ParentRunID)
	if parentID != "" {
		parent, err := r.repos.Runs.GetRun(ctx, parentID)
		if err != nil {
			return domain.Run{}, fmt.Errorf("parent run %s: %w", parentID, err)
		}
		if parent.ExperimentID != experimentID {
			return domain.Run{}, fmt.Errorf("parent run %s: %w", parentID, ErrInvalidNesting)
		}
	}

	run := domain.Run{
		ID:           r.newID(),
		ExperimentID: experimentID,
		Name:         strings.TrimSpace(opts.Name),
		Description:  strings.TrimSpace(opts.Description),
		ParentRunID:  parentID,
		Status:       domain.RunRunning,
		StartedAt:    r.now().UTC(),
	}
	if err := r.repos.Runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	r.logger.Info("run started", "run_id", run.ID, "experiment_id", experimentID, "parent_run_id", parentID)
	return run, nil
}

// resumeRun reopens a run that is still running, e.g. after a crashed
// context. Finished and deleted runs stay closed: status transitions
// are forward only.
func (r *Registry) resumeRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := r.repos.Runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != domain.RunRunning {
		return domain.Run{}, fmt.Errorf("resume run %s: %w", runID, ErrRunClosed)
	}
	for _, id := range r.stack {
		if id == run.ID {
			return domain.Run{}, fmt.Errorf("run %s is already current", runID)
		}
	}
	r.stack = append(r.stack, run.ID)
	return run, nil
}

// EndRun closes the topmost current run as finished. The run is popped
// before the status write, so a failing backend never leaves a closed
// run on the stack.
func (r *Registry) EndRun(ctx context.Context) (domain.Run, error) {
	r.mu.Lock()
	if len(r.stack) == 0 {
		r.mu.Unlock()
		return domain.Run{}, ErrNoActiveRun
	}
	runID := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	r.mu.Unlock()

	if err := r.FinishRun(ctx, runID); err != nil {
		return domain.Run{}, err
	}
	return r.repos.Runs.GetRun(ctx, runID)
}

// FinishRun transitions a run to finished regardless of stack state.
func (r *Registry) FinishRun(ctx context.Context, runID string) error {
	run, err := r.repos.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.CanTransitionTo(domain.RunFinished) {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunClosed)
	}
	endedAt := r.now().UTC()
	if err := r.repos.Runs.UpdateRunStatus(ctx, runID, domain.RunFinished, &endedAt); err != nil {
		return err
	}
	r.logger.Info("run finished", "run_id", runID)
	return nil
}

// WithRun starts a run, runs fn, and guarantees the run (plus any
// nested runs fn left open above it) is closed and popped on every
// exit path. fn's error wins over close errors.
func (r *Registry) WithRun(ctx context.Context, opts StartRunOptions, fn func(ctx context.Context, run domain.Run) error) error {
	run, err := r.StartRun(ctx, opts)
	if err != nil {
		return err
	}
	fnErr := fn(ctx, run)
	closeErr := r.closeThrough(ctx, run.ID)
	if fnErr != nil {
		return fnErr
	}
	return closeErr
}

// closeThrough pops and finishes stack entries until run.ID has been
// closed. Close errors on abandoned nested runs are logged, not fatal.
func (r *Registry) closeThrough(ctx context.Context, runID string) error {
	for {
		r.mu.Lock()
		if len(r.stack) == 0 {
			r.mu.Unlock()
			return nil
		}
		top := r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
		r.mu.Unlock()

		err := r.FinishRun(ctx, top)
		if top == runID {
			return err
		}
		if err != nil {
			r.logger.Warn("close abandoned nested run", "run_id", top, "error", err)
		}
	}
}

// CurrentRun returns the id of the topmost open run, if any.
func (r *Registry) CurrentRun() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stack) == 0 {
		return "", false
	}
	return r.stack[len(r.stack)-1], true
}

// LogParam attaches a param to the run. An empty runID targets the
// current run. Re-logging an identical value is a no-op; a different
// value fails with ErrImmutableParam.
func (r *Registry) LogParam(ctx context.Context, runID, key, value string) error {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return err
	}
	err = r.repos.Params.CreateParam(ctx, domain.Param{RunID: run.ID, Key: key, Value: value})
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrDuplicateKey) {
		return err
	}
	existing, err := r.repos.Params.GetParam(ctx, run.ID, key)
	if err != nil {
		return err
	}
	if existing.Value == value {
		return nil
	}
	return fmt.Errorf("param %q: %w", key, ErrImmutableParam)
}

// LogParams logs a batch of params in key order. The first conflict
// stops the batch.
func (r *Registry) LogParams(ctx context.Context, runID string, params map[string]string) error {
	for _, key := range sortedKeys(params) {
		if err := r.LogParam(ctx, runID, key, params[key]); err != nil {
			return err
		}
	}
	return nil
}

// LogMetric appends a sample with an auto-incrementing step for the
// key, starting at 0 and continuing past the largest persisted step.
func (r *Registry) LogMetric(ctx context.Context, runID, key string, value float64) error {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return err
	}
	step, err := r.reserveStep(ctx, run.ID, key)
	if err != nil {
		return err
	}
	return r.appendMetric(ctx, run.ID, key, value, step)
}

// LogMetricAt appends a sample at an explicit step.
func (r *Registry) LogMetricAt(ctx context.Context, runID, key string, value float64, step int64) error {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	steps := r.stepsFor(run.ID)
	if next, ok := steps[key]; !ok || step >= next {
		steps[key] = step + 1
	}
	r.mu.Unlock()
	return r.appendMetric(ctx, run.ID, key, value, step)
}

// LogMetrics appends one auto-stepped sample per key, in key order.
func (r *Registry) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	for _, key := range sortedKeys(metrics) {
		if err := r.LogMetric(ctx, runID, key, metrics[key]); err != nil {
			return err
		}
	}
	return nil
}

// SetTag sets a tag on the run, overwriting any previous value.
func (r *Registry) SetTag(ctx context.Context, runID, key, value string) error {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return err
	}
	return r.repos.Tags.SetTag(ctx, domain.Tag{RunID: run.ID, Key: key, Value: value})
}

func (r *Registry) SetTags(ctx context.Context, runID string, tags map[string]string) error {
	for _, key := range sortedKeys(tags) {
		if err := r.SetTag(ctx, runID, key, tags[key]); err != nil {
			return err
		}
	}
	return nil
}

// LogArtifact copies a local file into the run's artifact namespace.
func (r *Registry) LogArtifact(ctx context.Context, runID, localPath, subPath string) (domain.ArtifactRef, error) {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if r.artifacts == nil {
		return domain.ArtifactRef{}, errors.New("artifact store not configured")
	}
	return r.artifacts.LogFile(ctx, run.ID, localPath, subPath)
}

// LogArtifacts copies a local directory tree, preserving structure.
func (r *Registry) LogArtifacts(ctx context.Context, runID, localDir, subPath string) ([]domain.ArtifactRef, error) {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.artifacts == nil {
		return nil, errors.New("artifact store not configured")
	}
	return r.artifacts.LogDir(ctx, run.ID, localDir, subPath)
}

// SaveModel serializes a model with the given flavor and stores it as
// run artifacts. It returns the descriptor URI for LoadModel.
func (r *Registry) SaveModel(ctx context.Context, runID, name string, flavor model.Flavor, m any) (string, error) {
	run, err := r.resolveOpenRun(ctx, runID)
	if err != nil {
		return "", err
	}
	manager, err := r.models()
	if err != nil {
		return "", err
	}
	return manager.SaveModel(ctx, run.ID, name, flavor, m)
}

// LoadModel decodes a previously saved model into the pointer into.
func (r *Registry) LoadModel(ctx context.Context, uri string, into any) error {
	manager, err := r.models()
	if err != nil {
		return err
	}
	return manager.LoadModel(ctx, uri, into)
}

func (r *Registry) models() (*model.Manager, error) {
	if r.artifacts == nil {
		return nil, errors.New("artifact store not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modelManager == nil {
		manager, err := model.NewManager(r.artifacts)
		if err != nil {
			return nil, err
		}
		r.modelManager = manager
	}
	return r.modelManager, nil
}

// DeleteRun marks a run deleted. Deleted is terminal; repeating the
// call is a no-op. Storage is reclaimed later by garbage collection.
func (r *Registry) DeleteRun(ctx context.Context, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	run, err := r.repos.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.RunDeleted {
		return nil
	}
	endedAt := run.EndedAt
	if endedAt == nil {
		now := r.now().UTC()
		endedAt = &now
	}
	if err := r.repos.Runs.UpdateRunStatus(ctx, runID, domain.RunDeleted, endedAt); err != nil {
		return err
	}

	r.mu.Lock()
	for i, id := range r.stack {
		if id == runID {
			r.stack = append(r.stack[:i], r.stack[i+1:]...)
			break
		}
	}
	delete(r.nextStep, runID)
	r.mu.Unlock()

	r.logger.Info("run deleted", "run_id", runID)
	return nil
}

func (r *Registry) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return r.repos.Runs.GetRun(ctx, runID)
}

// Params returns the run's logged params as a map.
func (r *Registry) Params(ctx context.Context, runID string) (map[string]string, error) {
	params, err := r.repos.Params.ListParams(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(params))
	for _, param := range params {
		out[param.Key] = param.Value
	}
	return out, nil
}

// MetricHistory returns the full series for a key, ordered by step.
func (r *Registry) MetricHistory(ctx context.Context, runID, key string) ([]domain.MetricSample, error) {
	return r.repos.Metrics.ListMetricHistory(ctx, runID, key)
}

// Tags returns the run's tags as a map.
func (r *Registry) Tags(ctx context.Context, runID string) (map[string]string, error) {
	tags, err := r.repos.Tags.ListTags(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		out[tag.Key] = tag.Value
	}
	return out, nil
}

// ListArtifacts returns the run's recorded artifact refs.
func (r *Registry) ListArtifacts(ctx context.Context, runID string) ([]domain.ArtifactRef, error) {
	if r.artifacts == nil {
		return nil, errors.New("artifact store not configured")
	}
	return r.artifacts.ListRefs(ctx, runID)
}

// resolveOpenRun maps an optional run id to a run that must still be
// running. Empty runID targets the topmost current run.
func (r *Registry) resolveOpenRun(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		current, ok := r.CurrentRun()
		if !ok {
			return domain.Run{}, ErrNoActiveRun
		}
		runID = current
	}
	run, err := r.repos.Runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != domain.RunRunning {
		return domain.Run{}, fmt.Errorf("run %s: %w", runID, ErrRunClosed)
	}
	return run, nil
}

// reserveStep hands out the next step for (run, key), seeding the
// counter from the store the first time the key is seen.
func (r *Registry) reserveStep(ctx context.Context, runID, key string) (int64, error) {
	r.mu.Lock()
	steps := r.stepsFor(runID)
	if next, ok := steps[key]; ok {
		steps[key] = next + 1
		r.mu.Unlock()
		return next, nil
	}
	r.mu.Unlock()

	max, found, err := r.repos.Metrics.MaxMetricStep(ctx, runID, key)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	steps = r.stepsFor(runID)
	next, ok := steps[key]
	if !ok {
		next = 0
		if found {
			next = max + 1
		}
	}
	steps[key] = next + 1
	return next, nil
}

func (r *Registry) stepsFor(runID string) map[string]int64 {
	steps, ok := r.nextStep[runID]
	if !ok {
		steps = map[string]int64{}
		r.nextStep[runID] = steps
	}
	return steps
}

func (r *Registry) appendMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	return r.repos.Metrics.AppendMetric(ctx, domain.MetricSample{
		RunID:     runID,
		Key:       key,
		Value:     value,
		Step:      step,
		Timestamp: r.now().UTC(),
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
