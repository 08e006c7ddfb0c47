package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
	"gopkg.in/yaml.v3"
)

// Store is a filesystem-backed metadata store. Layout under root:
//
//	<experiment_id>/experiment.yaml
//	<experiment_id>/<run_id>/run.yaml
//	<experiment_id>/<run_id>/params/<key>
//	<experiment_id>/<run_id>/metrics/<key>
//	<experiment_id>/<run_id>/tags/<key>
//	<experiment_id>/<run_id>/artifacts/<artifact_id>.yaml
//
// Param/tag files hold the raw value; metric files hold one
// "<unix_milli> <value> <step>" line per sample. Create-if-absent is
// atomic within one process via the store mutex.
type Store struct {
	mu   sync.Mutex
	root string
}

const (
	experimentFile = "experiment.yaml"
	runFile        = "run.yaml"
	paramsDir      = "params"
	metricsDir     = "metrics"
	tagsDir        = "tags"
	artifactsDir   = "artifacts"
)

type experimentDescriptor struct {
	ExperimentID string    `yaml:"experiment_id"`
	Name         string    `yaml:"name"`
	Description  string    `yaml:"description,omitempty"`
	State        string    `yaml:"state"`
	CreatedAt    time.Time `yaml:"created_at"`
}

type runDescriptor struct {
	RunID        string     `yaml:"run_id"`
	ExperimentID string     `yaml:"experiment_id"`
	Name         string     `yaml:"name,omitempty"`
	Description  string     `yaml:"description,omitempty"`
	ParentRunID  string     `yaml:"parent_run_id,omitempty"`
	Status       string     `yaml:"status"`
	StartedAt    time.Time  `yaml:"started_at"`
	EndedAt      *time.Time `yaml:"ended_at,omitempty"`
}

type artifactDescriptor struct {
	ArtifactID string    `yaml:"artifact_id"`
	RunID      string    `yaml:"run_id"`
	Path       string    `yaml:"path"`
	URI        string    `yaml:"uri"`
	SHA256     string    `yaml:"sha256,omitempty"`
	SizeBytes  int64     `yaml:"size_bytes"`
	CreatedAt  time.Time `yaml:"created_at"`
}

func New(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) CreateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if err := experiment.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.findActiveExperimentByName(experiment.Name); err == nil {
		return repo.ErrDuplicateName
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return s.writeExperiment(experiment)
}

func (s *Store) GetOrCreateExperiment(ctx context.Context, experiment domain.Experiment) (domain.Experiment, error) {
	if err := experiment.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.findActiveExperimentByName(experiment.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Experiment{}, err
	}
	experiment.State = domain.ExperimentActive
	if err := s.writeExperiment(experiment); err != nil {
		return domain.Experiment{}, err
	}
	return experiment, nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Experiment{}, errors.New("experiment id is required")
	}
	return s.readExperiment(id)
}

func (s *Store) GetExperimentByName(ctx context.Context, name string) (domain.Experiment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Experiment{}, errors.New("experiment name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findActiveExperimentByName(name)
}

func (s *Store) ListExperiments(ctx context.Context, filter repo.ExperimentFilter) ([]domain.Experiment, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	experiments := make([]domain.Experiment, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		experiment, err := s.readExperiment(entry.Name())
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Name != "" && experiment.Name != strings.TrimSpace(filter.Name) {
			continue
		}
		if filter.State != "" && experiment.State != filter.State {
			continue
		}
		experiments = append(experiments, experiment)
	}
	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt.After(experiments[j].CreatedAt)
	})
	if filter.Limit > 0 && len(experiments) > filter.Limit {
		experiments = experiments[:filter.Limit]
	}
	return experiments, nil
}

func (s *Store) UpdateExperimentState(ctx context.Context, id string, state domain.ExperimentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	experiment, err := s.readExperiment(id)
	if err != nil {
		return err
	}
	experiment.State = state
	return s.writeExperiment(experiment)
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	if _, err := s.readExperiment(run.ExperimentID); err != nil {
		return err
	}
	dir := s.runDir(run.ExperimentID, run.ID)
	for _, sub := range []string{paramsDir, metricsDir, tagsDir, artifactsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create run dirs: %w", err)
		}
	}
	return s.writeRun(run)
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	dir, err := s.findRunDir(id)
	if err != nil {
		return domain.Run{}, err
	}
	return readRunDescriptor(filepath.Join(dir, runFile))
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	experimentIDs := make([]string, 0)
	if strings.TrimSpace(filter.ExperimentID) != "" {
		experimentIDs = append(experimentIDs, strings.TrimSpace(filter.ExperimentID))
	} else {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			return nil, fmt.Errorf("read store root: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				experimentIDs = append(experimentIDs, entry.Name())
			}
		}
	}

	runs := make([]domain.Run, 0)
	for _, experimentID := range experimentIDs {
		entries, err := os.ReadDir(filepath.Join(s.root, experimentID))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read experiment dir: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			run, err := readRunDescriptor(filepath.Join(s.root, experimentID, entry.Name(), runFile))
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if strings.TrimSpace(filter.ParentRunID) != "" && run.ParentRunID != strings.TrimSpace(filter.ParentRunID) {
				continue
			}
			if filter.Status != "" && run.Status != filter.Status {
				continue
			}
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	run.Status = status
	run.EndedAt = endedAt
	return s.writeRun(run)
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	dir, err := s.findRunDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete run dir: %w", err)
	}
	return nil
}

func (s *Store) CreateParam(ctx context.Context, param domain.Param) error {
	if err := param.Validate(); err != nil {
		return err
	}
	if err := checkKey(param.Key); err != nil {
		return err
	}
	dir, err := s.findRunDir(param.RunID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, paramsDir, param.Key)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return repo.ErrDuplicateKey
		}
		return fmt.Errorf("create param file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(param.Value); err != nil {
		return fmt.Errorf("write param: %w", err)
	}
	return nil
}

func (s *Store) GetParam(ctx context.Context, runID, key string) (domain.Param, error) {
	if err := checkKey(key); err != nil {
		return domain.Param{}, err
	}
	dir, err := s.findRunDir(runID)
	if err != nil {
		return domain.Param{}, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, paramsDir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Param{}, repo.ErrNotFound
		}
		return domain.Param{}, fmt.Errorf("read param: %w", err)
	}
	return domain.Param{RunID: runID, Key: key, Value: string(raw)}, nil
}

func (s *Store) ListParams(ctx context.Context, runID string) ([]domain.Param, error) {
	dir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, paramsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.Param{}, nil
		}
		return nil, fmt.Errorf("read params dir: %w", err)
	}
	params := make([]domain.Param, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, paramsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read param: %w", err)
		}
		params = append(params, domain.Param{RunID: runID, Key: entry.Name(), Value: string(raw)})
	}
	return params, nil
}

func (s *Store) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	if err := checkKey(sample.Key); err != nil {
		return err
	}
	dir, err := s.findRunDir(sample.RunID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, metricsDir, sample.Key)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metric file: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("%d %s %d\n",
		sample.Timestamp.UTC().UnixMilli(),
		strconv.FormatFloat(sample.Value, 'g', -1, 64),
		sample.Step,
	)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetricHistory(ctx context.Context, runID, key string) ([]domain.MetricSample, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	dir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, metricsDir, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.MetricSample{}, nil
		}
		return nil, fmt.Errorf("read metric file: %w", err)
	}
	samples := make([]domain.MetricSample, 0)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sample, err := parseMetricLine(runID, key, line)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Step < samples[j].Step
	})
	return samples, nil
}

func (s *Store) ListMetricKeys(ctx context.Context, runID string) ([]string, error) {
	dir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, metricsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read metrics dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			keys = append(keys, entry.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) MaxMetricStep(ctx context.Context, runID, key string) (int64, bool, error) {
	samples, err := s.ListMetricHistory(ctx, runID, key)
	if err != nil {
		return 0, false, err
	}
	if len(samples) == 0 {
		return 0, false, nil
	}
	return samples[len(samples)-1].Step, true, nil
}

func (s *Store) SetTag(ctx context.Context, tag domain.Tag) error {
	if err := tag.Validate(); err != nil {
		return err
	}
	if err := checkKey(tag.Key); err != nil {
		return err
	}
	dir, err := s.findRunDir(tag.RunID)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, tagsDir, tag.Key), []byte(tag.Value), 0o644); err != nil {
		return fmt.Errorf("write tag: %w", err)
	}
	return nil
}

func (s *Store) ListTags(ctx context.Context, runID string) ([]domain.Tag, error) {
	dir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, tagsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.Tag{}, nil
		}
		return nil, fmt.Errorf("read tags dir: %w", err)
	}
	tags := make([]domain.Tag, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, tagsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read tag: %w", err)
		}
		tags = append(tags, domain.Tag{RunID: runID, Key: entry.Name(), Value: string(raw)})
	}
	return tags, nil
}

func (s *Store) CreateArtifactRef(ctx context.Context, ref domain.ArtifactRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	dir, err := s.findRunDir(ref.RunID)
	if err != nil {
		return err
	}
	descriptor := artifactDescriptor{
		ArtifactID: ref.ID,
		RunID:      ref.RunID,
		Path:       ref.Path,
		URI:        ref.URI,
		SHA256:     ref.SHA256,
		SizeBytes:  ref.SizeBytes,
		CreatedAt:  ref.CreatedAt.UTC(),
	}
	raw, err := yaml.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encode artifact ref: %w", err)
	}
	path := filepath.Join(dir, artifactsDir, ref.ID+".yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write artifact ref: %w", err)
	}
	return nil
}

func (s *Store) ListArtifactRefs(ctx context.Context, runID string) ([]domain.ArtifactRef, error) {
	dir, err := s.findRunDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, artifactsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []domain.ArtifactRef{}, nil
		}
		return nil, fmt.Errorf("read artifacts dir: %w", err)
	}
	refs := make([]domain.ArtifactRef, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, artifactsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read artifact ref: %w", err)
		}
		var descriptor artifactDescriptor
		if err := yaml.Unmarshal(raw, &descriptor); err != nil {
			return nil, fmt.Errorf("decode artifact ref: %w", err)
		}
		refs = append(refs, domain.ArtifactRef{
			ID:        descriptor.ArtifactID,
			RunID:     descriptor.RunID,
			Path:      descriptor.Path,
			URI:       descriptor.URI,
			SHA256:    descriptor.SHA256,
			SizeBytes: descriptor.SizeBytes,
			CreatedAt: descriptor.CreatedAt,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
	return refs, nil
}

func (s *Store) DeleteArtifactRefs(ctx context.Context, runID string) error {
	dir, err := s.findRunDir(runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(filepath.Join(dir, artifactsDir)); err != nil {
		return fmt.Errorf("delete artifact refs: %w", err)
	}
	return nil
}

func (s *Store) experimentDir(experimentID string) string {
	return filepath.Join(s.root, strings.TrimSpace(experimentID))
}

func (s *Store) runDir(experimentID, runID string) string {
	return filepath.Join(s.experimentDir(experimentID), strings.TrimSpace(runID))
}

func (s *Store) findRunDir(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", errors.New("run id is required")
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("read store root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name(), runID)
		if _, err := os.Stat(filepath.Join(dir, runFile)); err == nil {
			return dir, nil
		}
	}
	return "", repo.ErrNotFound
}

func (s *Store) findActiveExperimentByName(name string) (domain.Experiment, error) {
	name = strings.TrimSpace(name)
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("read store root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		experiment, err := s.readExperiment(entry.Name())
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return domain.Experiment{}, err
		}
		if experiment.Name == name && experiment.State == domain.ExperimentActive {
			return experiment, nil
		}
	}
	return domain.Experiment{}, repo.ErrNotFound
}

func (s *Store) readExperiment(id string) (domain.Experiment, error) {
	raw, err := os.ReadFile(filepath.Join(s.experimentDir(id), experimentFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Experiment{}, repo.ErrNotFound
		}
		return domain.Experiment{}, fmt.Errorf("read experiment: %w", err)
	}
	var descriptor experimentDescriptor
	if err := yaml.Unmarshal(raw, &descriptor); err != nil {
		return domain.Experiment{}, fmt.Errorf("decode experiment: %w", err)
	}
	return domain.Experiment{
		ID:          descriptor.ExperimentID,
		Name:        descriptor.Name,
		Description: descriptor.Description,
		State:       domain.NormalizeExperimentState(descriptor.State),
		CreatedAt:   descriptor.CreatedAt,
	}, nil
}

func (s *Store) writeExperiment(experiment domain.Experiment) error {
	dir := s.experimentDir(experiment.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create experiment dir: %w", err)
	}
	raw, err := yaml.Marshal(experimentDescriptor{
		ExperimentID: experiment.ID,
		Name:         experiment.Name,
		Description:  experiment.Description,
		State:        string(experiment.State),
		CreatedAt:    experiment.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode experiment: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, experimentFile), raw, 0o644); err != nil {
		return fmt.Errorf("write experiment: %w", err)
	}
	return nil
}

func (s *Store) writeRun(run domain.Run) error {
	raw, err := yaml.Marshal(runDescriptor{
		RunID:        run.ID,
		ExperimentID: run.ExperimentID,
		Name:         run.Name,
		Description:  run.Description,
		ParentRunID:  run.ParentRunID,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt.UTC(),
		EndedAt:      run.EndedAt,
	})
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	path := filepath.Join(s.runDir(run.ExperimentID, run.ID), runFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func readRunDescriptor(path string) (domain.Run, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Run{}, repo.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("read run: %w", err)
	}
	var descriptor runDescriptor
	if err := yaml.Unmarshal(raw, &descriptor); err != nil {
		return domain.Run{}, fmt.Errorf("decode run: %w", err)
	}
	return domain.Run{
		ID:           descriptor.RunID,
		ExperimentID: descriptor.ExperimentID,
		Name:         descriptor.Name,
		Description:  descriptor.Description,
		ParentRunID:  descriptor.ParentRunID,
		Status:       domain.NormalizeRunStatus(descriptor.Status),
		StartedAt:    descriptor.StartedAt,
		EndedAt:      descriptor.EndedAt,
	}, nil
}

func parseMetricLine(runID, key, line string) (domain.MetricSample, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return domain.MetricSample{}, fmt.Errorf("malformed metric line %q", line)
	}
	millis, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return domain.MetricSample{}, fmt.Errorf("parse metric timestamp: %w", err)
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return domain.MetricSample{}, fmt.Errorf("parse metric value: %w", err)
	}
	step, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return domain.MetricSample{}, fmt.Errorf("parse metric step: %w", err)
	}
	return domain.MetricSample{
		RunID:     runID,
		Key:       key,
		Value:     value,
		Step:      step,
		Timestamp: time.UnixMilli(millis).UTC(),
	}, nil
}

// checkKey rejects keys that would escape their entry directory.
func checkKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
