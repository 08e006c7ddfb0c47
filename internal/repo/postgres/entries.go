package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

// ParamStore persists immutable run params. A primary key on
// (run_id, key) turns duplicate inserts into ErrDuplicateKey.
type ParamStore struct {
	db DB
}

func NewParamStore(db DB) *ParamStore {
	if db == nil {
		return nil
	}
	return &ParamStore{db: db}
}

func (s *ParamStore) CreateParam(ctx context.Context, param domain.Param) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("param store not initialized")
	}
	if err := param.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_params (run_id, key, value) VALUES ($1,$2,$3)`,
		strings.TrimSpace(param.RunID),
		strings.TrimSpace(param.Key),
		param.Value,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateKey
		}
		return fmt.Errorf("insert param: %w", err)
	}
	return nil
}

func (s *ParamStore) GetParam(ctx context.Context, runID, key string) (domain.Param, error) {
	if s == nil || s.db == nil {
		return domain.Param{}, fmt.Errorf("param store not initialized")
	}
	runID = strings.TrimSpace(runID)
	key = strings.TrimSpace(key)
	if runID == "" || key == "" {
		return domain.Param{}, fmt.Errorf("run id and key are required")
	}
	var param domain.Param
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, key, value FROM run_params WHERE run_id = $1 AND key = $2`,
		runID,
		key,
	)
	if err := row.Scan(&param.RunID, &param.Key, &param.Value); err != nil {
		return domain.Param{}, handleNotFound(err)
	}
	return param, nil
}

func (s *ParamStore) ListParams(ctx context.Context, runID string) ([]domain.Param, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("param store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, key, value FROM run_params WHERE run_id = $1 ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list params: %w", err)
	}
	defer rows.Close()

	params := make([]domain.Param, 0)
	for rows.Next() {
		var param domain.Param
		if err := rows.Scan(&param.RunID, &param.Key, &param.Value); err != nil {
			return nil, fmt.Errorf("scan param: %w", err)
		}
		params = append(params, param)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list params: %w", err)
	}
	return params, nil
}

// MetricStore persists metric samples append-only.
type MetricStore struct {
	db DB
}

func NewMetricStore(db DB) *MetricStore {
	if db == nil {
		return nil
	}
	return &MetricStore{db: db}
}

func (s *MetricStore) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("metric store not initialized")
	}
	if err := sample.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_metrics (run_id, key, value, step, logged_at) VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(sample.RunID),
		strings.TrimSpace(sample.Key),
		sample.Value,
		sample.Step,
		normalizeTime(sample.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

func (s *MetricStore) ListMetricHistory(ctx context.Context, runID, key string) ([]domain.MetricSample, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("metric store not initialized")
	}
	runID = strings.TrimSpace(runID)
	key = strings.TrimSpace(key)
	if runID == "" || key == "" {
		return nil, fmt.Errorf("run id and key are required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, key, value, step, logged_at
		 FROM run_metrics WHERE run_id = $1 AND key = $2
		 ORDER BY step, logged_at`,
		runID,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("list metric history: %w", err)
	}
	defer rows.Close()

	samples := make([]domain.MetricSample, 0)
	for rows.Next() {
		var sample domain.MetricSample
		if err := rows.Scan(&sample.RunID, &sample.Key, &sample.Value, &sample.Step, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metric history: %w", err)
	}
	return samples, nil
}

func (s *MetricStore) ListMetricKeys(ctx context.Context, runID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("metric store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT key FROM run_metrics WHERE run_id = $1 ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list metric keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan metric key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metric keys: %w", err)
	}
	return keys, nil
}

func (s *MetricStore) MaxMetricStep(ctx context.Context, runID, key string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("metric store not initialized")
	}
	runID = strings.TrimSpace(runID)
	key = strings.TrimSpace(key)
	if runID == "" || key == "" {
		return 0, false, fmt.Errorf("run id and key are required")
	}
	var max *int64
	row := s.db.QueryRowContext(
		ctx,
		`SELECT MAX(step) FROM run_metrics WHERE run_id = $1 AND key = $2`,
		runID,
		key,
	)
	if err := row.Scan(&max); err != nil {
		return 0, false, fmt.Errorf("max metric step: %w", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// TagStore persists run tags with overwrite semantics.
type TagStore struct {
	db DB
}

func NewTagStore(db DB) *TagStore {
	if db == nil {
		return nil
	}
	return &TagStore{db: db}
}

func (s *TagStore) SetTag(ctx context.Context, tag domain.Tag) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("tag store not initialized")
	}
	if err := tag.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_tags (run_id, key, value) VALUES ($1,$2,$3)
		 ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`,
		strings.TrimSpace(tag.RunID),
		strings.TrimSpace(tag.Key),
		tag.Value,
	)
	if err != nil {
		return fmt.Errorf("set tag: %w", err)
	}
	return nil
}

func (s *TagStore) ListTags(ctx context.Context, runID string) ([]domain.Tag, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("tag store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, key, value FROM run_tags WHERE run_id = $1 ORDER BY key`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]domain.Tag, 0)
	for rows.Next() {
		var tag domain.Tag
		if err := rows.Scan(&tag.RunID, &tag.Key, &tag.Value); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}
