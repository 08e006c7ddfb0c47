package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

// ExperimentStore persists experiments. Active-name uniqueness is
// enforced by a partial unique index on (name) WHERE state = 'active'.
type ExperimentStore struct {
	db DB
}

func NewExperimentStore(db DB) *ExperimentStore {
	if db == nil {
		return nil
	}
	return &ExperimentStore{db: db}
}

func (s *ExperimentStore) CreateExperiment(ctx context.Context, experiment domain.Experiment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("experiment store not initialized")
	}
	if err := experiment.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO experiments (experiment_id, name, description, state, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		strings.TrimSpace(experiment.ID),
		strings.TrimSpace(experiment.Name),
		nullIfEmpty(experiment.Description),
		string(experiment.State),
		normalizeTime(experiment.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateName
		}
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

// GetOrCreateExperiment inserts the experiment unless an active one
// with the same name exists, then returns the winning row. The insert
// and the read race-safely against concurrent creators: the partial
// unique index makes ON CONFLICT DO NOTHING the atomic check-and-create.
func (s *ExperimentStore) GetOrCreateExperiment(ctx context.Context, experiment domain.Experiment) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("experiment store not initialized")
	}
	if err := experiment.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO experiments (experiment_id, name, description, state, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (name) WHERE state = 'active' DO NOTHING`,
		strings.TrimSpace(experiment.ID),
		strings.TrimSpace(experiment.Name),
		nullIfEmpty(experiment.Description),
		string(domain.ExperimentActive),
		normalizeTime(experiment.CreatedAt),
	)
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("upsert experiment: %w", err)
	}
	return s.GetExperimentByName(ctx, experiment.Name)
}

func (s *ExperimentStore) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("experiment store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Experiment{}, fmt.Errorf("experiment id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT experiment_id, name, description, state, created_at
		 FROM experiments WHERE experiment_id = $1`,
		id,
	)
	return scanExperiment(row)
}

func (s *ExperimentStore) GetExperimentByName(ctx context.Context, name string) (domain.Experiment, error) {
	if s == nil || s.db == nil {
		return domain.Experiment{}, fmt.Errorf("experiment store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Experiment{}, fmt.Errorf("experiment name is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT experiment_id, name, description, state, created_at
		 FROM experiments WHERE name = $1 AND state = 'active'`,
		name,
	)
	return scanExperiment(row)
}

func (s *ExperimentStore) ListExperiments(ctx context.Context, filter repo.ExperimentFilter) ([]domain.Experiment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("experiment store not initialized")
	}
	query, args := buildExperimentListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	experiments := make([]domain.Experiment, 0)
	for rows.Next() {
		var experiment domain.Experiment
		var description sql.NullString
		var state string
		if err := rows.Scan(&experiment.ID, &experiment.Name, &description, &state, &experiment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		experiment.Description = description.String
		experiment.State = domain.NormalizeExperimentState(state)
		experiments = append(experiments, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	return experiments, nil
}

func (s *ExperimentStore) UpdateExperimentState(ctx context.Context, id string, state domain.ExperimentState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("experiment store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("experiment id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE experiments SET state = $1 WHERE experiment_id = $2`,
		string(state),
		id,
	)
	if err != nil {
		return fmt.Errorf("update experiment state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update experiment state: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func buildExperimentListQuery(filter repo.ExperimentFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}

	query := `SELECT experiment_id, name, description, state, created_at FROM experiments`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func scanExperiment(row *sql.Row) (domain.Experiment, error) {
	var experiment domain.Experiment
	var description sql.NullString
	var state string
	if err := row.Scan(&experiment.ID, &experiment.Name, &description, &state, &experiment.CreatedAt); err != nil {
		return domain.Experiment{}, handleNotFound(err)
	}
	experiment.Description = description.String
	experiment.State = domain.NormalizeExperimentState(state)
	return experiment, nil
}
