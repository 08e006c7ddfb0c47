package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			experiment_id,
			name,
			description,
			parent_run_id,
			status,
			started_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ExperimentID),
		nullIfEmpty(run.Name),
		nullIfEmpty(run.Description),
		nullIfEmpty(run.ParentRunID),
		string(run.Status),
		normalizeTime(run.StartedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT run_id, experiment_id, name, description, parent_run_id, status, started_at, ended_at
		 FROM runs WHERE run_id = $1`,
		id,
	)
	var run domain.Run
	var name sql.NullString
	var description sql.NullString
	var parentRunID sql.NullString
	var status string
	var endedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.ExperimentID, &name, &description, &parentRunID, &status, &run.StartedAt, &endedAt); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.Name = name.String
	run.Description = description.String
	run.ParentRunID = parentRunID.String
	run.Status = domain.NormalizeRunStatus(status)
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		run.EndedAt = &ended
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		var run domain.Run
		var name sql.NullString
		var description sql.NullString
		var parentRunID sql.NullString
		var status string
		var endedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.ExperimentID, &name, &description, &parentRunID, &status, &run.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Name = name.String
		run.Description = description.String
		run.ParentRunID = parentRunID.String
		run.Status = domain.NormalizeRunStatus(status)
		if endedAt.Valid {
			ended := endedAt.Time.UTC()
			run.EndedAt = &ended
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if status == "" {
		return fmt.Errorf("status is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET status = $1, ended_at = $2 WHERE run_id = $3`,
		string(status),
		nullTime(endedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// DeleteRun permanently removes the run row and its entries. The
// garbage collector is the only caller; repeated calls after a purge
// report ErrNotFound.
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	for _, table := range []string{"run_params", "run_metrics", "run_tags", "run_artifacts"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, table), id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.ExperimentID) != "" {
		args = append(args, strings.TrimSpace(filter.ExperimentID))
		clauses = append(clauses, fmt.Sprintf("experiment_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.ParentRunID) != "" {
		args = append(args, strings.TrimSpace(filter.ParentRunID))
		clauses = append(clauses, fmt.Sprintf("parent_run_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT run_id, experiment_id, name, description, parent_run_id, status, started_at, ended_at FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}
