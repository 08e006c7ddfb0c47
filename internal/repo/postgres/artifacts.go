package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/runledger-labs/runledger-go/internal/domain"
)

// ArtifactRefStore records logical artifact paths for runs. Blob bytes
// live in the object store; this table is only the index.
type ArtifactRefStore struct {
	db DB
}

func NewArtifactRefStore(db DB) *ArtifactRefStore {
	if db == nil {
		return nil
	}
	return &ArtifactRefStore{db: db}
}

func (s *ArtifactRefStore) CreateArtifactRef(ctx context.Context, ref domain.ArtifactRef) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact ref store not initialized")
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_artifacts (artifact_id, run_id, path, uri, sha256, size_bytes, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (run_id, path) DO UPDATE
		 SET artifact_id = EXCLUDED.artifact_id,
		     uri = EXCLUDED.uri,
		     sha256 = EXCLUDED.sha256,
		     size_bytes = EXCLUDED.size_bytes,
		     created_at = EXCLUDED.created_at`,
		strings.TrimSpace(ref.ID),
		strings.TrimSpace(ref.RunID),
		strings.TrimSpace(ref.Path),
		strings.TrimSpace(ref.URI),
		nullIfEmpty(ref.SHA256),
		ref.SizeBytes,
		normalizeTime(ref.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert artifact ref: %w", err)
	}
	return nil
}

func (s *ArtifactRefStore) ListArtifactRefs(ctx context.Context, runID string) ([]domain.ArtifactRef, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact ref store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT artifact_id, run_id, path, uri, COALESCE(sha256, ''), size_bytes, created_at
		 FROM run_artifacts WHERE run_id = $1 ORDER BY path`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifact refs: %w", err)
	}
	defer rows.Close()

	refs := make([]domain.ArtifactRef, 0)
	for rows.Next() {
		var ref domain.ArtifactRef
		if err := rows.Scan(&ref.ID, &ref.RunID, &ref.Path, &ref.URI, &ref.SHA256, &ref.SizeBytes, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifact refs: %w", err)
	}
	return refs, nil
}

func (s *ArtifactRefStore) DeleteArtifactRefs(ctx context.Context, runID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact ref store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_artifacts WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("delete artifact refs: %w", err)
	}
	return nil
}
