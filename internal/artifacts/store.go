package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
	store "github.com/runledger-labs/runledger-go/internal/storage/objectstore"
	"golang.org/x/sync/errgroup"
)

// URIScheme prefixes every artifact URI handed back by the store.
// Layout: runs://<run_id>/<path within the run's artifact namespace>.
const URIScheme = "runs"

// uploadConcurrency bounds parallel object puts for directory uploads.
const uploadConcurrency = 4

// Store copies local files into a run's artifact namespace in object
// storage and records an ArtifactRef per object. Blob bytes never pass
// through the metadata backend.
type Store struct {
	bucket string
	store  store.Store
	refs   repo.ArtifactRefRepository
	now    func() time.Time
	newID  func() string
}

func NewStore(objectStore store.Store, refs repo.ArtifactRefRepository, bucket string) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	if refs == nil {
		return nil, errors.New("artifact ref repository is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		bucket: bucket,
		store:  objectStore,
		refs:   refs,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// LogFile uploads one local file under the optional subPath. A missing
// or unreadable local path surfaces the underlying os error.
func (s *Store) LogFile(ctx context.Context, runID, localPath, subPath string) (domain.ArtifactRef, error) {
	if s == nil || s.store == nil {
		return domain.ArtifactRef{}, errors.New("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ArtifactRef{}, errors.New("run id is required")
	}
	if err := checkSubPath(subPath); err != nil {
		return domain.ArtifactRef{}, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("stat artifact source: %w", err)
	}
	if info.IsDir() {
		return domain.ArtifactRef{}, fmt.Errorf("artifact source %q is a directory", localPath)
	}
	artifactPath := path.Join(subPath, filepath.Base(localPath))
	return s.uploadFile(ctx, runID, localPath, artifactPath, info.Size())
}

// LogDir uploads a local directory tree under the optional subPath,
// preserving relative structure. Files upload in parallel, bounded by
// uploadConcurrency; the first failure cancels the rest.
func (s *Store) LogDir(ctx context.Context, runID, localDir, subPath string) ([]domain.ArtifactRef, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if err := checkSubPath(subPath); err != nil {
		return nil, err
	}
	info, err := os.Stat(localDir)
	if err != nil {
		return nil, fmt.Errorf("stat artifact source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact source %q is not a directory", localDir)
	}

	type upload struct {
		localPath    string
		artifactPath string
		size         int64
	}
	uploads := make([]upload, 0)
	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		fileInfo, err := d.Info()
		if err != nil {
			return err
		}
		uploads = append(uploads, upload{
			localPath:    p,
			artifactPath: path.Join(subPath, filepath.ToSlash(rel)),
			size:         fileInfo.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifact source: %w", err)
	}

	refs := make([]domain.ArtifactRef, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, u := range uploads {
		g.Go(func() error {
			ref, err := s.uploadFile(gctx, runID, u.localPath, u.artifactPath, u.size)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// LogBytes stores in-memory content as an artifact at artifactPath.
func (s *Store) LogBytes(ctx context.Context, runID, artifactPath string, body []byte, contentType string) (domain.ArtifactRef, error) {
	if s == nil || s.store == nil {
		return domain.ArtifactRef{}, errors.New("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ArtifactRef{}, errors.New("run id is required")
	}
	artifactPath = strings.Trim(path.Clean("/"+artifactPath), "/")
	if artifactPath == "" || artifactPath == "." {
		return domain.ArtifactRef{}, errors.New("artifact path is required")
	}
	sha := sha256.Sum256(body)
	objectKey := objectKeyFor(runID, artifactPath)
	if err := s.store.Put(ctx, s.bucket, objectKey, strings.NewReader(string(body)), int64(len(body)), contentType); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("put artifact: %w", err)
	}
	return s.record(ctx, runID, artifactPath, hex.EncodeToString(sha[:]), int64(len(body)))
}

// Open resolves an artifact URI and streams the stored bytes.
func (s *Store) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("artifact store not initialized")
	}
	runID, artifactPath, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	reader, _, err := s.store.Get(ctx, s.bucket, objectKeyFor(runID, artifactPath))
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return reader, nil
}

func (s *Store) ListRefs(ctx context.Context, runID string) ([]domain.ArtifactRef, error) {
	if s == nil || s.refs == nil {
		return nil, errors.New("artifact store not initialized")
	}
	return s.refs.ListArtifactRefs(ctx, runID)
}

// PurgeRun removes every object under the run's artifact namespace and
// drops the refs. Safe to call for runs that never logged artifacts.
func (s *Store) PurgeRun(ctx context.Context, runID string) error {
	if s == nil || s.store == nil {
		return errors.New("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is required")
	}
	objects, err := s.store.List(ctx, s.bucket, "runs/"+runID+"/")
	if err != nil {
		return fmt.Errorf("list run objects: %w", err)
	}
	for _, obj := range objects {
		if err := s.store.Delete(ctx, s.bucket, obj.Key); err != nil {
			return fmt.Errorf("delete object %s: %w", obj.Key, err)
		}
	}
	return s.refs.DeleteArtifactRefs(ctx, runID)
}

// URIFor returns the canonical artifact URI for a path within a run.
func URIFor(runID, artifactPath string) string {
	return fmt.Sprintf("%s://%s/%s", URIScheme, runID, strings.TrimLeft(artifactPath, "/"))
}

// ParseURI splits a runs:// URI into run id and artifact path.
func ParseURI(uri string) (runID, artifactPath string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse artifact uri: %w", err)
	}
	if parsed.Scheme != URIScheme {
		return "", "", fmt.Errorf("unsupported artifact uri scheme %q", parsed.Scheme)
	}
	runID = parsed.Host
	artifactPath = strings.TrimLeft(parsed.Path, "/")
	if runID == "" || artifactPath == "" {
		return "", "", fmt.Errorf("malformed artifact uri %q", uri)
	}
	return runID, artifactPath, nil
}

func (s *Store) uploadFile(ctx context.Context, runID, localPath, artifactPath string, size int64) (domain.ArtifactRef, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("open artifact source: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	body := io.TeeReader(f, h)
	objectKey := objectKeyFor(runID, artifactPath)
	if err := s.store.Put(ctx, s.bucket, objectKey, body, size, "application/octet-stream"); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("put artifact: %w", err)
	}
	return s.record(ctx, runID, artifactPath, hex.EncodeToString(h.Sum(nil)), size)
}

func (s *Store) record(ctx context.Context, runID, artifactPath, sum string, size int64) (domain.ArtifactRef, error) {
	ref := domain.ArtifactRef{
		ID:        s.newID(),
		RunID:     runID,
		Path:      artifactPath,
		URI:       URIFor(runID, artifactPath),
		SHA256:    sum,
		SizeBytes: size,
		CreatedAt: s.now().UTC(),
	}
	if err := s.refs.CreateArtifactRef(ctx, ref); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("record artifact ref: %w", err)
	}
	return ref, nil
}

func objectKeyFor(runID, artifactPath string) string {
	return fmt.Sprintf("runs/%s/%s", runID, strings.TrimLeft(artifactPath, "/"))
}

func checkSubPath(subPath string) error {
	if subPath == "" {
		return nil
	}
	clean := path.Clean(subPath)
	if strings.HasPrefix(clean, "..") || path.IsAbs(clean) {
		return fmt.Errorf("invalid artifact sub path %q", subPath)
	}
	return nil
}
