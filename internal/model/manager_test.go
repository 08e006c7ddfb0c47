package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
	"github.com/runledger-labs/runledger-go/internal/storage/objectstore"
)

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (s *memObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = data
	return nil
}

func (s *memObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	info := objectstore.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *memObjectStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memObjectStore) List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []objectstore.ObjectInfo
	for name, data := range s.objects {
		key := strings.TrimPrefix(name, bucket+"/")
		if strings.HasPrefix(key, prefix) {
			out = append(out, objectstore.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (s *memObjectStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+key)
	return nil
}

type memRefRepo struct {
	mu   sync.Mutex
	refs []domain.ArtifactRef
}

func (r *memRefRepo) CreateArtifactRef(ctx context.Context, ref domain.ArtifactRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.refs {
		if existing.RunID == ref.RunID && existing.Path == ref.Path {
			r.refs[i] = ref
			return nil
		}
	}
	r.refs = append(r.refs, ref)
	return nil
}

func (r *memRefRepo) ListArtifactRefs(ctx context.Context, runID string) ([]domain.ArtifactRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ArtifactRef
	for _, ref := range r.refs {
		if ref.RunID == runID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (r *memRefRepo) DeleteArtifactRefs(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.refs[:0]
	for _, ref := range r.refs {
		if ref.RunID != runID {
			kept = append(kept, ref)
		}
	}
	r.refs = kept
	return nil
}

var _ repo.ArtifactRefRepository = (*memRefRepo)(nil)

func newTestManager(t *testing.T) (*Manager, *memRefRepo) {
	t.Helper()
	refs := &memRefRepo{}
	store, err := artifacts.NewStore(newMemObjectStore(), refs, "runledger-artifacts")
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	mgr, err := NewManager(store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, refs
}

type regressor struct {
	Weights   []float64
	Intercept float64
}

func TestSaveLoadGob(t *testing.T) {
	mgr, refs := newTestManager(t)
	ctx := context.Background()

	saved := regressor{Weights: []float64{0.5, -1.25}, Intercept: 3.0}
	uri, err := mgr.SaveModel(ctx, "run-1", "regressor", GobFlavor{}, saved)
	if err != nil {
		t.Fatalf("save model: %v", err)
	}
	if uri != "runs://run-1/regressor/model.yaml" {
		t.Fatalf("unexpected descriptor uri %q", uri)
	}

	var loaded regressor
	if err := mgr.LoadModel(ctx, uri, &loaded); err != nil {
		t.Fatalf("load model: %v", err)
	}
	if loaded.Intercept != saved.Intercept || len(loaded.Weights) != 2 || loaded.Weights[1] != -1.25 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	listed, err := refs.ListArtifactRefs(ctx, "run-1")
	if err != nil {
		t.Fatalf("list refs: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected data and descriptor refs, got %d", len(listed))
	}
}

func TestSaveLoadJSON(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	uri, err := mgr.SaveModel(ctx, "run-1", "weights", JSONFlavor{}, regressor{Weights: []float64{1}})
	if err != nil {
		t.Fatalf("save model: %v", err)
	}
	var loaded regressor
	if err := mgr.LoadModel(ctx, uri, &loaded); err != nil {
		t.Fatalf("load model: %v", err)
	}
	if len(loaded.Weights) != 1 || loaded.Weights[0] != 1 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestLoadUnknownFlavor(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	mgr.RegisterFlavor(GobFlavor{})
	uri, err := mgr.SaveModel(ctx, "run-1", "m", GobFlavor{}, regressor{})
	if err != nil {
		t.Fatalf("save model: %v", err)
	}
	mgr.flavors = map[string]Flavor{}
	if err := mgr.LoadModel(ctx, uri, &regressor{}); err == nil || !strings.Contains(err.Error(), "unknown model flavor") {
		t.Fatalf("expected unknown flavor error, got %v", err)
	}
}
