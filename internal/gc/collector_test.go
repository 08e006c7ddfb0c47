package gc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
	"github.com/runledger-labs/runledger-go/internal/repo/filestore"
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
	s.objects[key] = data
	return nil
}

func (s *memObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *memObjectStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return objectstore.ObjectInfo{Key: key}, nil
}

func (s *memObjectStore) List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []objectstore.ObjectInfo
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, objectstore.ObjectInfo{Key: key})
		}
	}
	return out, nil
}

func (s *memObjectStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memObjectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func seedDeletedRun(t *testing.T, store *filestore.Store) domain.Run {
	t.Helper()
	ctx := context.Background()
	experiment := domain.Experiment{ID: "exp-1", Name: "wine-quality", State: domain.ExperimentActive}
	if _, err := store.GetOrCreateExperiment(ctx, experiment); err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	run := domain.Run{ID: "run-1", ExperimentID: "exp-1", Status: domain.RunDeleted}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestCollectPurgesDeletedRuns(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("new filestore: %v", err)
	}
	run := seedDeletedRun(t, store)

	objects := newMemObjectStore()
	artifactStore, err := artifacts.NewStore(objects, store, "runledger-artifacts")
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	if _, err := artifactStore.LogBytes(ctx, run.ID, "outputs/model.bin", []byte("weights"), ""); err != nil {
		t.Fatalf("log bytes: %v", err)
	}
	if objects.count() != 1 {
		t.Fatalf("expected one stored object, got %d", objects.count())
	}

	collector, err := NewCollector(store, artifactStore, nil)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	res, err := collector.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Purged != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if objects.count() != 0 {
		t.Fatalf("expected objects removed, %d left", objects.count())
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected run gone, got %v", err)
	}
	refs, err := store.ListArtifactRefs(ctx, run.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("list refs: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("expected refs removed, got %d", len(refs))
	}
}

func TestCollectSecondPassIsNoop(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("new filestore: %v", err)
	}
	seedDeletedRun(t, store)

	collector, err := NewCollector(store, nil, nil)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	if res, err := collector.Collect(ctx); err != nil || res.Purged != 1 {
		t.Fatalf("first pass: res=%+v err=%v", res, err)
	}
	if res, err := collector.Collect(ctx); err != nil || res.Purged != 0 || res.Failed != 0 {
		t.Fatalf("second pass should purge nothing: res=%+v err=%v", res, err)
	}
}

func TestCollectIgnoresLiveRuns(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("new filestore: %v", err)
	}
	if _, err := store.GetOrCreateExperiment(ctx, domain.Experiment{ID: "exp-1", Name: "wine-quality", State: domain.ExperimentActive}); err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	if err := store.CreateRun(ctx, domain.Run{ID: "run-live", ExperimentID: "exp-1", Status: domain.RunRunning}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	collector, err := NewCollector(store, nil, nil)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	res, err := collector.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Purged != 0 {
		t.Fatalf("live run must survive collection, res=%+v", res)
	}
	if _, err := store.GetRun(ctx, "run-live"); err != nil {
		t.Fatalf("get live run: %v", err)
	}
}
