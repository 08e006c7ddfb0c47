package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/registry"
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

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("new filestore: %v", err)
	}
	artifactStore, err := artifacts.NewStore(newMemObjectStore(), store, "runledger-artifacts")
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	repos := registry.Repositories{
		Experiments: store,
		Runs:        store,
		Params:      store,
		Metrics:     store,
		Tags:        store,
	}
	reg, err := registry.New(repos, artifactStore, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	mux := http.NewServeMux()
	newTrackerAPI(slog.New(slog.DiscardHandler), reg, repos, artifactStore).register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &body)
	return body.Error
}

func createExperiment(t *testing.T, mux *http.ServeMux, name string) string {
	t.Helper()
	rec := doJSON(t, mux, http.MethodPost, "/experiments", map[string]any{"name": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create experiment: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp experimentResponse
	decodeBody(t, rec, &resp)
	return resp.ExperimentID
}

func createRun(t *testing.T, mux *http.ServeMux, experimentID string) string {
	t.Helper()
	rec := doJSON(t, mux, http.MethodPost, "/experiments/"+experimentID+"/runs", map[string]any{"name": "trial"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create run: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp runResponse
	decodeBody(t, rec, &resp)
	return resp.RunID
}

func TestCreateExperimentConflict(t *testing.T) {
	mux := newTestMux(t)
	createExperiment(t, mux, "wine-quality")

	rec := doJSON(t, mux, http.MethodPost, "/experiments", map[string]any{"name": "wine-quality"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "duplicate_name" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestGetOrCreateExperiment(t *testing.T) {
	mux := newTestMux(t)
	id := createExperiment(t, mux, "wine-quality")

	rec := doJSON(t, mux, http.MethodPost, "/experiments", map[string]any{"name": "wine-quality", "get_or_create": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	var resp experimentResponse
	decodeBody(t, rec, &resp)
	if resp.ExperimentID != id {
		t.Fatalf("expected existing experiment %s, got %s", id, resp.ExperimentID)
	}
}

func TestRunLifecycle(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")
	runID := createRun(t, mux, experimentID)

	rec := doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/params", map[string]any{
		"params": map[string]string{"lr": "0.1", "epochs": "10"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("log params: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/metrics", map[string]any{
		"metrics": []map[string]any{
			{"key": "acc", "value": 0.9},
			{"key": "acc", "value": 0.95},
		},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("log metrics: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, http.MethodGet, "/runs/"+runID+"/metrics/acc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metric history: status %d", rec.Code)
	}
	var history struct {
		History []metricSampleResponse `json:"history"`
	}
	decodeBody(t, rec, &history)
	if len(history.History) != 2 || history.History[0].Step != 0 || history.History[1].Step != 1 {
		t.Fatalf("unexpected history: %+v", history.History)
	}

	rec = doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/end", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("end run: status %d", rec.Code)
	}
	var ended runResponse
	decodeBody(t, rec, &ended)
	if ended.Status != "finished" || ended.EndedAt == nil {
		t.Fatalf("unexpected ended run: %+v", ended)
	}

	rec = doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/params", map[string]any{
		"params": map[string]string{"late": "1"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 logging to finished run, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "run_closed" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestParamImmutability(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")
	runID := createRun(t, mux, experimentID)

	body := map[string]any{"params": map[string]string{"lr": "0.1"}}
	if rec := doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/params", body); rec.Code != http.StatusNoContent {
		t.Fatalf("log params: status %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/params", body); rec.Code != http.StatusNoContent {
		t.Fatalf("identical re-log: status %d", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/params", map[string]any{
		"params": map[string]string{"lr": "0.2"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "param_immutable" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestCreateRunInvalidParent(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")

	rec := doJSON(t, mux, http.MethodPost, "/experiments/"+experimentID+"/runs", map[string]any{
		"parent_run_id": "missing",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown parent, got %d", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/runs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "not_found" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestTags(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")
	runID := createRun(t, mux, experimentID)

	if rec := doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/tags", map[string]any{
		"tags": map[string]string{"stage": "dev"},
	}); rec.Code != http.StatusNoContent {
		t.Fatalf("set tags: status %d", rec.Code)
	}
	if rec := doJSON(t, mux, http.MethodPost, "/runs/"+runID+"/tags", map[string]any{
		"tags": map[string]string{"stage": "prod"},
	}); rec.Code != http.StatusNoContent {
		t.Fatalf("overwrite tag: status %d", rec.Code)
	}

	rec := doJSON(t, mux, http.MethodGet, "/runs/"+runID+"/tags", nil)
	var resp struct {
		Tags map[string]string `json:"tags"`
	}
	decodeBody(t, rec, &resp)
	if resp.Tags["stage"] != "prod" {
		t.Fatalf("unexpected tags: %v", resp.Tags)
	}
}

func TestArtifactUploadListDownload(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")
	runID := createRun(t, mux, experimentID)

	req := httptest.NewRequest(http.MethodPut, "/runs/"+runID+"/artifacts/outputs/model.txt", strings.NewReader("weights"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status %d body %s", rec.Code, rec.Body.String())
	}
	var uploaded artifactResponse
	decodeBody(t, rec, &uploaded)
	if uploaded.URI != "runs://"+runID+"/outputs/model.txt" {
		t.Fatalf("unexpected uri %q", uploaded.URI)
	}
	if uploaded.SHA256 == "" || uploaded.SizeBytes != int64(len("weights")) {
		t.Fatalf("unexpected checksum/size: %+v", uploaded)
	}

	listRec := doJSON(t, mux, http.MethodGet, "/runs/"+runID+"/artifacts", nil)
	var listed struct {
		Artifacts []artifactResponse `json:"artifacts"`
	}
	decodeBody(t, listRec, &listed)
	if len(listed.Artifacts) != 1 || listed.Artifacts[0].Path != "outputs/model.txt" {
		t.Fatalf("unexpected artifact list: %+v", listed.Artifacts)
	}

	downloadRec := doJSON(t, mux, http.MethodGet, "/runs/"+runID+"/artifacts/outputs/model.txt", nil)
	if downloadRec.Code != http.StatusOK {
		t.Fatalf("download: status %d", downloadRec.Code)
	}
	if downloadRec.Body.String() != "weights" {
		t.Fatalf("unexpected download body %q", downloadRec.Body.String())
	}
}

func TestDeleteRun(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")
	runID := createRun(t, mux, experimentID)

	if rec := doJSON(t, mux, http.MethodDelete, "/runs/"+runID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete run: status %d", rec.Code)
	}
	rec := doJSON(t, mux, http.MethodGet, "/runs/"+runID, nil)
	var resp runResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "deleted" {
		t.Fatalf("expected deleted, got %s", resp.Status)
	}
	if rec := doJSON(t, mux, http.MethodDelete, "/runs/"+runID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("second delete should stay 204, got %d", rec.Code)
	}
}

func TestDeleteExperimentFreesName(t *testing.T) {
	mux := newTestMux(t)
	experimentID := createExperiment(t, mux, "wine-quality")

	if rec := doJSON(t, mux, http.MethodDelete, "/experiments/"+experimentID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete experiment: status %d", rec.Code)
	}
	createExperiment(t, mux, "wine-quality")
}
