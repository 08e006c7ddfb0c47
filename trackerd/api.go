package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/runledger-labs/runledger-go/internal/artifacts"
	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/registry"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

type trackerAPI struct {
	logger    *slog.Logger
	registry  *registry.Registry
	repos     registry.Repositories
	artifacts *artifacts.Store
}

func newTrackerAPI(logger *slog.Logger, reg *registry.Registry, repos registry.Repositories, artifactStore *artifacts.Store) *trackerAPI {
	return &trackerAPI{
		logger:    logger,
		registry:  reg,
		repos:     repos,
		artifacts: artifactStore,
	}
}

func (api *trackerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /experiments", api.handleListExperiments)
	mux.HandleFunc("POST /experiments", api.handleCreateExperiment)
	mux.HandleFunc("GET /experiments/{experiment_id}", api.handleGetExperiment)
	mux.HandleFunc("DELETE /experiments/{experiment_id}", api.handleDeleteExperiment)

	mux.HandleFunc("GET /experiments/{experiment_id}/runs", api.handleListRuns)
	mux.HandleFunc("POST /experiments/{experiment_id}/runs", api.handleCreateRun)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/end", api.handleEndRun)
	mux.HandleFunc("DELETE /runs/{run_id}", api.handleDeleteRun)

	mux.HandleFunc("POST /runs/{run_id}/params", api.handleLogParams)
	mux.HandleFunc("GET /runs/{run_id}/params", api.handleListParams)
	mux.HandleFunc("POST /runs/{run_id}/metrics", api.handleLogMetrics)
	mux.HandleFunc("GET /runs/{run_id}/metrics/{key}", api.handleMetricHistory)
	mux.HandleFunc("POST /runs/{run_id}/tags", api.handleSetTags)
	mux.HandleFunc("GET /runs/{run_id}/tags", api.handleListTags)

	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListArtifacts)
	mux.HandleFunc("PUT /runs/{run_id}/artifacts/{path...}", api.handleUploadArtifact)
	mux.HandleFunc("GET /runs/{run_id}/artifacts/{path...}", api.handleDownloadArtifact)
}

type experimentResponse struct {
	ExperimentID string    `json:"experiment_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

func toExperimentResponse(e domain.Experiment) experimentResponse {
	return experimentResponse{
		ExperimentID: e.ID,
		Name:         e.Name,
		Description:  e.Description,
		State:        string(e.State),
		CreatedAt:    e.CreatedAt,
	}
}

type runResponse struct {
	RunID        string     `json:"run_id"`
	ExperimentID string     `json:"experiment_id"`
	Name         string     `json:"name,omitempty"`
	Description  string     `json:"description,omitempty"`
	ParentRunID  string     `json:"parent_run_id,omitempty"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		RunID:        run.ID,
		ExperimentID: run.ExperimentID,
		Name:         run.Name,
		Description:  run.Description,
		ParentRunID:  run.ParentRunID,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		EndedAt:      run.EndedAt,
	}
}

type createExperimentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	GetOrCreate bool   `json:"get_or_create,omitempty"`
}

func (api *trackerAPI) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		api.writeError(w, r, http.StatusBadRequest, "name_required")
		return
	}

	if req.GetOrCreate {
		experiment, err := api.registry.SetCurrentExperiment(r.Context(), req.Name)
		if err != nil {
			api.handleDomainError(w, r, err)
			return
		}
		api.writeJSON(w, http.StatusOK, toExperimentResponse(experiment))
		return
	}

	experiment, err := api.registry.CreateExperiment(r.Context(), req.Name, req.Description)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toExperimentResponse(experiment))
}

func (api *trackerAPI) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	filter := repo.ExperimentFilter{
		Name:  strings.TrimSpace(r.URL.Query().Get("name")),
		Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state := domain.NormalizeExperimentState(raw)
		if state == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}
		filter.State = state
	}

	experiments, err := api.repos.Experiments.ListExperiments(r.Context(), filter)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	out := make([]experimentResponse, 0, len(experiments))
	for _, experiment := range experiments {
		out = append(out, toExperimentResponse(experiment))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"experiments": out})
}

func (api *trackerAPI) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	experimentID := strings.TrimSpace(r.PathValue("experiment_id"))
	if experimentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "experiment_id_required")
		return
	}
	experiment, err := api.repos.Experiments.GetExperiment(r.Context(), experimentID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toExperimentResponse(experiment))
}

func (api *trackerAPI) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	experimentID := strings.TrimSpace(r.PathValue("experiment_id"))
	if experimentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "experiment_id_required")
		return
	}
	if err := api.repos.Experiments.UpdateExperimentState(r.Context(), experimentID, domain.ExperimentDeleted); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRunRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	ParentRunID string `json:"parent_run_id,omitempty"`
}

func (api *trackerAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	experimentID := strings.TrimSpace(r.PathValue("experiment_id"))
	if experimentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "experiment_id_required")
		return
	}
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	run, err := api.registry.CreateRun(r.Context(), experimentID, registry.StartRunOptions{
		Name:        req.Name,
		Description: req.Description,
		ParentRunID: req.ParentRunID,
	})
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (api *trackerAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	experimentID := strings.TrimSpace(r.PathValue("experiment_id"))
	if experimentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "experiment_id_required")
		return
	}
	filter := repo.RunFilter{
		ExperimentID: experimentID,
		ParentRunID:  strings.TrimSpace(r.URL.Query().Get("parent_run_id")),
		Limit:        clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeRunStatus(raw)
		if status == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}

	runs, err := api.repos.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *trackerAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := api.registry.GetRun(r.Context(), runID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *trackerAPI) handleEndRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if err := api.registry.FinishRun(r.Context(), runID); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	run, err := api.registry.GetRun(r.Context(), runID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *trackerAPI) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	if err := api.registry.DeleteRun(r.Context(), runID); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logParamsRequest struct {
	Params map[string]string `json:"params"`
}

func (api *trackerAPI) handleLogParams(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req logParamsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Params) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "params_required")
		return
	}
	if err := api.registry.LogParams(r.Context(), runID, req.Params); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *trackerAPI) handleListParams(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.registry.GetRun(r.Context(), runID); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	params, err := api.registry.Params(r.Context(), runID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"params": params})
}

type metricSampleRequest struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Step  *int64  `json:"step,omitempty"`
}

type logMetricsRequest struct {
	Metrics []metricSampleRequest `json:"metrics"`
}

func (api *trackerAPI) handleLogMetrics(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req logMetricsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Metrics) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "metrics_required")
		return
	}
	for _, sample := range req.Metrics {
		if strings.TrimSpace(sample.Key) == "" {
			api.writeError(w, r, http.StatusBadRequest, "metric_key_required")
			return
		}
		var err error
		if sample.Step != nil {
			err = api.registry.LogMetricAt(r.Context(), runID, sample.Key, sample.Value, *sample.Step)
		} else {
			err = api.registry.LogMetric(r.Context(), runID, sample.Key, sample.Value)
		}
		if err != nil {
			api.handleDomainError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type metricSampleResponse struct {
	Value     float64   `json:"value"`
	Step      int64     `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

func (api *trackerAPI) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	key := strings.TrimSpace(r.PathValue("key"))
	if runID == "" || key == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_and_key_required")
		return
	}
	if _, err := api.registry.GetRun(r.Context(), runID); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	history, err := api.registry.MetricHistory(r.Context(), runID, key)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	out := make([]metricSampleResponse, 0, len(history))
	for _, sample := range history {
		out = append(out, metricSampleResponse{Value: sample.Value, Step: sample.Step, Timestamp: sample.Timestamp})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"key": key, "history": out})
}

type setTagsRequest struct {
	Tags map[string]string `json:"tags"`
}

func (api *trackerAPI) handleSetTags(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req setTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Tags) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "tags_required")
		return
	}
	if err := api.registry.SetTags(r.Context(), runID, req.Tags); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *trackerAPI) handleListTags(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.registry.GetRun(r.Context(), runID); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	tags, err := api.registry.Tags(r.Context(), runID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

type artifactResponse struct {
	ArtifactID string    `json:"artifact_id"`
	Path       string    `json:"path"`
	URI        string    `json:"uri"`
	SHA256     string    `json:"sha256,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

func (api *trackerAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if _, err := api.registry.GetRun(r.Context(), runID); err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	refs, err := api.artifacts.ListRefs(r.Context(), runID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	out := make([]artifactResponse, 0, len(refs))
	for _, ref := range refs {
		out = append(out, artifactResponse{
			ArtifactID: ref.ID,
			Path:       ref.Path,
			URI:        ref.URI,
			SHA256:     ref.SHA256,
			SizeBytes:  ref.SizeBytes,
			CreatedAt:  ref.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

const maxArtifactUpload = 256 << 20

func (api *trackerAPI) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	artifactPath := strings.Trim(strings.TrimSpace(r.PathValue("path")), "/")
	if runID == "" || artifactPath == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_and_path_required")
		return
	}
	run, err := api.registry.GetRun(r.Context(), runID)
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	if run.Status != domain.RunRunning {
		api.writeError(w, r, http.StatusConflict, "run_closed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxArtifactUpload+1))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "read_body_failed")
		return
	}
	if len(body) > maxArtifactUpload {
		api.writeError(w, r, http.StatusRequestEntityTooLarge, "artifact_too_large")
		return
	}

	ref, err := api.artifacts.LogBytes(r.Context(), runID, artifactPath, body, r.Header.Get("Content-Type"))
	if err != nil {
		api.handleDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, artifactResponse{
		ArtifactID: ref.ID,
		Path:       ref.Path,
		URI:        ref.URI,
		SHA256:     ref.SHA256,
		SizeBytes:  ref.SizeBytes,
		CreatedAt:  ref.CreatedAt,
	})
}

func (api *trackerAPI) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	artifactPath := strings.Trim(strings.TrimSpace(r.PathValue("path")), "/")
	if runID == "" || artifactPath == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_and_path_required")
		return
	}
	rc, err := api.artifacts.Open(r.Context(), artifacts.URIFor(runID, artifactPath))
	if err != nil {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		api.logger.Warn("stream artifact", "run_id", runID, "path", artifactPath, "error", err)
	}
}

// handleDomainError maps registry and repo errors onto HTTP statuses.
// Anything unmapped is logged and reported as a 500.
func (api *trackerAPI) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrDuplicateName):
		api.writeError(w, r, http.StatusConflict, "duplicate_name")
	case errors.Is(err, registry.ErrImmutableParam):
		api.writeError(w, r, http.StatusConflict, "param_immutable")
	case errors.Is(err, registry.ErrRunClosed):
		api.writeError(w, r, http.StatusConflict, "run_closed")
	case errors.Is(err, registry.ErrInvalidNesting):
		api.writeError(w, r, http.StatusBadRequest, "invalid_parent_run")
	case errors.Is(err, registry.ErrNoExperiment), errors.Is(err, registry.ErrNoActiveRun):
		api.writeError(w, r, http.StatusBadRequest, "no_active_target")
	default:
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *trackerAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *trackerAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
