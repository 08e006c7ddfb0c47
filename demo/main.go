// demo drives a trackerd instance end to end: it creates an
// experiment, opens a run, logs params, a metric series, tags and an
// artifact, then finishes the run and reads everything back.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type apiClient struct {
	baseURL   string
	requestID string
	http      *http.Client
}

func newAPIClient(baseURL, requestID string) *apiClient {
	return &apiClient{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		requestID: strings.TrimSpace(requestID),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) ([]byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) sendJSON(method, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) upload(path string, body []byte, contentType string) error {
	req, err := http.NewRequest(http.MethodPut, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	_, err = c.do(req)
	return err
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	defaultSuffix := fmt.Sprintf("%d", time.Now().Unix())
	var (
		baseURL    = flag.String("tracker", envOr("RUNLEDGER_TRACKER_URL", "http://localhost:8086"), "Tracker base URL")
		requestID  = flag.String("request-id", envOr("RUNLEDGER_DEMO_REQUEST_ID", "demo-"+defaultSuffix), "X-Request-Id for correlation")
		nameSuffix = flag.String("name-suffix", envOr("RUNLEDGER_DEMO_SUFFIX", defaultSuffix), "Suffix to avoid name collisions")
	)
	flag.Parse()

	client := newAPIClient(*baseURL, *requestID)
	if err := run(client, *nameSuffix); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("demo completed")
}

func run(client *apiClient, suffix string) error {
	var experiment struct {
		ExperimentID string `json:"experiment_id"`
		Name         string `json:"name"`
	}
	err := client.sendJSON(http.MethodPost, "/experiments", map[string]any{
		"name":        "demo-" + suffix,
		"description": "tracker demo walkthrough",
	}, &experiment)
	if err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	fmt.Printf("experiment %s (%s)\n", experiment.Name, experiment.ExperimentID)

	var run struct {
		RunID string `json:"run_id"`
	}
	err = client.sendJSON(http.MethodPost, "/experiments/"+experiment.ExperimentID+"/runs", map[string]any{
		"name": "baseline",
	}, &run)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	fmt.Printf("run %s\n", run.RunID)

	err = client.sendJSON(http.MethodPost, "/runs/"+run.RunID+"/params", map[string]any{
		"params": map[string]string{"lr": "0.1", "epochs": "3"},
	}, nil)
	if err != nil {
		return fmt.Errorf("log params: %w", err)
	}

	for epoch := 0; epoch < 3; epoch++ {
		err = client.sendJSON(http.MethodPost, "/runs/"+run.RunID+"/metrics", map[string]any{
			"metrics": []map[string]any{
				{"key": "loss", "value": 1.0 / float64(epoch+1)},
				{"key": "acc", "value": 0.7 + 0.1*float64(epoch)},
			},
		}, nil)
		if err != nil {
			return fmt.Errorf("log metrics at epoch %d: %w", epoch, err)
		}
	}

	err = client.sendJSON(http.MethodPost, "/runs/"+run.RunID+"/tags", map[string]any{
		"tags": map[string]string{"stage": "demo"},
	}, nil)
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}

	report := fmt.Sprintf("run %s trained for 3 epochs\n", run.RunID)
	if err := client.upload("/runs/"+run.RunID+"/artifacts/reports/summary.txt", []byte(report), "text/plain"); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	var ended struct {
		Status  string     `json:"status"`
		EndedAt *time.Time `json:"ended_at"`
	}
	if err := client.sendJSON(http.MethodPost, "/runs/"+run.RunID+"/end", nil, &ended); err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	fmt.Printf("run status %s\n", ended.Status)

	var history struct {
		History []struct {
			Value float64 `json:"value"`
			Step  int64   `json:"step"`
		} `json:"history"`
	}
	if err := client.getJSON("/runs/"+run.RunID+"/metrics/loss", &history); err != nil {
		return fmt.Errorf("metric history: %w", err)
	}
	for _, sample := range history.History {
		fmt.Printf("loss step=%d value=%.4f\n", sample.Step, sample.Value)
	}

	var artifactList struct {
		Artifacts []struct {
			Path string `json:"path"`
			URI  string `json:"uri"`
		} `json:"artifacts"`
	}
	if err := client.getJSON("/runs/"+run.RunID+"/artifacts", &artifactList); err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	for _, artifact := range artifactList.Artifacts {
		fmt.Printf("artifact %s -> %s\n", artifact.Path, artifact.URI)
	}
	return nil
}
