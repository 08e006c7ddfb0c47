package domain

import (
	"errors"
	"strings"
	"time"
)

// Param is a single configuration value logged against a run. Keys are
// unique per run and immutable once set.
type Param struct {
	RunID string
	Key   string
	Value string
}

func (p Param) Validate() error {
	if strings.TrimSpace(p.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(p.Key) == "" {
		return errors.New("param key is required")
	}
	return nil
}

// MetricSample is one point of a metric time series. Re-logging the
// same key appends a sample; the series is ordered by step.
type MetricSample struct {
	RunID     string
	Key       string
	Value     float64
	Step      int64
	Timestamp time.Time
}

func (m MetricSample) Validate() error {
	if strings.TrimSpace(m.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(m.Key) == "" {
		return errors.New("metric key is required")
	}
	if m.Step < 0 {
		return errors.New("metric step must be >= 0")
	}
	return nil
}

// Tag is a mutable key/value annotation on a run; re-setting a key
// overwrites its value.
type Tag struct {
	RunID string
	Key   string
	Value string
}

func (t Tag) Validate() error {
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(t.Key) == "" {
		return errors.New("tag key is required")
	}
	return nil
}
