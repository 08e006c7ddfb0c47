package domain

import (
	"errors"
	"strings"
	"time"
)

// ExperimentState is the lifecycle state of an experiment.
type ExperimentState string

const (
	ExperimentActive  ExperimentState = "active"
	ExperimentDeleted ExperimentState = "deleted"
)

// Experiment is a named container for runs. Names are unique among
// active experiments; a deleted experiment frees its name.
type Experiment struct {
	ID          string
	Name        string
	Description string
	State       ExperimentState
	CreatedAt   time.Time
}

func (e Experiment) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("experiment id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("experiment name is required")
	}
	switch e.State {
	case ExperimentActive, ExperimentDeleted:
	default:
		return errors.New("experiment state is invalid")
	}
	return nil
}

func NormalizeExperimentState(raw string) ExperimentState {
	switch ExperimentState(strings.TrimSpace(strings.ToLower(raw))) {
	case ExperimentActive:
		return ExperimentActive
	case ExperimentDeleted:
		return ExperimentDeleted
	default:
		return ""
	}
}
