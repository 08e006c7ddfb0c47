package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle status of a run. Transitions are forward
// only: running -> finished, and running|finished -> deleted.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunDeleted  RunStatus = "deleted"
)

// Run is one tracked execution. A run belongs to exactly one experiment
// for its lifetime; its parent, when set, is fixed at creation so the
// parent chain is acyclic by construction.
type Run struct {
	ID           string
	ExperimentID string
	Name         string
	Description  string
	ParentRunID  string
	Status       RunStatus
	StartedAt    time.Time
	EndedAt      *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ExperimentID) == "" {
		return errors.New("experiment id is required")
	}
	switch r.Status {
	case RunRunning, RunFinished, RunDeleted:
	default:
		return errors.New("run status is invalid")
	}
	return nil
}

// CanTransitionTo reports whether status may move to next. Deleted is
// terminal; no transition re-enters running.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunRunning:
		return next == RunFinished || next == RunDeleted
	case RunFinished:
		return next == RunDeleted
	default:
		return false
	}
}

func NormalizeRunStatus(raw string) RunStatus {
	switch RunStatus(strings.TrimSpace(strings.ToLower(raw))) {
	case RunRunning:
		return RunRunning
	case RunFinished:
		return RunFinished
	case RunDeleted:
		return RunDeleted
	default:
		return ""
	}
}
