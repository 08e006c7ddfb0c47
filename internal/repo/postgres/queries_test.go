package postgres

import (
	"strings"
	"testing"

	"github.com/runledger-labs/runledger-go/internal/domain"
	"github.com/runledger-labs/runledger-go/internal/repo"
)

func TestBuildRunListQueryNoFilter(t *testing.T) {
	query, args := buildRunListQuery(repo.RunFilter{})
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
	if strings.Contains(query, "WHERE") {
		t.Fatalf("expected no WHERE clause, got %s", query)
	}
	if !strings.Contains(query, "ORDER BY started_at DESC") {
		t.Fatalf("expected ordering, got %s", query)
	}
}

func TestBuildRunListQueryWithExperimentAndStatus(t *testing.T) {
	query, args := buildRunListQuery(repo.RunFilter{ExperimentID: "exp-1", Status: domain.RunDeleted, Limit: 50})
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if args[0] != "exp-1" {
		t.Fatalf("expected experiment id as first arg, got %v", args)
	}
	if !strings.Contains(query, "experiment_id = $1") {
		t.Fatalf("expected experiment predicate, got %s", query)
	}
	if !strings.Contains(query, "status = $2") {
		t.Fatalf("expected status predicate, got %s", query)
	}
	if !strings.Contains(query, "LIMIT $3") {
		t.Fatalf("expected limit, got %s", query)
	}
}

func TestBuildRunListQueryWithParent(t *testing.T) {
	query, args := buildRunListQuery(repo.RunFilter{ParentRunID: "run-parent"})
	if len(args) != 1 || args[0] != "run-parent" {
		t.Fatalf("expected parent arg, got %v", args)
	}
	if !strings.Contains(query, "parent_run_id = $1") {
		t.Fatalf("expected parent predicate, got %s", query)
	}
}

func TestBuildExperimentListQueryStateFilter(t *testing.T) {
	query, args := buildExperimentListQuery(repo.ExperimentFilter{State: domain.ExperimentActive})
	if len(args) != 1 || args[0] != "active" {
		t.Fatalf("expected state arg, got %v", args)
	}
	if !strings.Contains(query, "state = $1") {
		t.Fatalf("expected state predicate, got %s", query)
	}
}
