package triage

import (
	"testing"

	"github.com/patelmm79/dev-nexus/internal/depgraph"
)

func TestEstimateNoConsumers(t *testing.T) {
	est := EstimateImpact("acme/lib", nil, map[string]any{})
	if est.ImpactSeverity != "none" {
		t.Fatalf("severity = %q, want none", est.ImpactSeverity)
	}
	if est.EstimatedIssues != 0 || len(est.AffectedRepos) != 0 {
		t.Fatalf("unexpected estimate %+v", est)
	}
	if len(est.Recommendations) == 0 {
		t.Fatal("expected a recommendation even with no consumers")
	}
}

func TestEstimateBreakingChange(t *testing.T) {
	consumers := []depgraph.Edge{
		{Repository: "acme/web", Strength: 0.9},
		{Repository: "acme/batch", Strength: 0.2},
	}
	est := EstimateImpact("acme/api", consumers, map[string]any{"change_type": "breaking_change"})
	if est.ImpactSeverity != "high" {
		t.Fatalf("severity = %q, want high", est.ImpactSeverity)
	}
	if est.EstimatedIssues != 2 {
		t.Fatalf("estimated issues = %d, want every consumer", est.EstimatedIssues)
	}
	if est.AffectedRepos[0] != "acme/web" || est.AffectedRepos[1] != "acme/batch" {
		t.Fatalf("affected repos lost order: %v", est.AffectedRepos)
	}
}

func TestEstimateStrengthThreshold(t *testing.T) {
	consumers := []depgraph.Edge{
		{Repository: "acme/web", Strength: 0.9},
		{Repository: "acme/batch", Strength: 0.2},
	}
	est := EstimateImpact("acme/api", consumers, map[string]any{})
	if est.EstimatedIssues != 1 {
		t.Fatalf("estimated issues = %d, want 1 strong edge", est.EstimatedIssues)
	}
	if est.ImpactSeverity != "low" {
		t.Fatalf("severity = %q, want low", est.ImpactSeverity)
	}
}

func TestEstimateManyConsumersRaisesSeverity(t *testing.T) {
	consumers := []depgraph.Edge{
		{Repository: "a/a", Strength: 0.1},
		{Repository: "a/b", Strength: 0.1},
		{Repository: "a/c", Strength: 0.1},
		{Repository: "a/d", Strength: 0.1},
	}
	est := EstimateImpact("acme/api", consumers, map[string]any{})
	if est.ImpactSeverity != "medium" {
		t.Fatalf("severity = %q, want medium for wide fan-out", est.ImpactSeverity)
	}
}
