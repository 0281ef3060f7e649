// Package triage defines the analyzer contracts the workflow fans out to,
// plus the synchronous impact estimator used by the query skill and the
// built-in RuleAnalyzer used when no external analyzer is wired.
package triage

import (
	"context"
	"fmt"

	"github.com/patelmm79/dev-nexus/internal/depgraph"
)

// Record is one analyzer verdict for a (provider, consumer) pair.
type Record struct {
	ConsumerRepo       string `json:"consumer_repo"`
	HasBreakingChanges bool   `json:"has_breaking_changes"`
	Severity           string `json:"severity,omitempty"`
	IssueTitle         string `json:"issue_title,omitempty"`
	IssueBody          string `json:"issue_body"`
}

// ConsumerAnalyzer inspects the effect of a provider change on one consumer.
// Implementations must be safe for concurrent use.
type ConsumerAnalyzer interface {
	Analyze(ctx context.Context, provider, consumer string, change, enrichment map[string]any) (Record, error)
}

// TemplateAnalyzer inspects template → derivative propagation.
type TemplateAnalyzer interface {
	Analyze(ctx context.Context, template, derivative string, change, enrichment map[string]any) (Record, error)
}

// Estimate is the synchronous, no-network impact prediction returned by the
// get_impact_analysis skill.
type Estimate struct {
	AffectedRepos   []string `json:"affected_repos"`
	ImpactSeverity  string   `json:"impact_severity"`
	EstimatedIssues int      `json:"estimated_issues"`
	Recommendations []string `json:"recommendations"`
}

// EstimateImpact predicts impact from graph shape and the declared change
// type alone. High-strength edges count as likely issues.
func EstimateImpact(repo string, consumers []depgraph.Edge, change map[string]any) Estimate {
	est := Estimate{AffectedRepos: make([]string, 0, len(consumers))}
	likely := 0
	for _, c := range consumers {
		est.AffectedRepos = append(est.AffectedRepos, c.Repository)
		if c.Strength >= 0.5 {
			likely++
		}
	}
	est.EstimatedIssues = likely

	changeType, _ := change["change_type"].(string)
	switch {
	case changeType == "breaking_change":
		est.ImpactSeverity = "high"
		est.EstimatedIssues = len(consumers)
	case changeType == "dependency_update" && len(consumers) > 0:
		est.ImpactSeverity = "medium"
	case len(consumers) > 3:
		est.ImpactSeverity = "medium"
	case len(consumers) > 0:
		est.ImpactSeverity = "low"
	default:
		est.ImpactSeverity = "none"
	}

	if len(consumers) == 0 {
		est.Recommendations = []string{
			fmt.Sprintf("No registered consumers of %s; no action needed.", repo),
		}
		return est
	}
	est.Recommendations = []string{
		fmt.Sprintf("Notify the %d downstream consumer(s) of %s before merging.", len(consumers), repo),
	}
	if est.ImpactSeverity == "high" {
		est.Recommendations = append(est.Recommendations,
			"Coordinate a migration window; breaking changes affect every consumer.")
	}
	if likely > 0 && changeType != "breaking_change" {
		est.Recommendations = append(est.Recommendations,
			fmt.Sprintf("%d strongly-coupled consumer(s) likely need changes; run triage to confirm.", likely))
	}
	return est
}
