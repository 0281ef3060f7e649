package triage

import (
	"context"
	"fmt"
	"strings"
)

// RuleAnalyzer is the built-in analyzer used when no external analyzer is
// wired. It flags breaking changes from the declared change_type and drafts
// a plain issue body; deployments carrying an environment from enrichment
// get it echoed into the draft.
type RuleAnalyzer struct{}

func (RuleAnalyzer) Analyze(_ context.Context, provider, consumer string, change, enrichment map[string]any) (Record, error) {
	changeType, _ := change["change_type"].(string)
	commit, _ := change["commit_sha"].(string)

	breaking := changeType == "breaking_change"
	severity := "low"
	if breaking {
		severity = "high"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A change in %s may affect %s.\n\n", provider, consumer)
	if commit != "" {
		fmt.Fprintf(&b, "Commit: %s\n", commit)
	}
	if changeType != "" {
		fmt.Fprintf(&b, "Change type: %s\n", changeType)
	}
	if patterns := asStrings(change["patterns"]); len(patterns) > 0 {
		fmt.Fprintf(&b, "Changed patterns: %s\n", strings.Join(patterns, ", "))
	}
	if env, ok := enrichment["environment"].(string); ok && env != "" {
		fmt.Fprintf(&b, "Deployment environment: %s\n", env)
	}
	b.WriteString("\nReview the change and update this repository if needed.")

	return Record{
		ConsumerRepo:       consumer,
		HasBreakingChanges: breaking,
		Severity:           severity,
		IssueTitle:         fmt.Sprintf("Upstream change in %s", provider),
		IssueBody:          b.String(),
	}, nil
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
