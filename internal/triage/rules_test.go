package triage

import (
	"context"
	"strings"
	"testing"
)

func TestRuleAnalyzerBreakingChange(t *testing.T) {
	rec, err := RuleAnalyzer{}.Analyze(context.Background(), "acme/api", "acme/web",
		map[string]any{
			"change_type": "breaking_change",
			"commit_sha":  "abc123",
			"patterns":    []any{"api/v1/*.proto"},
		},
		map[string]any{"environment": "prod"},
	)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !rec.HasBreakingChanges || rec.Severity != "high" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ConsumerRepo != "acme/web" {
		t.Fatalf("consumer repo %q", rec.ConsumerRepo)
	}
	for _, want := range []string{"abc123", "breaking_change", "api/v1/*.proto", "prod"} {
		if !strings.Contains(rec.IssueBody, want) {
			t.Fatalf("issue body missing %q:\n%s", want, rec.IssueBody)
		}
	}
}

func TestRuleAnalyzerNonBreaking(t *testing.T) {
	rec, err := RuleAnalyzer{}.Analyze(context.Background(), "acme/api", "acme/web",
		map[string]any{"change_type": "pattern_change"}, map[string]any{})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if rec.HasBreakingChanges || rec.Severity != "low" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
