package skills

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/patelmm79/dev-nexus/internal/depgraph"
	"github.com/patelmm79/dev-nexus/internal/skill"
	"github.com/patelmm79/dev-nexus/internal/triage"
	"github.com/patelmm79/dev-nexus/internal/workflow"
)

const consumerTriageSchema = `{
	"type": "object",
	"properties": {
		"provider_repo":  {"type": "string"},
		"consumer_repos": {"type": "array", "items": {"type": "string"}},
		"change_data":    {"type": "object"}
	},
	"required": ["provider_repo"]
}`

// ConsumerTriage runs consumer triage synchronously for an explicit provider.
// When consumer_repos is omitted, the dependency graph supplies the targets.
type ConsumerTriage struct {
	Graph     depgraph.Graph
	Analyzer  triage.ConsumerAnalyzer
	Logger    *slog.Logger
	validator *skill.Validator
}

func NewConsumerTriage(graph depgraph.Graph, analyzer triage.ConsumerAnalyzer, logger *slog.Logger) *ConsumerTriage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerTriage{
		Graph:     graph,
		Analyzer:  analyzer,
		Logger:    logger,
		validator: skill.MustValidator(consumerTriageSchema),
	}
}

func (s *ConsumerTriage) Card() skill.Card {
	return skill.Card{
		ID:           "trigger_consumer_triage",
		Name:         "Trigger consumer triage",
		Description:  "Runs consumer triage directly for a provider and returns the verdicts.",
		Tags:         []string{"action", "triage"},
		AuthRequired: true,
		InputSchema:  json.RawMessage(consumerTriageSchema),
		Examples: []map[string]any{
			{"provider_repo": "acme/api", "consumer_repos": []string{"acme/web"}},
		},
	}
}

func (s *ConsumerTriage) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}
	provider, _ := input["provider_repo"].(string)

	consumers := stringList(input["consumer_repos"])
	if len(consumers) == 0 {
		edges, err := s.Graph.Consumers(ctx, provider)
		if err != nil {
			return skill.Fail("consumer lookup failed: %v", err)
		}
		for _, e := range edges {
			consumers = append(consumers, e.Repository)
		}
	}

	change, _ := input["change_data"].(map[string]any)
	if change == nil {
		change = map[string]any{}
	}

	records, failures := workflow.TriageConsumers(ctx, s.Analyzer, provider, consumers, change, s.Logger)
	return skill.OK(map[string]any{
		"provider_repo":      provider,
		"consumers_analyzed": len(records),
		"triage_failures":    failures,
		"breaking_changes":   countBreaking(records),
		"results":            records,
	})
}

const templateTriageSchema = `{
	"type": "object",
	"properties": {
		"template_repo":    {"type": "string"},
		"derivative_repos": {"type": "array", "items": {"type": "string"}},
		"change_data":      {"type": "object"}
	},
	"required": ["template_repo"]
}`

// TemplateTriage mirrors ConsumerTriage for template → derivative edges.
type TemplateTriage struct {
	Graph     depgraph.Graph
	Analyzer  triage.TemplateAnalyzer
	Logger    *slog.Logger
	validator *skill.Validator
}

func NewTemplateTriage(graph depgraph.Graph, analyzer triage.TemplateAnalyzer, logger *slog.Logger) *TemplateTriage {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateTriage{
		Graph:     graph,
		Analyzer:  analyzer,
		Logger:    logger,
		validator: skill.MustValidator(templateTriageSchema),
	}
}

func (s *TemplateTriage) Card() skill.Card {
	return skill.Card{
		ID:           "trigger_template_triage",
		Name:         "Trigger template triage",
		Description:  "Runs template propagation triage for derivative repositories.",
		Tags:         []string{"action", "triage"},
		AuthRequired: true,
		InputSchema:  json.RawMessage(templateTriageSchema),
		Examples: []map[string]any{
			{"template_repo": "acme/service-template"},
		},
	}
}

func (s *TemplateTriage) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}
	template, _ := input["template_repo"].(string)

	derivatives := stringList(input["derivative_repos"])
	if len(derivatives) == 0 {
		edges, err := s.Graph.TemplateDerivatives(ctx, template)
		if err != nil {
			return skill.Fail("derivative lookup failed: %v", err)
		}
		for _, e := range edges {
			derivatives = append(derivatives, e.Repository)
		}
	}

	change, _ := input["change_data"].(map[string]any)
	if change == nil {
		change = map[string]any{}
	}

	records := make([]triage.Record, 0, len(derivatives))
	failures := 0
	for _, d := range derivatives {
		record, err := s.Analyzer.Analyze(ctx, template, d, change, map[string]any{})
		if err != nil {
			s.Logger.Warn("template triage failed", "template", template, "derivative", d, "error", err)
			failures++
			continue
		}
		records = append(records, record)
	}

	return skill.OK(map[string]any{
		"template_repo":        template,
		"derivatives_analyzed": len(records),
		"triage_failures":      failures,
		"breaking_changes":     countBreaking(records),
		"results":              records,
	})
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func countBreaking(records []triage.Record) int {
	n := 0
	for _, r := range records {
		if r.HasBreakingChanges {
			n++
		}
	}
	return n
}
