package skills

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/patelmm79/dev-nexus/internal/depgraph"
	"github.com/patelmm79/dev-nexus/internal/skill"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
	"github.com/patelmm79/dev-nexus/internal/triage"
)

const repositorySchema = `{
	"type": "object",
	"properties": {
		"repository":  {"type": "string"},
		"change_type": {"enum": ["pattern_change", "dependency_update", "breaking_change"]},
		"patterns":    {"type": "array", "items": {"type": "string"}}
	},
	"required": ["repository"]
}`

// ImpactQuery is the synchronous impact estimate: graph lookup plus the
// heuristic estimator, no peer calls and no queueing.
type ImpactQuery struct {
	Graph     depgraph.Graph
	Logger    *slog.Logger
	validator *skill.Validator
}

func NewImpactQuery(graph depgraph.Graph, logger *slog.Logger) *ImpactQuery {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImpactQuery{
		Graph:     graph,
		Logger:    logger,
		validator: skill.MustValidator(repositorySchema),
	}
}

func (s *ImpactQuery) Card() skill.Card {
	return skill.Card{
		ID:          "get_impact_analysis",
		Name:        "Get impact analysis",
		Description: "Estimates downstream impact of a change without running triage.",
		Tags:        []string{"query", "impact"},
		InputSchema: json.RawMessage(repositorySchema),
		Examples: []map[string]any{
			{"repository": "acme/api", "change_type": "breaking_change"},
		},
	}
}

func (s *ImpactQuery) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}
	repo, _ := input["repository"].(string)

	consumers, err := s.Graph.Consumers(ctx, repo)
	if err != nil {
		s.Logger.Error("consumer lookup failed", "repository", repo, "error", err)
		return skill.Fail("consumer lookup failed: %v", err)
	}

	est := triage.EstimateImpact(repo, consumers, input)
	return skill.OK(map[string]any{
		"repository":       repo,
		"affected_repos":   est.AffectedRepos,
		"impact_severity":  est.ImpactSeverity,
		"estimated_issues": est.EstimatedIssues,
		"recommendations":  est.Recommendations,
	})
}

const dependenciesSchema = `{
	"type": "object",
	"properties": {
		"repository": {"type": "string"}
	},
	"required": ["repository"]
}`

// DependenciesQuery returns the repository's graph neighborhood.
type DependenciesQuery struct {
	Graph     depgraph.Graph
	Logger    *slog.Logger
	validator *skill.Validator
}

func NewDependenciesQuery(graph depgraph.Graph, logger *slog.Logger) *DependenciesQuery {
	if logger == nil {
		logger = slog.Default()
	}
	return &DependenciesQuery{
		Graph:     graph,
		Logger:    logger,
		validator: skill.MustValidator(dependenciesSchema),
	}
}

func (s *DependenciesQuery) Card() skill.Card {
	return skill.Card{
		ID:          "get_dependencies",
		Name:        "Get dependencies",
		Description: "Lists consumers, providers, and template relationships of a repository.",
		Tags:        []string{"query", "graph"},
		InputSchema: json.RawMessage(dependenciesSchema),
		Examples: []map[string]any{
			{"repository": "acme/api"},
		},
	}
}

func (s *DependenciesQuery) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}
	repo, _ := input["repository"].(string)

	consumers, err := s.Graph.Consumers(ctx, repo)
	if err != nil {
		return skill.Fail("consumer lookup failed: %v", err)
	}
	providers, err := s.Graph.Providers(ctx, repo)
	if err != nil {
		return skill.Fail("provider lookup failed: %v", err)
	}
	templates, err := s.Graph.TemplateDerivatives(ctx, repo)
	if err != nil {
		return skill.Fail("template lookup failed: %v", err)
	}

	return skill.OK(map[string]any{
		"repository":             repo,
		"consumers":              edgeList(consumers),
		"providers":              edgeList(providers),
		"template_relationships": edgeList(templates),
		"total_dependencies":     len(consumers) + len(providers) + len(templates),
	})
}

func edgeList(edges []depgraph.Edge) []map[string]any {
	out := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		out = append(out, map[string]any{
			"repository": e.Repository,
			"type":       e.Type,
			"strength":   e.Strength,
		})
	}
	return out
}

const statusSchema = `{
	"type": "object",
	"properties": {
		"task_id": {"type": "string"}
	},
	"required": ["task_id"]
}`

// StatusQuery reports the current state of an orchestration task.
type StatusQuery struct {
	Store     taskstore.Store
	validator *skill.Validator
}

func NewStatusQuery(store taskstore.Store) *StatusQuery {
	return &StatusQuery{
		Store:     store,
		validator: skill.MustValidator(statusSchema),
	}
}

func (s *StatusQuery) Card() skill.Card {
	return skill.Card{
		ID:          "get_orchestration_status",
		Name:        "Get orchestration status",
		Description: "Returns the status and, when finished, the result of a queued analysis.",
		Tags:        []string{"query", "tasks"},
		InputSchema: json.RawMessage(statusSchema),
		Examples: []map[string]any{
			{"task_id": "2f9f1a9e-0c60-4f7a-9b1f-0f6d64c5ad6d"},
		},
	}
}

func (s *StatusQuery) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}
	taskID, _ := input["task_id"].(string)

	task, err := s.Store.Get(ctx, taskID)
	if err != nil {
		return skill.Fail("task lookup failed: %v", err)
	}
	if task == nil {
		return skill.Fail("task not found: %s", taskID)
	}

	fields := map[string]any{
		"task_id":    task.TaskID,
		"task_type":  task.TaskType,
		"repository": task.Repository,
		"status":     string(task.Status),
		"created_at": task.CreatedAt.Format(time.RFC3339),
		"updated_at": task.UpdatedAt.Format(time.RFC3339),
	}
	if task.StartedAt != nil {
		fields["started_at"] = task.StartedAt.Format(time.RFC3339)
	}
	if task.CompletedAt != nil {
		fields["completed_at"] = task.CompletedAt.Format(time.RFC3339)
	}
	if task.WorkerID != "" {
		fields["worker_id"] = task.WorkerID
	}
	if len(task.Result) > 0 {
		var result map[string]any
		if err := json.Unmarshal(task.Result, &result); err == nil {
			fields["result"] = result
		}
	}
	if task.Error != "" {
		fields["task_error"] = task.Error
	}
	return skill.OK(fields)
}
