package skills

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/patelmm79/dev-nexus/internal/depgraph"
	"github.com/patelmm79/dev-nexus/internal/skill"
)

const relationshipSchema = `{
	"type": "object",
	"properties": {
		"source_repo":       {"type": "string"},
		"target_repo":       {"type": "string"},
		"relationship_type": {"enum": ["consumes", "template"]},
		"strength":          {"type": "number", "minimum": 0, "maximum": 1},
		"metadata":          {"type": "object"}
	},
	"required": ["source_repo", "target_repo"]
}`

// AddRelationship upserts one edge in the dependency graph.
type AddRelationship struct {
	Graph     depgraph.Graph
	Logger    *slog.Logger
	validator *skill.Validator
}

func NewAddRelationship(graph depgraph.Graph, logger *slog.Logger) *AddRelationship {
	if logger == nil {
		logger = slog.Default()
	}
	return &AddRelationship{
		Graph:     graph,
		Logger:    logger,
		validator: skill.MustValidator(relationshipSchema),
	}
}

func (s *AddRelationship) Card() skill.Card {
	return skill.Card{
		ID:           "add_dependency_relationship",
		Name:         "Add dependency relationship",
		Description:  "Inserts or updates one edge in the dependency graph.",
		Tags:         []string{"management", "graph"},
		AuthRequired: true,
		InputSchema:  json.RawMessage(relationshipSchema),
		Examples: []map[string]any{
			{
				"source_repo":       "acme/web",
				"target_repo":       "acme/api",
				"relationship_type": "consumes",
				"strength":          0.9,
			},
		},
	}
}

func (s *AddRelationship) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}

	rel := depgraph.Relationship{Strength: 1.0}
	rel.Source, _ = input["source_repo"].(string)
	rel.Target, _ = input["target_repo"].(string)
	rel.Type = depgraph.TypeConsumes
	if v, ok := input["relationship_type"].(string); ok && v != "" {
		rel.Type = v
	}
	if v, ok := input["strength"].(float64); ok {
		rel.Strength = v
	}
	if v, ok := input["metadata"].(map[string]any); ok {
		rel.Metadata = v
	}

	if err := s.Graph.Upsert(ctx, rel); err != nil {
		s.Logger.Error("relationship upsert failed",
			"source", rel.Source, "target", rel.Target, "error", err)
		return skill.Fail("relationship upsert failed: %v", err)
	}

	s.Logger.Info("relationship upserted",
		"source", rel.Source, "target", rel.Target, "type", rel.Type, "strength", rel.Strength)
	return skill.OK(map[string]any{
		"source_repo":       rel.Source,
		"target_repo":       rel.Target,
		"relationship_type": rel.Type,
		"strength":          rel.Strength,
	})
}
