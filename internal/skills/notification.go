// Package skills implements the orchestrator's skill surface: one event
// skill, three queries, two triage actions, and one management skill.
package skills

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/patelmm79/dev-nexus/internal/skill"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
	"github.com/patelmm79/dev-nexus/internal/workflow"
)

const notificationSchema = `{
	"type": "object",
	"properties": {
		"repository":   {"type": "string", "description": "owner/repo of the changed repository"},
		"commit_sha":   {"type": "string"},
		"timestamp":    {"type": "string", "description": "ISO 8601 change time"},
		"patterns":     {"type": "array", "items": {"type": "string"}},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"change_type":  {"enum": ["pattern_change", "dependency_update", "breaking_change"]}
	},
	"required": ["repository", "commit_sha", "timestamp"]
}`

// Completion estimates are queue-depth based: two minutes per queued or
// processing task, counted after this one is enqueued (so including it),
// clamped to a window of two to thirty minutes.
const (
	perTaskEstimate = 2 * time.Minute
	minEstimate     = 2 * time.Minute
	maxEstimate     = 30 * time.Minute
)

// ChangeNotification is the asynchronous event skill: it validates the
// notification and enqueues an impact_analysis task carrying the full input.
type ChangeNotification struct {
	Store     taskstore.Store
	Logger    *slog.Logger
	validator *skill.Validator
}

func NewChangeNotification(store taskstore.Store, logger *slog.Logger) *ChangeNotification {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeNotification{
		Store:     store,
		Logger:    logger,
		validator: skill.MustValidator(notificationSchema),
	}
}

func (s *ChangeNotification) Card() skill.Card {
	return skill.Card{
		ID:           "receive_change_notification",
		Name:         "Receive change notification",
		Description:  "Accepts a repository change notification and queues an impact analysis.",
		Tags:         []string{"event", "impact"},
		AuthRequired: true,
		InputSchema:  json.RawMessage(notificationSchema),
		Examples: []map[string]any{
			{
				"repository": "acme/api",
				"commit_sha": "3f2a1bc",
				"timestamp":  "2025-01-15T10:00:00Z",
			},
			{
				"repository":  "acme/api",
				"commit_sha":  "3f2a1bc",
				"timestamp":   "2025-01-15T10:00:00Z",
				"change_type": "breaking_change",
				"patterns":    []string{"api/v1/*.proto"},
			},
		},
	}
}

func (s *ChangeNotification) Execute(ctx context.Context, input map[string]any) skill.Result {
	if err := s.validator.Validate(input); err != nil {
		return skill.Fail("%s", err.Error())
	}
	repo, _ := input["repository"].(string)

	raw, err := json.Marshal(input)
	if err != nil {
		return skill.Fail("encode notification: %v", err)
	}

	taskID, err := s.Store.Create(ctx, workflow.TaskTypeImpactAnalysis, repo, raw)
	if err != nil {
		s.Logger.Error("enqueue failed", "repository", repo, "error", err)
		return skill.Fail("enqueue failed: %v", err)
	}

	estimate := s.estimateCompletion(ctx)
	s.Logger.Info("change notification accepted",
		"task_id", taskID, "repository", repo, "estimated_completion", estimate)

	return skill.OK(map[string]any{
		"task_id":              taskID,
		"status":               "queued",
		"message":              "impact analysis queued for " + repo,
		"estimated_completion": estimate,
	})
}

func (s *ChangeNotification) estimateCompletion(ctx context.Context) string {
	depth := 0
	if st, err := s.Store.Stats(ctx); err == nil {
		depth = st.Queued + st.Processing
	}
	wait := time.Duration(depth) * perTaskEstimate
	if wait < minEstimate {
		wait = minEstimate
	}
	if wait > maxEstimate {
		wait = maxEstimate
	}
	return time.Now().UTC().Add(wait).Format(time.RFC3339)
}
