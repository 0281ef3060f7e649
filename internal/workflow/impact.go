// Package workflow drives a change notification through consumer resolution,
// peer enrichment, triage fan-out, issue creation, and reporting.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/patelmm79/dev-nexus/internal/bus"
	"github.com/patelmm79/dev-nexus/internal/depgraph"
	"github.com/patelmm79/dev-nexus/internal/issues"
	"github.com/patelmm79/dev-nexus/internal/peer"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
	"github.com/patelmm79/dev-nexus/internal/triage"
)

// TaskTypeImpactAnalysis is the task_type this workflow handles.
const TaskTypeImpactAnalysis = "impact_analysis"

// DefaultKnowledgeBasePeer is the peer name consulted for enrichment and
// lesson reporting.
const DefaultKnowledgeBasePeer = "knowledge-base"

// Result is the document written to the task store on completion.
type Result struct {
	Repository        string          `json:"repository"`
	ConsumersAnalyzed int             `json:"consumers_analyzed"`
	IssuesCreated     int             `json:"issues_created"`
	TriageResults     []triage.Record `json:"triage_results"`
	AffectedRepos     []string        `json:"affected_repos"`
	Issues            []issues.Created `json:"issues,omitempty"`
	TriageFailures    int             `json:"triage_failures,omitempty"`
	IssueFailures     int             `json:"issue_failures,omitempty"`
}

// ImpactAnalysis is the workflow handler. All collaborators are injected;
// best-effort steps (enrichment, individual triage calls, issue creation,
// lesson reporting) never abort the run.
type ImpactAnalysis struct {
	Graph    depgraph.Graph
	Peers    *peer.Registry
	Analyzer triage.ConsumerAnalyzer
	Issues   issues.Backend
	Store    taskstore.Store
	Bus      *bus.Feed
	Logger   *slog.Logger

	// KnowledgeBase overrides the peer name; empty uses the default.
	KnowledgeBase string
}

func (w *ImpactAnalysis) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *ImpactAnalysis) kbName() string {
	if w.KnowledgeBase != "" {
		return w.KnowledgeBase
	}
	return DefaultKnowledgeBasePeer
}

// Handle runs the workflow for one dequeued task and writes the terminal
// status. The terminal update is the commit point; everything before it may
// repeat on redelivery.
func (w *ImpactAnalysis) Handle(ctx context.Context, task *taskstore.Task) error {
	var change map[string]any
	if err := json.Unmarshal(task.Input, &change); err != nil {
		return w.finishFailed(ctx, task.TaskID, fmt.Sprintf("decode task input: %v", err))
	}
	repo, _ := change["repository"].(string)
	if repo == "" {
		repo = task.Repository
	}
	if repo == "" {
		return w.finishFailed(ctx, task.TaskID, "task input has no repository")
	}

	result, err := w.run(ctx, task.TaskID, repo, change)
	if err != nil {
		return w.finishFailed(ctx, task.TaskID, err.Error())
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return w.finishFailed(ctx, task.TaskID, fmt.Sprintf("encode result: %v", err))
	}
	if err := w.Store.Update(ctx, task.TaskID, taskstore.StatusCompleted, raw, ""); err != nil {
		return fmt.Errorf("finalize task %s: %w", task.TaskID, err)
	}
	return nil
}

func (w *ImpactAnalysis) finishFailed(ctx context.Context, taskID, msg string) error {
	if err := w.Store.Update(ctx, taskID, taskstore.StatusFailed, nil, msg); err != nil {
		return fmt.Errorf("finalize failed task %s: %w", taskID, err)
	}
	return nil
}

func (w *ImpactAnalysis) run(ctx context.Context, taskID, repo string, change map[string]any) (*Result, error) {
	log := w.logger().With("task_id", taskID, "repository", repo)

	// Step 1: resolve consumers. An empty set is a normal completion.
	consumers, err := w.Graph.Consumers(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("resolve consumers of %s: %w", repo, err)
	}
	log.Info("consumers resolved", "count", len(consumers))

	// Step 2: enrich via the knowledge-base peer, best-effort. A peer that
	// failed enrichment is not asked for lesson reporting either.
	enrichment, peerUp := w.enrich(ctx, repo, log)

	result := &Result{
		Repository:    repo,
		TriageResults: make([]triage.Record, 0, len(consumers)),
		AffectedRepos: []string{},
		Issues:        []issues.Created{},
	}

	// Step 3: fan out triage, preserving graph order.
	for _, c := range consumers {
		record, err := w.Analyzer.Analyze(ctx, repo, c.Repository, change, enrichment)
		if err != nil {
			log.Warn("triage failed for consumer", "consumer", c.Repository, "error", err)
			result.TriageFailures++
			continue
		}
		result.ConsumersAnalyzed++
		result.TriageResults = append(result.TriageResults, record)
		if record.HasBreakingChanges {
			result.AffectedRepos = append(result.AffectedRepos, record.ConsumerRepo)
		}
	}

	// Step 4: create one issue per breaking-change triage, preserving order.
	for _, record := range result.TriageResults {
		if !record.HasBreakingChanges {
			continue
		}
		title := record.IssueTitle
		if title == "" {
			title = fmt.Sprintf("Breaking change in %s", repo)
		}
		created, err := w.Issues.CreateIssue(ctx, issues.Issue{
			Repository: record.ConsumerRepo,
			Title:      title,
			Body:       record.IssueBody,
			Labels:     []string{"dependency-impact"},
		})
		if err != nil {
			log.Warn("issue creation failed", "consumer", record.ConsumerRepo, "error", err)
			result.IssueFailures++
			continue
		}
		result.IssuesCreated++
		result.Issues = append(result.Issues, created)
		if w.Bus != nil {
			w.Bus.Publish(bus.Event{
				Kind: bus.IssueCreated, TaskID: taskID,
				Repository: created.Repository, IssueURL: created.URL,
			})
		}
	}

	// Step 5: report a lesson to the peer when issues were created.
	if result.IssuesCreated > 0 && peerUp {
		w.reportLesson(ctx, repo, result, log)
	}

	return result, nil
}

// enrich calls the knowledge-base peer's get_deployment_info skill. Any
// failure yields an empty enrichment object and marks the peer down for the
// rest of the run.
func (w *ImpactAnalysis) enrich(ctx context.Context, repo string, log *slog.Logger) (map[string]any, bool) {
	kb, ok := w.Peers.Get(w.kbName())
	if !ok {
		return map[string]any{}, false
	}
	res := kb.ExecuteSkill(ctx, "get_deployment_info", map[string]any{"repository": repo})
	// A missing success flag is a plain document, not a failure; only an
	// explicit success:false (including the client's synthesized transport
	// failures) marks the peer down.
	if v, exists := res["success"]; exists {
		if ok, _ := v.(bool); !ok {
			errMsg, _ := res["error"].(string)
			log.Warn("peer enrichment failed", "peer", w.kbName(), "error", errMsg)
			if w.Bus != nil {
				w.Bus.Publish(bus.Event{
					Kind: bus.PeerCallFailed, Peer: w.kbName(),
					SkillID: "get_deployment_info", Err: errMsg,
				})
			}
			return map[string]any{}, false
		}
	}
	return res, true
}

// reportLesson posts a lesson-learned to the peer, best-effort.
func (w *ImpactAnalysis) reportLesson(ctx context.Context, repo string, result *Result, log *slog.Logger) {
	kb, ok := w.Peers.Get(w.kbName())
	if !ok {
		return
	}
	lesson := fmt.Sprintf(
		"Change in %s affected %d of %d consumers; %d follow-up issue(s) filed.",
		repo, len(result.AffectedRepos), result.ConsumersAnalyzed, result.IssuesCreated,
	)
	res := kb.ExecuteSkill(ctx, "add_lesson_learned", map[string]any{
		"repository":     repo,
		"lesson":         lesson,
		"affected_repos": result.AffectedRepos,
		"issues_created": result.IssuesCreated,
	})
	if ok, _ := res["success"].(bool); !ok {
		errMsg, _ := res["error"].(string)
		log.Warn("lesson report failed", "peer", w.kbName(), "error", errMsg)
		if w.Bus != nil {
			w.Bus.Publish(bus.Event{
				Kind: bus.PeerCallFailed, Peer: w.kbName(),
				SkillID: "add_lesson_learned", Err: errMsg,
			})
		}
	}
}

// TriageConsumers runs the consumer analyzer for an explicit target list with
// no enrichment and no issue creation. The consumer-triage skill uses this
// path; template triage runs its own loop over the TemplateAnalyzer.
func TriageConsumers(ctx context.Context, analyzer triage.ConsumerAnalyzer, provider string, consumers []string, change map[string]any, logger *slog.Logger) ([]triage.Record, int) {
	if logger == nil {
		logger = slog.Default()
	}
	records := make([]triage.Record, 0, len(consumers))
	failures := 0
	for _, c := range consumers {
		record, err := analyzer.Analyze(ctx, provider, c, change, map[string]any{})
		if err != nil {
			logger.Warn("triage failed", "provider", provider, "consumer", c, "error", err)
			failures++
			continue
		}
		records = append(records, record)
	}
	return records, failures
}
