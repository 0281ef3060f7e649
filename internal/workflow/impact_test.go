package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/patelmm79/dev-nexus/internal/depgraph"
	"github.com/patelmm79/dev-nexus/internal/issues"
	"github.com/patelmm79/dev-nexus/internal/peer"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
	"github.com/patelmm79/dev-nexus/internal/triage"
)

type stubAnalyzer struct {
	records map[string]triage.Record
	errFor  map[string]error
}

func (a *stubAnalyzer) Analyze(_ context.Context, provider, consumer string, _, _ map[string]any) (triage.Record, error) {
	if err, ok := a.errFor[consumer]; ok {
		return triage.Record{}, err
	}
	if rec, ok := a.records[consumer]; ok {
		return rec, nil
	}
	return triage.Record{ConsumerRepo: consumer, HasBreakingChanges: false, IssueBody: ""}, nil
}

type stubBackend struct {
	mu      sync.Mutex
	created []issues.Issue
	failFor map[string]error
}

func (b *stubBackend) CreateIssue(_ context.Context, issue issues.Issue) (issues.Created, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failFor[issue.Repository]; ok {
		return issues.Created{}, err
	}
	b.created = append(b.created, issue)
	return issues.Created{
		Repository: issue.Repository,
		URL:        fmt.Sprintf("https://issues.example.com/%s/%d", issue.Repository, len(b.created)),
	}, nil
}

// kbServer is a fake knowledge-base peer. It records which skills were called.
type kbServer struct {
	mu     sync.Mutex
	calls  []string
	deploy map[string]any
}

func (k *kbServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SkillID string         `json:"skill_id"`
			Input   map[string]any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		k.mu.Lock()
		k.calls = append(k.calls, body.SkillID)
		k.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch body.SkillID {
		case "get_deployment_info":
			_ = json.NewEncoder(w).Encode(k.deploy)
		case "add_lesson_learned":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unknown skill"})
		}
	})
}

func (k *kbServer) skillCalls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.calls...)
}

func newFlow(t *testing.T, graph depgraph.Graph, analyzer triage.ConsumerAnalyzer, backend issues.Backend, peers *peer.Registry) (*ImpactAnalysis, *taskstore.MemStore) {
	t.Helper()
	store := taskstore.NewMemStore(nil, nil)
	if peers == nil {
		peers = peer.NewRegistry()
	}
	return &ImpactAnalysis{
		Graph:    graph,
		Peers:    peers,
		Analyzer: analyzer,
		Issues:   backend,
		Store:    store,
	}, store
}

func enqueueAndDequeue(t *testing.T, store *taskstore.MemStore, repo string, input map[string]any) *taskstore.Task {
	t.Helper()
	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	id, err := store.Create(context.Background(), TaskTypeImpactAnalysis, repo, raw)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err := store.Dequeue(context.Background(), "worker-test")
	if err != nil || task == nil || task.TaskID != id {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}
	return task
}

func resultOf(t *testing.T, store *taskstore.MemStore, taskID string) Result {
	t.Helper()
	task, err := store.Get(context.Background(), taskID)
	if err != nil || task == nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != taskstore.StatusCompleted {
		t.Fatalf("task status = %q (error %q), want completed", task.Status, task.Error)
	}
	var res Result
	if err := json.Unmarshal(task.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestHappyPathOneConsumerBreakingChange(t *testing.T) {
	graph := depgraph.NewMemGraph()
	_ = graph.Upsert(context.Background(), depgraph.Relationship{
		Source: "acme/web", Target: "acme/api", Type: depgraph.TypeConsumes, Strength: 1,
	})

	analyzer := &stubAnalyzer{records: map[string]triage.Record{
		"acme/web": {ConsumerRepo: "acme/web", HasBreakingChanges: true, IssueBody: "X"},
	}}
	backend := &stubBackend{}

	kb := &kbServer{deploy: map[string]any{}}
	srv := httptest.NewServer(kb.handler())
	defer srv.Close()
	peers := peer.NewRegistry()
	peers.Register(peer.NewClient("knowledge-base", srv.URL, "", nil))

	flow, store := newFlow(t, graph, analyzer, backend, peers)
	task := enqueueAndDequeue(t, store, "acme/api", map[string]any{
		"repository": "acme/api", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
	})

	if err := flow.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	res := resultOf(t, store, task.TaskID)
	if res.ConsumersAnalyzed != 1 || res.IssuesCreated != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if len(res.AffectedRepos) != 1 || res.AffectedRepos[0] != "acme/web" {
		t.Fatalf("unexpected affected repos %v", res.AffectedRepos)
	}
	if len(backend.created) != 1 || backend.created[0].Repository != "acme/web" {
		t.Fatalf("issue not filed in consumer repo: %#v", backend.created)
	}

	calls := kb.skillCalls()
	var sawLesson bool
	for _, c := range calls {
		if c == "add_lesson_learned" {
			sawLesson = true
		}
	}
	if !sawLesson {
		t.Fatalf("lesson-learned not reported; peer calls: %v", calls)
	}
}

func TestNoConsumers(t *testing.T) {
	kb := &kbServer{deploy: map[string]any{}}
	srv := httptest.NewServer(kb.handler())
	defer srv.Close()
	peers := peer.NewRegistry()
	peers.Register(peer.NewClient("knowledge-base", srv.URL, "", nil))

	flow, store := newFlow(t, depgraph.NewMemGraph(), &stubAnalyzer{}, &stubBackend{}, peers)
	task := enqueueAndDequeue(t, store, "acme/lib", map[string]any{
		"repository": "acme/lib", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
	})

	if err := flow.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res := resultOf(t, store, task.TaskID)
	if res.ConsumersAnalyzed != 0 || res.IssuesCreated != 0 {
		t.Fatalf("expected zero counts, got %+v", res)
	}
	if len(res.TriageResults) != 0 || len(res.AffectedRepos) != 0 {
		t.Fatalf("expected empty lists, got %+v", res)
	}
	for _, c := range kb.skillCalls() {
		if c == "add_lesson_learned" {
			t.Fatal("lesson-learned must not be reported with zero issues")
		}
	}
}

func TestPeerDownStillCompletes(t *testing.T) {
	graph := depgraph.NewMemGraph()
	_ = graph.Upsert(context.Background(), depgraph.Relationship{
		Source: "acme/web", Target: "acme/api", Type: depgraph.TypeConsumes, Strength: 1,
	})
	analyzer := &stubAnalyzer{records: map[string]triage.Record{
		"acme/web": {ConsumerRepo: "acme/web", HasBreakingChanges: true, IssueBody: "X"},
	}}
	backend := &stubBackend{}

	// Peer registered but unreachable.
	srv := httptest.NewServer(nil)
	srv.Close()
	peers := peer.NewRegistry()
	peers.Register(peer.NewClient("knowledge-base", srv.URL, "", nil))

	flow, store := newFlow(t, graph, analyzer, backend, peers)
	task := enqueueAndDequeue(t, store, "acme/api", map[string]any{
		"repository": "acme/api", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
	})

	if err := flow.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res := resultOf(t, store, task.TaskID)
	if res.IssuesCreated != 1 {
		t.Fatalf("issue flow affected by peer outage: %+v", res)
	}
}

func TestIssueBackendPartialFailure(t *testing.T) {
	graph := depgraph.NewMemGraph()
	for _, consumer := range []string{"acme/a", "acme/b", "acme/c"} {
		_ = graph.Upsert(context.Background(), depgraph.Relationship{
			Source: consumer, Target: "acme/api", Type: depgraph.TypeConsumes, Strength: 1,
		})
	}
	analyzer := &stubAnalyzer{records: map[string]triage.Record{
		"acme/a": {ConsumerRepo: "acme/a", HasBreakingChanges: true, IssueBody: "a"},
		"acme/b": {ConsumerRepo: "acme/b", HasBreakingChanges: true, IssueBody: "b"},
		"acme/c": {ConsumerRepo: "acme/c", HasBreakingChanges: true, IssueBody: "c"},
	}}
	backend := &stubBackend{failFor: map[string]error{"acme/b": errors.New("rate limited")}}

	flow, store := newFlow(t, graph, analyzer, backend, nil)
	task := enqueueAndDequeue(t, store, "acme/api", map[string]any{
		"repository": "acme/api", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
	})

	if err := flow.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res := resultOf(t, store, task.TaskID)
	if res.IssuesCreated != 2 {
		t.Fatalf("issues_created = %d, want n-k = 2", res.IssuesCreated)
	}
	if res.IssueFailures != 1 {
		t.Fatalf("issue_failures = %d, want 1", res.IssueFailures)
	}
}

func TestTriageFailureOmitsRecord(t *testing.T) {
	graph := depgraph.NewMemGraph()
	for _, consumer := range []string{"acme/a", "acme/b"} {
		_ = graph.Upsert(context.Background(), depgraph.Relationship{
			Source: consumer, Target: "acme/api", Type: depgraph.TypeConsumes, Strength: 1,
		})
	}
	analyzer := &stubAnalyzer{
		records: map[string]triage.Record{
			"acme/b": {ConsumerRepo: "acme/b", HasBreakingChanges: false, IssueBody: ""},
		},
		errFor: map[string]error{"acme/a": errors.New("analyzer crashed")},
	}

	flow, store := newFlow(t, graph, analyzer, &stubBackend{}, nil)
	task := enqueueAndDequeue(t, store, "acme/api", map[string]any{
		"repository": "acme/api", "commit_sha": "abc", "timestamp": "2025-01-15T10:00:00Z",
	})

	if err := flow.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res := resultOf(t, store, task.TaskID)
	if res.ConsumersAnalyzed != 1 || res.TriageFailures != 1 {
		t.Fatalf("partial failure not recorded: %+v", res)
	}
	if len(res.TriageResults) != 1 || res.TriageResults[0].ConsumerRepo != "acme/b" {
		t.Fatalf("failed triage leaked into results: %+v", res.TriageResults)
	}
}

func TestBadInputFailsTask(t *testing.T) {
	flow, store := newFlow(t, depgraph.NewMemGraph(), &stubAnalyzer{}, &stubBackend{}, nil)
	id, _ := store.Create(context.Background(), TaskTypeImpactAnalysis, "", json.RawMessage(`{"commit_sha":"abc"}`))
	task, _ := store.Dequeue(context.Background(), "w")
	if err := flow.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), id)
	if got.Status != taskstore.StatusFailed || got.Error == "" {
		t.Fatalf("expected failed task, got %+v", got)
	}
}

func TestTriageConsumersHelper(t *testing.T) {
	analyzer := &stubAnalyzer{
		records: map[string]triage.Record{
			"acme/web": {ConsumerRepo: "acme/web", HasBreakingChanges: true, IssueBody: "X"},
		},
		errFor: map[string]error{"acme/bad": errors.New("boom")},
	}
	records, failures := TriageConsumers(context.Background(), analyzer, "acme/api",
		[]string{"acme/web", "acme/bad"}, map[string]any{}, nil)
	if len(records) != 1 || failures != 1 {
		t.Fatalf("records=%d failures=%d", len(records), failures)
	}
}
