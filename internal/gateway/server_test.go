package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/patelmm79/dev-nexus/internal/config"
	"github.com/patelmm79/dev-nexus/internal/peer"
	"github.com/patelmm79/dev-nexus/internal/skill"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
)

type echoSkill struct {
	id   string
	auth bool
}

func (s echoSkill) Card() skill.Card {
	return skill.Card{ID: s.id, Name: s.id, AuthRequired: s.auth}
}

func (s echoSkill) Execute(_ context.Context, input map[string]any) skill.Result {
	return skill.OK(map[string]any{"echo": input})
}

func newTestServer(t *testing.T) (*Server, *skill.Registry) {
	t.Helper()
	reg := skill.NewRegistry()
	if err := reg.Register(echoSkill{id: "get_dependencies"}, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(echoSkill{id: "trigger_consumer_triage", auth: true}, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := New(Config{
		Registry:  reg,
		Store:     taskstore.NewMemStore(nil, nil),
		Peers:     peer.NewRegistry(),
		AuthToken: "test-token",
		Agent: config.AgentConfig{
			Name: "dev-nexus-orchestrator", Description: "test", Version: "1.0.0", URL: "http://localhost:8080",
		},
	})
	return srv, reg
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestAgentCardListsRegistrySkills(t *testing.T) {
	srv, reg := newTestServer(t)
	rec, card := doJSON(t, srv.Handler(), http.MethodGet, "/.well-known/agent.json", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if card["name"] != "dev-nexus-orchestrator" {
		t.Fatalf("card name %#v", card["name"])
	}
	caps, _ := card["capabilities"].(map[string]any)
	if caps["streaming"] != false || caps["authentication"] != "required_for_mutations" {
		t.Fatalf("unexpected capabilities %#v", caps)
	}
	skills, _ := card["skills"].([]any)
	if len(skills) != len(reg.IDs()) {
		t.Fatalf("card lists %d skills, registry has %d", len(skills), len(reg.IDs()))
	}
	ids := map[string]bool{}
	for _, s := range skills {
		m, _ := s.(map[string]any)
		ids[m["id"].(string)] = true
	}
	for _, id := range reg.IDs() {
		if !ids[id] {
			t.Fatalf("skill %q missing from card", id)
		}
	}
}

func TestExecuteOpenSkill(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, res := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute",
		`{"skill_id":"get_dependencies","input":{"repository":"acme/api"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ok, _ := res["success"].(bool); !ok {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestExecuteMissingSkillID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute", `{"input":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestExecuteUnknownSkill404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute", `{"skill_id":"nope"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestExecuteProtectedSkillAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	body := `{"skill_id":"trigger_consumer_triage","input":{}}`

	// No Authorization header → 401.
	rec, _ := doJSON(t, h, http.MethodPost, "/a2a/execute", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-auth status %d, want 401", rec.Code)
	}

	// Wrong token → 401.
	rec, _ = doJSON(t, h, http.MethodPost, "/a2a/execute", body,
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad-token status %d, want 401", rec.Code)
	}

	// Correct token → 200 with the skill result.
	rec, res := doJSON(t, h, http.MethodPost, "/a2a/execute", body,
		map[string]string{"Authorization": "Bearer test-token"})
	if rec.Code != http.StatusOK {
		t.Fatalf("good-token status %d, want 200", rec.Code)
	}
	if ok, _ := res["success"].(bool); !ok {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestExecuteNoTokenConfiguredRefuses(t *testing.T) {
	reg := skill.NewRegistry()
	_ = reg.Register(echoSkill{id: "trigger_consumer_triage", auth: true}, false)
	srv := New(Config{
		Registry: reg,
		Store:    taskstore.NewMemStore(nil, nil),
		Peers:    peer.NewRegistry(),
		// AuthToken deliberately empty.
	})
	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/execute",
		`{"skill_id":"trigger_consumer_triage","input":{}}`,
		map[string]string{"Authorization": "Bearer anything"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401 when no token configured", rec.Code)
	}
}

func TestCancelStub(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, res := doJSON(t, srv.Handler(), http.MethodPost, "/a2a/cancel", `{"task_id":"t1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ok, _ := res["success"].(bool); !ok || res["task_id"] != "t1" {
		t.Fatalf("unexpected cancel result %#v", res)
	}
	if res["message"] != "cancellation requested" {
		t.Fatalf("unexpected message %#v", res["message"])
	}

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/a2a/cancel", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing task_id status %d, want 400", rec.Code)
	}
}

func TestHealthShape(t *testing.T) {
	srv, reg := newTestServer(t)
	rec, health := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if health["status"] != "healthy" {
		t.Fatalf("status field %#v", health["status"])
	}
	if int(health["skills_registered"].(float64)) != reg.Len() {
		t.Fatalf("skills_registered %#v", health["skills_registered"])
	}
	queue, _ := health["task_queue"].(map[string]any)
	for _, key := range []string{"queued", "processing", "completed", "failed", "total"} {
		if _, ok := queue[key]; !ok {
			t.Fatalf("task_queue missing %q: %#v", key, queue)
		}
	}
	if _, ok := health["external_agents"]; !ok {
		t.Fatal("external_agents missing")
	}
}

func TestWebhookReentersEventSkill(t *testing.T) {
	reg := skill.NewRegistry()
	var captured map[string]any
	_ = reg.Register(captureSkill{id: EventSkillID, sink: &captured}, false)
	srv := New(Config{
		Registry: reg,
		Store:    taskstore.NewMemStore(nil, nil),
		Peers:    peer.NewRegistry(),
	})

	body := `{"repository":"acme/api","commit_sha":"abc","timestamp":"2025-01-15T10:00:00Z","patterns":["api/*.go"],"change_type":"breaking_change"}`
	rec, res := doJSON(t, srv.Handler(), http.MethodPost, "/api/webhook/change-notification", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ok, _ := res["success"].(bool); !ok {
		t.Fatalf("unexpected result %#v", res)
	}
	if captured["repository"] != "acme/api" || captured["commit_sha"] != "abc" {
		t.Fatalf("webhook body not mapped: %#v", captured)
	}
	if captured["change_type"] != "breaking_change" {
		t.Fatalf("optional fields dropped: %#v", captured)
	}
}

type captureSkill struct {
	id   string
	sink *map[string]any
}

func (s captureSkill) Card() skill.Card {
	return skill.Card{ID: s.id, Name: s.id}
}

func (s captureSkill) Execute(_ context.Context, input map[string]any) skill.Result {
	*s.sink = input
	return skill.OK(map[string]any{"task_id": "t-webhook", "status": "queued"})
}

func TestAuthorizeHelper(t *testing.T) {
	mk := func(h string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/a2a/execute", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		return req
	}
	if authorize(mk(""), "tok") {
		t.Fatal("missing header accepted")
	}
	if authorize(mk("Basic tok"), "tok") {
		t.Fatal("non-bearer scheme accepted")
	}
	if authorize(mk("Bearer wrong"), "tok") {
		t.Fatal("wrong token accepted")
	}
	if !authorize(mk("Bearer tok"), "tok") {
		t.Fatal("valid token rejected")
	}
	if authorize(mk("Bearer tok"), "") {
		t.Fatal("empty configured token accepted")
	}
}
