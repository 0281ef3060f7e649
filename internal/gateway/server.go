// Package gateway is the inbound HTTP surface: the agent card, the A2A
// execute/cancel endpoints, health, and the legacy webhook shim.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/patelmm79/dev-nexus/internal/audit"
	"github.com/patelmm79/dev-nexus/internal/config"
	"github.com/patelmm79/dev-nexus/internal/peer"
	"github.com/patelmm79/dev-nexus/internal/skill"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
)

// EventSkillID is the skill the legacy webhook re-enters.
const EventSkillID = "receive_change_notification"

// Config holds the server dependencies, wired at startup.
type Config struct {
	Registry *skill.Registry
	Store    taskstore.Store
	Peers    *peer.Registry

	Agent             config.AgentConfig
	CORS              config.CORSConfig
	AuthToken         string
	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the route table. Auth is enforced inside handleExecute only;
// it is the single place protected skills are gated.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("/a2a/execute", s.handleExecute)
	mux.HandleFunc("/a2a/cancel", s.handleCancel)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/webhook/change-notification", s.handleWebhook)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(0)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

// handleAgentCard serves GET /.well-known/agent.json.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cards := s.cfg.Registry.Cards()
	card := map[string]any{
		"name":        s.cfg.Agent.Name,
		"description": s.cfg.Agent.Description,
		"version":     s.cfg.Agent.Version,
		"url":         s.cfg.Agent.URL,
		"capabilities": map[string]any{
			"streaming":      false,
			"multimodal":     false,
			"authentication": "required_for_mutations",
		},
		"skills": cards,
		"metadata": map[string]any{
			"skill_count":  len(cards),
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, card)
}

// handleExecute serves POST /a2a/execute. Transport status codes cover the
// envelope only; application-level failures are 200 with success:false.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SkillID string         `json:"skill_id"`
		Input   map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if req.SkillID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "skill_id is required"})
		return
	}

	sk, ok := s.cfg.Registry.Get(req.SkillID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown skill: " + req.SkillID})
		return
	}

	if s.cfg.Registry.IsProtected(req.SkillID) {
		if !authorize(r, s.cfg.AuthToken) {
			audit.Record("deny", req.SkillID, "missing_or_invalid_token", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
			return
		}
		audit.Record("allow", req.SkillID, "token_valid", r.RemoteAddr)
	}

	if req.Input == nil {
		req.Input = map[string]any{}
	}
	result := sk.Execute(r.Context(), req.Input)
	writeJSON(w, http.StatusOK, result)
}

// handleCancel serves POST /a2a/cancel. Cancellation is cooperative and
// advisory: the request is accepted and recorded, but no in-flight work is
// interrupted. Callers poll get_orchestration_status for the outcome.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "task_id is required"})
		return
	}
	s.cfg.Logger.Info("cancellation requested", "task_id", req.TaskID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "cancellation requested",
		"task_id": req.TaskID,
	})
}

// handleHealth serves GET /health. Overall status follows the database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	database := map[string]any{"status": "healthy"}
	status := "healthy"
	if err := s.cfg.Store.Ping(ctx); err != nil {
		database = map[string]any{"status": "unhealthy", "error": err.Error()}
		status = "unhealthy"
	}

	queue := map[string]any{}
	if st, err := s.cfg.Store.Stats(ctx); err == nil {
		queue = map[string]any{
			"queued":     st.Queued,
			"processing": st.Processing,
			"completed":  st.Completed,
			"failed":     st.Failed,
			"total":      st.Total,
		}
	}

	external := map[string]bool{}
	if s.cfg.Peers != nil {
		external = s.cfg.Peers.HealthCheckAll(ctx)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            status,
		"skills_registered": s.cfg.Registry.Len(),
		"skills":            s.cfg.Registry.IDs(),
		"database":          database,
		"task_queue":        queue,
		"external_agents":   external,
		"config_hash":       s.cfg.ConfigFingerprint,
	})
}

// handleWebhook is the legacy shim: it maps the webhook body to the event
// skill's input and re-enters the skill directly.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	sk, ok := s.cfg.Registry.Get(EventSkillID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "event skill not registered"})
		return
	}
	result := sk.Execute(r.Context(), webhookToInput(body))
	writeJSON(w, http.StatusOK, result)
}

// webhookToInput is the single mapping site between the legacy webhook body
// and the event skill input. The field names already line up; unknown fields
// pass through untouched.
func webhookToInput(body map[string]any) map[string]any {
	if body == nil {
		return map[string]any{}
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response failed", "error", err)
	}
}
