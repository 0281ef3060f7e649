// Package peer implements the outbound side of the A2A protocol: a client
// that invokes skills on remote agents, and a registry of named peers.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	executeTimeout = 60 * time.Second
	cardTimeout    = 10 * time.Second
	healthTimeout  = 5 * time.Second

	maxResponseBytes = 4 << 20
)

// Client talks to one remote agent speaking the same wire protocol this
// process exposes. Transport failures never surface as Go errors: callers
// receive a structured failure value and decide locally.
type Client struct {
	name    string
	baseURL string
	token   string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewClient(name, baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{},
		logger:  logger,
	}
}

// Name returns the registry name of this peer.
func (c *Client) Name() string { return c.name }

// ExecuteSkill invokes a skill on the peer via POST {base}/a2a/execute.
// On any transport or decode error it returns {success:false, error}.
func (c *Client) ExecuteSkill(ctx context.Context, skillID string, input map[string]any) map[string]any {
	body, err := json.Marshal(map[string]any{
		"skill_id": skillID,
		"input":    input,
	})
	if err != nil {
		return failResult(fmt.Sprintf("encode request: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/a2a/execute", bytes.NewReader(body))
	if err != nil {
		return failResult(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("peer execute failed", "peer", c.name, "skill_id", skillID, "error", err)
		return failResult(fmt.Sprintf("A2A communication failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failResult(fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("peer execute non-200", "peer", c.name, "skill_id", skillID, "status", resp.StatusCode)
		return failResult(fmt.Sprintf("peer returned HTTP %d", resp.StatusCode))
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return failResult(fmt.Sprintf("decode response: %v", err))
	}
	return result
}

// AgentCard fetches the peer's card from {base}/.well-known/agent.json.
// Returns an empty map on any failure.
func (c *Client) AgentCard(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, cardTimeout)
	defer cancel()

	card := map[string]any{}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/.well-known/agent.json", nil)
	if err != nil {
		return card
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn("peer card fetch failed", "peer", c.name, "error", err)
		return card
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return card
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return map[string]any{}
	}
	if err := json.Unmarshal(raw, &card); err != nil {
		return map[string]any{}
	}
	return card
}

// Health probes {base}/health. Returns {status:"unhealthy", error} when the
// peer is unreachable or answers with a non-200.
func (c *Client) Health(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return unhealthy(err.Error())
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return unhealthy(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unhealthy(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return unhealthy(err.Error())
	}
	var health map[string]any
	if err := json.Unmarshal(raw, &health); err != nil {
		return unhealthy(err.Error())
	}
	return health
}

func failResult(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func unhealthy(msg string) map[string]any {
	return map[string]any{"status": "unhealthy", "error": msg}
}
