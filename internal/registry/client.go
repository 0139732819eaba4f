// ABOUTME: HTTP client for the hub registry API: register, discover, heartbeat
// ABOUTME: Maps transport failures and 5xx to ErrRegistryUnavailable so callers treat them as no change

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/parley/internal/protocol"
)

// Registry errors
var (
	// ErrRegistryUnavailable covers connection failures and 5xx answers.
	// A failed registry call means "no change", never a local state change.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrAgentNotFound is returned when the registry answers 404 for an agent id.
	ErrAgentNotFound = errors.New("agent not found")
)

// AgentHeader carries the requester's identity so discover can exclude it.
const AgentHeader = "X-Parley-Agent"

// Filter narrows a discover call.
type Filter struct {
	Capability string
}

// Config holds the settings a registry client needs.
type Config struct {
	BaseURL string
	AgentID string
	Token   string
	Timeout time.Duration
}

// Client talks to the hub registry API on behalf of one agent.
type Client struct {
	baseURL    string
	agentID    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a registry client. Timeout defaults to 10s when unset.
func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		agentID:    cfg.AgentID,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "registry"),
	}
}

type registerResponse struct {
	Agent *protocol.Agent `json:"agent"`
}

type discoverResponse struct {
	Agents []*protocol.Agent `json:"agents"`
}

type unregisterRequest struct {
	AgentID string `json:"agentId"`
}

type heartbeatRequest struct {
	AgentID  string               `json:"agentId"`
	Status   protocol.AgentStatus `json:"status"`
	LastSeen time.Time            `json:"lastSeen"`
}

// Register announces the agent to the registry. Registration is an upsert:
// re-registering the same id refreshes the record and is never an error.
// Returns the stored record.
func (c *Client) Register(ctx context.Context, agent *protocol.Agent) (*protocol.Agent, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/register", agent)
	if err != nil {
		return nil, err
	}

	var resp registerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding register response: %w", err)
	}
	return resp.Agent, nil
}

// Unregister removes the agent's directory record.
func (c *Client) Unregister(ctx context.Context, agentID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/unregister", unregisterRequest{AgentID: agentID})
	return err
}

// UpdateStatus announces a new status for the agent. The registry also
// refreshes last seen, so this doubles as a liveness signal.
func (c *Client) UpdateStatus(ctx context.Context, agentID string, status protocol.AgentStatus) error {
	return c.Heartbeat(ctx, agentID, status)
}

// Heartbeat refreshes the agent's last seen timestamp and current status.
func (c *Client) Heartbeat(ctx context.Context, agentID string, status protocol.AgentStatus) error {
	req := heartbeatRequest{
		AgentID:  agentID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/heartbeat", req)
	return err
}

// Discover lists agents matching the filter. The registry excludes the
// requester's own id and agents outside its freshness window.
func (c *Client) Discover(ctx context.Context, filter Filter) ([]*protocol.Agent, error) {
	path := "/discover"
	if filter.Capability != "" {
		path += "?" + url.Values{"capability": {filter.Capability}}.Encode()
	}

	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp discoverResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding discover response: %w", err)
	}
	return resp.Agents, nil
}

// Get fetches a single agent record. Returns ErrAgentNotFound for unknown ids.
func (c *Client) Get(ctx context.Context, agentID string) (*protocol.Agent, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/agent/"+url.PathEscape(agentID), nil)
	if err != nil {
		return nil, err
	}

	var resp registerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding agent response: %w", err)
	}
	return resp.Agent, nil
}

// doRequest executes one API call and maps failures to the registry errors.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.agentID != "" {
		req.Header.Set(AgentHeader, c.agentID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRegistryUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrAgentNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrRegistryUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("registry error %d: %s", resp.StatusCode, errResp.Error)
	}

	return respBody, nil
}
