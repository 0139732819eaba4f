// ABOUTME: Tests for the registry HTTP client against httptest servers
// ABOUTME: Covers header identity, error mapping, and the idempotent register path

package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/protocol"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL: srv.URL,
		AgentID: "agent-a",
		Token:   "tok-123",
	}, slog.Default())
}

func TestRegisterSendsAgentAndDecodesRecord(t *testing.T) {
	var gotPath, gotAgentHeader, gotAuth string
	var gotBody protocol.Agent

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgentHeader = r.Header.Get(AgentHeader)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		gotBody.LastSeen = time.Now().UTC()
		json.NewEncoder(w).Encode(map[string]any{"agent": gotBody})
	}))

	agent := &protocol.Agent{
		ID:           "agent-a",
		Name:         "alpha",
		Capabilities: []string{"echo"},
		Status:       protocol.AgentOnline,
	}

	stored, err := client.Register(context.Background(), agent)
	require.NoError(t, err)

	assert.Equal(t, "/register", gotPath)
	assert.Equal(t, "agent-a", gotAgentHeader)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "agent-a", gotBody.ID)
	assert.Equal(t, "alpha", stored.Name)
	assert.False(t, stored.LastSeen.IsZero())
}

func TestRegisterRejectsInvalidAgent(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called")
	}))

	_, err := client.Register(context.Background(), &protocol.Agent{ID: "x"})
	assert.ErrorIs(t, err, protocol.ErrInvalidAgent)
}

func TestHeartbeatBody(t *testing.T) {
	var got map[string]any
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/heartbeat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))

	err := client.Heartbeat(context.Background(), "agent-a", protocol.AgentBusy)
	require.NoError(t, err)

	assert.Equal(t, "agent-a", got["agentId"])
	assert.Equal(t, "busy", got["status"])
	assert.NotEmpty(t, got["lastSeen"])
}

func TestDiscoverCapabilityQuery(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/discover", r.URL.Path)
		assert.Equal(t, "translate", r.URL.Query().Get("capability"))
		json.NewEncoder(w).Encode(map[string]any{"agents": []*protocol.Agent{
			{ID: "agent-b", Name: "beta", Status: protocol.AgentOnline},
		}})
	}))

	agents, err := client.Discover(context.Background(), Filter{Capability: "translate"})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-b", agents[0].ID)
}

func TestGetNotFound(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such agent"}`, http.StatusNotFound)
	}))

	_, err := client.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestServerErrorMapsToUnavailable(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	err := client.Heartbeat(context.Background(), "agent-a", protocol.AgentOnline)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

func TestConnectionFailureMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := New(Config{BaseURL: srv.URL, AgentID: "agent-a"}, slog.Default())
	_, err := client.Discover(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
}

func TestBadRequestSurfacesServerMessage(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "missing agentId"})
	}))

	err := client.Unregister(context.Background(), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRegistryUnavailable)
	assert.Contains(t, err.Error(), "missing agentId")
}

func TestGetEscapesAgentID(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/agent%2Fodd", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(map[string]any{"agent": &protocol.Agent{
			ID: "agent/odd", Name: "odd", Status: protocol.AgentOnline,
		}})
	}))

	agent, err := client.Get(context.Background(), "agent/odd")
	require.NoError(t, err)
	assert.Equal(t, "agent/odd", agent.ID)
}
