// ABOUTME: Registry HTTP API: register, unregister, heartbeat, discover, lookup
// ABOUTME: Plus the relay audit log and an SSE tap on the hub event feed

package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/registry"
	"github.com/2389/parley/internal/store"
)

// unregisterRequest is the JSON request body for POST /unregister.
type unregisterRequest struct {
	AgentID string `json:"agentId"`
}

// heartbeatRequest is the JSON request body for POST /heartbeat. The hub
// stamps its own receipt time; lastSeen is accepted for wire compatibility
// but agent clocks are not trusted for staleness decisions.
type heartbeatRequest struct {
	AgentID  string               `json:"agentId"`
	Status   protocol.AgentStatus `json:"status"`
	LastSeen time.Time            `json:"lastSeen"`
}

// agentResponse is the JSON response wrapping a single directory record.
type agentResponse struct {
	Agent *protocol.Agent `json:"agent"`
}

// discoverResponse is the JSON response for GET /discover.
type discoverResponse struct {
	Agents []*protocol.Agent `json:"agents"`
}

// relayLogEntry is one audit record in the GET /relay-log response.
type relayLogEntry struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	FromAgent string    `json:"fromAgent"`
	ToAgent   string    `json:"toAgent"`
	Type      string    `json:"type"`
	Method    string    `json:"method,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// relayLogResponse is the JSON response for GET /relay-log.
type relayLogResponse struct {
	Entries []relayLogEntry `json:"entries"`
}

// registerAPIRoutes registers the registry API on the mux, wrapped in the
// auth middleware when bearer tokens are enabled.
func (h *Hub) registerAPIRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/register":   h.handleRegister,
		"/unregister": h.handleUnregister,
		"/heartbeat":  h.handleHeartbeat,
		"/discover":   h.handleDiscover,
		"/agent/":     h.handleAgent,
		"/relay-log":  h.handleRelayLog,
		"/events":     h.handleEvents,
	}

	if h.tokens != nil {
		for path, handler := range routes {
			mux.Handle(path, h.requireAuth(handler))
		}
		h.logger.Info("registry API auth middleware enabled")
		return
	}
	for path, handler := range routes {
		mux.HandleFunc(path, handler)
	}
}

// requireAuth verifies the bearer token and, when the caller identifies
// itself, that the token was minted for that agent.
func (h *Hub) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := h.tokens.Verify(bearerToken(r))
		if err != nil {
			h.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		if claimed := r.Header.Get(registry.AgentHeader); claimed != "" && claimed != subject {
			h.sendJSONError(w, http.StatusForbidden, "token subject does not match "+registry.AgentHeader)
			return
		}
		next(w, r)
	})
}

// bearerToken extracts the token from the Authorization header, empty if
// absent or malformed.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// handleRegister handles POST /register. Registration is an upsert:
// re-registering an id refreshes the record and is never an error.
func (h *Hub) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var agent protocol.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if agent.Status == "" {
		agent.Status = protocol.AgentOnline
	}
	if agent.LastSeen.IsZero() {
		agent.LastSeen = time.Now().UTC()
	}
	if err := agent.Validate(); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.UpsertAgent(r.Context(), &agent); err != nil {
		h.logger.Error("register upsert failed", "agent_id", agent.ID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	stored, err := h.store.GetAgent(r.Context(), agent.ID)
	if err != nil {
		h.logger.Error("register readback failed", "agent_id", agent.ID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.Registrations.Inc()
	h.logger.Info("agent registered", "agent_id", stored.ID, "name", stored.Name, "capabilities", stored.Capabilities)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agentResponse{Agent: stored})
}

// handleUnregister handles POST /unregister. Unknown ids are a no-op.
func (h *Hub) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req unregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := h.store.DeleteAgent(r.Context(), req.AgentID); err != nil {
		h.logger.Error("unregister failed", "agent_id", req.AgentID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("agent unregistered", "agent_id", req.AgentID)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleHeartbeat handles POST /heartbeat: refreshes last seen and status
// for a registered agent. Unknown agents get 404; the client re-registers.
func (h *Hub) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	status := req.Status
	if status == "" {
		status = protocol.AgentOnline
	}
	switch status {
	case protocol.AgentOnline, protocol.AgentOffline, protocol.AgentBusy, protocol.AgentError:
	default:
		h.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	err := h.store.TouchAgent(r.Context(), req.AgentID, status, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.Error("heartbeat failed", "agent_id", req.AgentID, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.Heartbeats.Inc()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleDiscover handles GET /discover[?capability=]. The requester (from
// the X-Parley-Agent header), offline agents, and agents outside the
// freshness window are excluded.
func (h *Hub) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		h.logger.Error("discover list failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	capability := r.URL.Query().Get("capability")
	requester := r.Header.Get(registry.AgentHeader)
	staleBefore := time.Now().UTC().Add(-h.cfg.Agents.OfflineAfter)

	matches := make([]*protocol.Agent, 0, len(agents))
	for _, a := range agents {
		if a.ID == requester {
			continue
		}
		if a.Status == protocol.AgentOffline || a.LastSeen.Before(staleBefore) {
			continue
		}
		if capability != "" && !a.HasCapability(capability) {
			continue
		}
		matches = append(matches, a)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(discoverResponse{Agents: matches})
}

// handleAgent handles GET /agent/{id}. Unknown and expired agents get 404.
func (h *Hub) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/agent/")
	if id == "" || strings.Contains(id, "/") {
		h.sendJSONError(w, http.StatusBadRequest, "agent id is required")
		return
	}

	agent, err := h.store.GetAgent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.Error("agent lookup failed", "agent_id", id, "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// A record past the prune window is expired even if the sweep has not
	// removed it yet.
	if time.Since(agent.LastSeen) > h.cfg.Agents.PruneAfter {
		h.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agentResponse{Agent: agent})
}

// handleRelayLog handles GET /relay-log?limit=. Newest entries first.
func (h *Hub) handleRelayLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.store.RecentRelayLog(r.Context(), limit)
	if err != nil {
		h.logger.Error("relay log query failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := relayLogResponse{Entries: make([]relayLogEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, relayLogEntry{
			ID:        e.ID,
			MessageID: e.MessageID,
			FromAgent: e.FromAgent,
			ToAgent:   e.ToAgent,
			Type:      e.Type,
			Method:    e.Method,
			CreatedAt: e.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleEvents handles GET /events[?kind=] by streaming hub feed events as
// SSE until the client goes away.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = FeedAll
	}

	// Subscribe before the headers go out so a client that acts on the 200
	// cannot race the subscription.
	events, _ := h.feed.Subscribe(r.Context(), kind)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeSSEEvent(w, ev.Kind, ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event with JSON data.
func (h *Hub) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response with the given status code.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
