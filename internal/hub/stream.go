// ABOUTME: WebSocket stream endpoint: upgrade, initialize handshake, read pump
// ABOUTME: Marks agents online on open, fans out presence, feeds frames to the relay

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/protocol"
)

const (
	handshakeTimeout = 10 * time.Second

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
)

// handleStream handles GET /ws?agent_id= upgrade requests. Auth (when
// enabled) is enforced before the upgrade; the initialize handshake after.
func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "agent_id query parameter is required")
		return
	}

	if h.tokens != nil {
		subject, err := h.tokens.Verify(bearerToken(r))
		if err != nil {
			h.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		if subject != agentID {
			h.sendJSONError(w, http.StatusForbidden, "token subject does not match agent_id")
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Debug("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	h.serveStream(ws, agentID)
}

// serveStream owns one agent stream from handshake to teardown.
func (h *Hub) serveStream(ws *websocket.Conn, agentID string) {
	card, err := h.handshake(ws, agentID)
	if err != nil {
		h.logger.Warn("stream handshake failed", "agent_id", agentID, "error", err)
		_ = ws.Close()
		return
	}

	c := newConn(card, ws, h.logger)
	if old := h.conns.add(c); old != nil {
		h.logger.Info("replacing stale stream", "agent_id", agentID)
		old.close()
	} else {
		h.metrics.AgentsConnected.Inc()
	}

	h.markOnline(card)
	h.logger.Info("agent stream open", "agent_id", agentID, "name", card.Name)

	h.announcePresence(protocol.NotifyAgentJoined, card, agentID)
	h.feed.Publish(FeedEvent{Kind: FeedAgentJoined, AgentID: agentID, Detail: card.Name})

	go c.writePump()
	h.readPump(c)

	h.teardown(c)
}

// handshake reads the first frame, which must be an initialize request
// whose card matches the agent_id from the upgrade, and answers it with
// the hub's welcome response.
func (h *Hub) handshake(ws *websocket.Conn, agentID string) (*protocol.Agent, error) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var init protocol.Message
	if err := ws.ReadJSON(&init); err != nil {
		return nil, err
	}

	if init.Type != protocol.MessageTypeRequest || init.Method != protocol.MethodInitialize {
		return nil, h.rejectHandshake(ws, &init, agentID, "first frame must be an initialize request")
	}
	if err := h.validator.ValidateMessage(&init); err != nil {
		return nil, h.rejectHandshake(ws, &init, agentID, err.Error())
	}

	var card protocol.Agent
	if err := protocol.Decode(init.Payload["agent"], &card); err != nil {
		return nil, h.rejectHandshake(ws, &init, agentID, "malformed agent card")
	}
	if card.ID != agentID {
		return nil, h.rejectHandshake(ws, &init, agentID, "agent card id does not match agent_id")
	}

	welcome := init.Reply(hubSender, map[string]any{
		"ok":       true,
		"serverId": h.serverID,
		"agentId":  agentID,
	})
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(welcome); err != nil {
		return nil, err
	}

	return &card, nil
}

// rejectHandshake answers a bad handshake with a correlated error frame and
// returns the rejection as an error for the caller to log.
func (h *Hub) rejectHandshake(ws *websocket.Conn, init *protocol.Message, agentID, detail string) error {
	if init.ID != "" {
		reject := init.ErrorReply(hubSender, protocol.CodeInvalidPayload, detail)
		reject.ToAgent = agentID
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteJSON(reject)
	}
	return &handshakeError{detail: detail}
}

type handshakeError struct {
	detail string
}

func (e *handshakeError) Error() string {
	return "handshake rejected: " + e.detail
}

// readPump reads frames off the stream and hands them to the relay until
// the connection dies. Pongs extend the read deadline; the write pump sends
// the pings.
func (h *Hub) readPump(c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("stream read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("dropping unparseable frame", "error", err)
			continue
		}

		h.relay(c, &msg, raw)
	}
}

// teardown runs once the read pump exits: deregister, mark offline, and
// tell the other agents. A stream that was already replaced by a newer one
// for the same agent only closes; presence belongs to the replacement.
func (h *Hub) teardown(c *conn) {
	current := h.conns.remove(c)
	c.close()
	if !current {
		return
	}

	h.metrics.AgentsConnected.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.TouchAgent(ctx, c.agentID, protocol.AgentOffline, time.Now().UTC()); err != nil {
		h.logger.Debug("marking agent offline failed", "agent_id", c.agentID, "error", err)
	}

	h.logger.Info("agent stream closed", "agent_id", c.agentID)
	h.announcePresence(protocol.NotifyAgentLeft, c.card, c.agentID)
	h.feed.Publish(FeedEvent{Kind: FeedAgentLeft, AgentID: c.agentID, Detail: c.card.Name})
}

// markOnline upserts the agent's directory record from its handshake card.
// A stream opening counts as registration; agents that never call the
// registry API still show up in discovery.
func (h *Hub) markOnline(card *protocol.Agent) {
	record := *card
	record.Status = protocol.AgentOnline
	record.LastSeen = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.UpsertAgent(ctx, &record); err != nil {
		h.logger.Warn("marking agent online failed", "agent_id", card.ID, "error", err)
	}
}

// announcePresence fans an agent_joined/agent_left notification out to
// every connected agent except the subject itself.
func (h *Hub) announcePresence(kind string, card *protocol.Agent, except string) {
	payload, err := protocol.Encode(card)
	if err != nil {
		h.logger.Warn("encoding presence card failed", "error", err)
		return
	}

	n := protocol.NewMessage(hubSender, protocol.BroadcastTarget, protocol.MessageTypeNotification)
	n.Payload = map[string]any{"type": kind, "agent": payload}

	raw, err := json.Marshal(n)
	if err != nil {
		h.logger.Warn("encoding presence frame failed", "error", err)
		return
	}

	for _, c := range h.conns.list() {
		if c.agentID == except {
			continue
		}
		if !c.trySend(raw) {
			c.logger.Debug("presence frame dropped, send buffer full", "kind", kind)
		}
	}
}
