// ABOUTME: Frame routing between agent streams: direct relay, broadcast fan-out
// ABOUTME: Unroutable frames come back as correlated agent_unavailable errors

package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/protocol"
	"github.com/2389/parley/internal/store"
)

// relay routes one inbound frame. Frames are forwarded verbatim; the hub
// parses them only to route and validate, never to rewrite.
func (h *Hub) relay(src *conn, msg *protocol.Message, raw []byte) {
	start := time.Now()

	if err := msg.Validate(); err != nil {
		h.reject(src, msg, protocol.CodeInvalidPayload, err.Error())
		return
	}
	if msg.FromAgent != src.agentID {
		h.reject(src, msg, protocol.CodeInvalidPayload, "fromAgent does not match the stream's agent")
		return
	}

	if h.dedupe.Seen(msg.ID) {
		src.logger.Debug("dropping duplicate frame", "message_id", msg.ID)
		h.metrics.FramesRelayed.WithLabelValues(string(msg.Type), metrics.OutcomeRejected).Inc()
		return
	}

	if err := h.validator.ValidateMessage(msg); err != nil {
		h.reject(src, msg, protocol.CodeInvalidPayload, err.Error())
		return
	}

	switch {
	case msg.ToAgent == hubSender:
		h.answerHubFrame(src, msg)
	case msg.ToAgent == protocol.BroadcastTarget || msg.Type == protocol.MessageTypeBroadcast:
		h.fanOut(src, msg, raw, start)
	default:
		h.forward(src, msg, raw, start)
	}
}

// forward delivers a frame to its addressed agent. A disconnected target
// yields a correlated agent_unavailable error so the sender's pending
// request fails fast instead of waiting out its timeout.
func (h *Hub) forward(src *conn, msg *protocol.Message, raw []byte, start time.Time) {
	target := h.conns.get(msg.ToAgent)
	if target == nil {
		src.logger.Debug("target not connected", "to", msg.ToAgent, "message_id", msg.ID)
		h.metrics.FramesRelayed.WithLabelValues(string(msg.Type), metrics.OutcomeUnroutable).Inc()
		h.sendErrorFrame(src, msg, protocol.CodeAgentUnavailable, "agent "+msg.ToAgent+" is not connected")
		return
	}

	if !target.trySend(raw) {
		target.logger.Warn("frame dropped, send buffer full", "message_id", msg.ID)
		h.metrics.FramesRelayed.WithLabelValues(string(msg.Type), metrics.OutcomeRejected).Inc()
		return
	}

	h.metrics.FramesRelayed.WithLabelValues(string(msg.Type), metrics.OutcomeDelivered).Inc()
	h.metrics.RelayLatency.Observe(time.Since(start).Seconds())
	h.feed.Publish(FeedEvent{Kind: FeedFrameRelayed, AgentID: src.agentID, MessageID: msg.ID, Detail: msg.ToAgent})
	h.audit(&store.RelayEntry{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		FromAgent: msg.FromAgent,
		ToAgent:   msg.ToAgent,
		Type:      string(msg.Type),
		Method:    msg.Method,
		CreatedAt: time.Now().UTC(),
	})
}

// fanOut copies a broadcast frame to every connected agent except the
// sender. Slow receivers lose the frame rather than stalling the rest.
func (h *Hub) fanOut(src *conn, msg *protocol.Message, raw []byte, start time.Time) {
	delivered := 0
	for _, c := range h.conns.list() {
		if c.agentID == src.agentID {
			continue
		}
		if c.trySend(raw) {
			delivered++
		} else {
			c.logger.Debug("broadcast frame dropped, send buffer full", "message_id", msg.ID)
		}
	}

	src.logger.Debug("broadcast fanned out", "message_id", msg.ID, "delivered", delivered)
	h.metrics.FramesRelayed.WithLabelValues(string(msg.Type), metrics.OutcomeBroadcast).Inc()
	h.metrics.RelayLatency.Observe(time.Since(start).Seconds())
	h.feed.Publish(FeedEvent{Kind: FeedFrameRelayed, AgentID: src.agentID, MessageID: msg.ID, Detail: protocol.BroadcastTarget})
	h.audit(&store.RelayEntry{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		FromAgent: msg.FromAgent,
		ToAgent:   protocol.BroadcastTarget,
		Type:      string(msg.Type),
		Method:    msg.Method,
		CreatedAt: time.Now().UTC(),
	})
}

// answerHubFrame handles frames addressed to the hub itself. The hub
// serves exactly one method, initialize, and that is consumed during the
// handshake; anything else is unknown.
func (h *Hub) answerHubFrame(src *conn, msg *protocol.Message) {
	if msg.Type == protocol.MessageTypeRequest {
		h.sendErrorFrame(src, msg, protocol.CodeUnknownMethod, "hub does not serve method "+msg.Method)
		return
	}
	src.logger.Debug("dropping non-request frame addressed to hub", "type", msg.Type, "message_id", msg.ID)
}

// reject logs an invalid frame and answers it with a correlated error
// frame. Validation is advisory: the stream stays open.
func (h *Hub) reject(src *conn, msg *protocol.Message, code, detail string) {
	src.logger.Warn("rejecting frame", "message_id", msg.ID, "code", code, "detail", detail)
	h.metrics.FramesRelayed.WithLabelValues(string(msg.Type), metrics.OutcomeRejected).Inc()
	if msg.ID == "" {
		return
	}
	h.sendErrorFrame(src, msg, code, detail)
}

// sendErrorFrame answers msg with an error frame over the sender's own
// stream, whatever the frame claimed as its fromAgent.
func (h *Hub) sendErrorFrame(src *conn, msg *protocol.Message, code, detail string) {
	reply := msg.ErrorReply(hubSender, code, detail)
	reply.ToAgent = src.agentID

	raw, err := json.Marshal(reply)
	if err != nil {
		src.logger.Warn("encoding error frame failed", "error", err)
		return
	}
	if !src.trySend(raw) {
		src.logger.Debug("error frame dropped, send buffer full", "message_id", msg.ID)
	}
}
