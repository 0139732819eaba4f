// ABOUTME: Conversation manager: lifecycle and the append-only transcript
// ABOUTME: Appends serialize per conversation so interleaved arrivals never corrupt the log

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/protocol"
)

// ErrConversationNotFound is returned for operations on unknown ids.
var ErrConversationNotFound = errors.New("conversation not found")

// Messenger is the slice of the router the manager sends through.
type Messenger interface {
	Send(msg *protocol.Message) (*protocol.Message, error)
}

// entry pairs a conversation with its own append lock. The table lock only
// covers lookup, so appends to different conversations never contend.
type entry struct {
	mu   sync.Mutex
	conv *protocol.Conversation
}

// Manager tracks the conversations this agent participates in and appends
// inbound session frames to their transcripts.
type Manager struct {
	agentID   string
	messenger Messenger
	logger    *slog.Logger

	mu    sync.Mutex
	convs map[string]*entry
}

// NewManager builds a conversation manager for one agent.
func NewManager(agentID string, messenger Messenger, logger *slog.Logger) *Manager {
	return &Manager{
		agentID:   agentID,
		messenger: messenger,
		logger:    logger.With("component", "conversation"),
		convs:     make(map[string]*entry),
	}
}

// Start opens a conversation with the given participants and notifies each
// of them. The local agent is always a participant.
func (m *Manager) Start(participants []string, contextData map[string]any) (*protocol.Conversation, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("conversation: participants required")
	}

	members := make([]string, 0, len(participants)+1)
	seen := map[string]bool{}
	for _, p := range append([]string{m.agentID}, participants...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		members = append(members, p)
	}

	now := time.Now().UTC()
	conv := &protocol.Conversation{
		ID:           uuid.New().String(),
		Participants: members,
		Status:       protocol.ConversationActive,
		CreatedAt:    now,
		LastActivity: now,
		Context:      contextData,
	}

	m.mu.Lock()
	m.convs[conv.ID] = &entry{conv: conv}
	m.mu.Unlock()

	m.notifyParticipants(protocol.NotifyConversationStarted, conv)
	m.logger.Info("conversation started", "conversation_id", conv.ID, "participants", len(members))
	return snapshot(conv), nil
}

// End moves a conversation to completed and notifies the other
// participants. Ending an already completed conversation is a no-op.
func (m *Manager) End(id string) (*protocol.Conversation, error) {
	m.mu.Lock()
	e, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}

	e.mu.Lock()
	if e.conv.Status == protocol.ConversationCompleted {
		snap := snapshot(e.conv)
		e.mu.Unlock()
		return snap, nil
	}
	e.conv.Status = protocol.ConversationCompleted
	e.conv.LastActivity = time.Now().UTC()
	snap := snapshot(e.conv)
	e.mu.Unlock()

	m.notifyParticipants(protocol.NotifyConversationEnded, snap)
	m.logger.Info("conversation ended", "conversation_id", id)
	return snap, nil
}

// Append adds an inbound frame to the transcript named by sessionID. A frame
// for an unknown session opens a shadow conversation, so arrival order
// between the first message and the started notification does not matter.
// Frames for completed conversations are dropped.
func (m *Manager) Append(_ context.Context, sessionID string, msg *protocol.Message) error {
	e := m.entryFor(sessionID, msg)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv.Status == protocol.ConversationCompleted {
		m.logger.Debug("dropping frame for completed conversation",
			"conversation_id", sessionID, "message_id", msg.ID)
		return nil
	}
	e.conv.Messages = append(e.conv.Messages, msg)
	e.conv.LastActivity = time.Now().UTC()
	return nil
}

// Open tracks a conversation started by a peer. An existing entry wins, so
// duplicate deliveries are harmless.
func (m *Manager) Open(conv *protocol.Conversation) *protocol.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.convs[conv.ID]; ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return snapshot(e.conv)
	}
	snap := snapshot(conv)
	m.convs[conv.ID] = &entry{conv: snap}
	return snapshot(snap)
}

// HandleStarted consumes a conversation_started notification.
func (m *Manager) HandleStarted(_ context.Context, msg *protocol.Message) {
	var conv protocol.Conversation
	if err := protocol.Decode(msg.Payload["conversation"], &conv); err != nil {
		m.logger.Warn("malformed conversation_started payload", "from", msg.FromAgent, "error", err)
		return
	}
	m.Open(&conv)
	m.logger.Info("joined conversation", "conversation_id", conv.ID, "initiator", msg.FromAgent)
}

// HandleEnded consumes a conversation_ended notification.
func (m *Manager) HandleEnded(_ context.Context, msg *protocol.Message) {
	var conv protocol.Conversation
	if err := protocol.Decode(msg.Payload["conversation"], &conv); err != nil {
		m.logger.Warn("malformed conversation_ended payload", "from", msg.FromAgent, "error", err)
		return
	}

	m.mu.Lock()
	e, ok := m.convs[conv.ID]
	m.mu.Unlock()
	if !ok {
		conv.Status = protocol.ConversationCompleted
		m.Open(&conv)
		return
	}

	e.mu.Lock()
	e.conv.Status = protocol.ConversationCompleted
	e.conv.LastActivity = time.Now().UTC()
	e.mu.Unlock()
	m.logger.Info("conversation ended by peer", "conversation_id", conv.ID, "peer", msg.FromAgent)
}

// Get returns a snapshot of one conversation, transcript included.
func (m *Manager) Get(id string) (*protocol.Conversation, error) {
	m.mu.Lock()
	e, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.conv), nil
}

// List returns snapshots of all conversations, oldest first.
func (m *Manager) List() []*protocol.Conversation {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.convs))
	for _, e := range m.convs {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]*protocol.Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, snapshot(e.conv))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// entryFor finds the conversation for a session, opening a shadow entry
// for unknown ids keyed off the frame's endpoints.
func (m *Manager) entryFor(sessionID string, msg *protocol.Message) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.convs[sessionID]; ok {
		return e
	}

	members := make([]string, 0, 2)
	for _, p := range []string{msg.FromAgent, msg.ToAgent} {
		if p != "" {
			members = append(members, p)
		}
	}
	now := time.Now().UTC()
	e := &entry{conv: &protocol.Conversation{
		ID:           sessionID,
		Participants: members,
		Status:       protocol.ConversationActive,
		CreatedAt:    now,
		LastActivity: now,
	}}
	m.convs[sessionID] = e
	return e
}

// notifyParticipants fans the lifecycle notification out to every
// participant but the local agent. The wire copy omits the transcript.
func (m *Manager) notifyParticipants(notifType string, conv *protocol.Conversation) {
	wire := snapshot(conv)
	wire.Messages = nil
	payload, err := protocol.Encode(wire)
	if err != nil {
		m.logger.Warn("encoding conversation failed", "conversation_id", conv.ID, "error", err)
		return
	}

	for _, p := range conv.Participants {
		if p == m.agentID {
			continue
		}
		msg := protocol.NewMessage(m.agentID, p, protocol.MessageTypeNotification)
		msg.Payload = map[string]any{"type": notifType, "conversation": payload}
		if _, err := m.messenger.Send(msg); err != nil {
			m.logger.Warn("conversation notify failed",
				"conversation_id", conv.ID, "participant", p, "error", err)
		}
	}
}

func snapshot(conv *protocol.Conversation) *protocol.Conversation {
	c := *conv
	c.Participants = append([]string(nil), conv.Participants...)
	c.Messages = append([]*protocol.Message(nil), conv.Messages...)
	return &c
}
