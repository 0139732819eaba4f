// ABOUTME: Message is the single frame type exchanged between agents over the hub stream
// ABOUTME: Defines message type/priority/status enums, metadata, and reply construction

package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BroadcastTarget addresses a frame to every connected agent.
const BroadcastTarget = "*"

// MessageType discriminates how a frame is dispatched.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeBroadcast    MessageType = "broadcast"
	MessageTypeError        MessageType = "error"
)

// Priority orders outbound messages for consumers that care; delivery ignores it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AccessLevel tags the sensitivity of a message payload.
type AccessLevel string

const (
	AccessPublic        AccessLevel = "public"
	AccessAuthenticated AccessLevel = "authenticated"
	AccessRestricted    AccessLevel = "restricted"
)

// DeliveryStatus tracks a message through the local send pipeline.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliverySent         DeliveryStatus = "sent"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryAcknowledged DeliveryStatus = "acknowledged"
	DeliveryFailed       DeliveryStatus = "failed"
)

// Request methods every agent serves without registration.
const (
	MethodInitialize      = "initialize"
	MethodPing            = "ping"
	MethodGetCapabilities = "get_capabilities"
	MethodGetStatus       = "get_status"
	MethodAssignTask      = "assign_task"
)

// Notification sub-types carried in payload["type"].
const (
	NotifyAgentJoined         = "agent_joined"
	NotifyAgentLeft           = "agent_left"
	NotifyTaskAssigned        = "task_assigned"
	NotifyTaskCompleted       = "task_completed"
	NotifyTaskCancelled       = "task_cancelled"
	NotifyConversationStarted = "conversation_started"
	NotifyConversationEnded   = "conversation_ended"
)

// Error codes carried in error-frame payloads.
const (
	CodeUnknownMethod    = "unknown_method"
	CodeHandlerError     = "handler_error"
	CodeAgentUnavailable = "agent_unavailable"
	CodeInvalidPayload   = "invalid_payload"
)

// ErrInvalidMessage is returned when a frame fails structural validation.
var ErrInvalidMessage = errors.New("invalid message")

// Metadata rides alongside every message payload.
type Metadata struct {
	Timestamp     time.Time `json:"timestamp"`
	Priority      Priority  `json:"priority"`
	CorrelationID string    `json:"correlationId,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	TTLMillis     int64     `json:"ttl,omitempty"`
}

// TTL converts the wire ttl (milliseconds) to a duration; zero means unset.
func (m Metadata) TTL() time.Duration {
	return time.Duration(m.TTLMillis) * time.Millisecond
}

// Security carries the access level a recipient should enforce.
type Security struct {
	AccessLevel AccessLevel `json:"accessLevel"`
}

// Message is one JSON frame on the hub stream. Wire field names are camelCase.
type Message struct {
	ID         string         `json:"id"`
	FromAgent  string         `json:"fromAgent"`
	ToAgent    string         `json:"toAgent"`
	Type       MessageType    `json:"type"`
	Method     string         `json:"method,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Metadata   Metadata       `json:"metadata"`
	Security   Security       `json:"security"`
	Status     DeliveryStatus `json:"status"`
	RetryCount int            `json:"retryCount"`
}

// NewMessage builds a frame with a fresh id, current timestamp, and defaults.
func NewMessage(from, to string, typ MessageType) *Message {
	return &Message{
		ID:        uuid.New().String(),
		FromAgent: from,
		ToAgent:   to,
		Type:      typ,
		Metadata: Metadata{
			Timestamp: time.Now().UTC(),
			Priority:  PriorityNormal,
		},
		Security: Security{AccessLevel: AccessPublic},
		Status:   DeliveryPending,
	}
}

// Reply builds a response frame correlated to m, addressed back to its sender.
func (m *Message) Reply(from string, payload map[string]any) *Message {
	r := NewMessage(from, m.FromAgent, MessageTypeResponse)
	r.Payload = payload
	r.Metadata.CorrelationID = m.ID
	r.Metadata.SessionID = m.Metadata.SessionID
	return r
}

// ErrorReply builds an error frame correlated to m with a machine-readable code.
func (m *Message) ErrorReply(from, code, detail string) *Message {
	r := NewMessage(from, m.FromAgent, MessageTypeError)
	r.Payload = map[string]any{"code": code, "message": detail}
	r.Metadata.CorrelationID = m.ID
	r.Metadata.SessionID = m.Metadata.SessionID
	return r
}

// ErrorCode extracts the code from an error-frame payload, empty if absent.
func (m *Message) ErrorCode() string {
	if m.Type != MessageTypeError {
		return ""
	}
	code, _ := m.Payload["code"].(string)
	return code
}

// NotificationType extracts payload["type"] from a notification frame.
func (m *Message) NotificationType() string {
	t, _ := m.Payload["type"].(string)
	return t
}

// Validate checks the structural invariants every frame must satisfy.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.FromAgent == "" {
		return fmt.Errorf("%w: missing fromAgent", ErrInvalidMessage)
	}
	switch m.Type {
	case MessageTypeRequest:
		if m.Method == "" {
			return fmt.Errorf("%w: request without method", ErrInvalidMessage)
		}
	case MessageTypeResponse, MessageTypeError:
		if m.Metadata.CorrelationID == "" {
			return fmt.Errorf("%w: %s without correlationId", ErrInvalidMessage, m.Type)
		}
	case MessageTypeNotification, MessageTypeBroadcast:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
