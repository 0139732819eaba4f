// ABOUTME: Conversation groups related messages under a shared session id
// ABOUTME: Messages append in arrival order; the log is never rewritten

package protocol

import "time"

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// Conversation is an append-only message log shared by a set of participants.
// A message joins the log when its metadata sessionId names the conversation.
type Conversation struct {
	ID           string             `json:"id"`
	Participants []string           `json:"participants"`
	Messages     []*Message         `json:"messages"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastActivity time.Time          `json:"lastActivity"`
	Context      map[string]any     `json:"context,omitempty"`
}

// HasParticipant reports whether agentID belongs to the conversation.
func (c *Conversation) HasParticipant(agentID string) bool {
	for _, p := range c.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}
