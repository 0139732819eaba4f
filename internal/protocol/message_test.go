// ABOUTME: Tests for message construction, validation, and reply correlation
// ABOUTME: Pins the camelCase wire contract for frame JSON

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage("agent-a", "agent-b", MessageTypeRequest)

	require.NotEmpty(t, m.ID)
	assert.Equal(t, "agent-a", m.FromAgent)
	assert.Equal(t, "agent-b", m.ToAgent)
	assert.Equal(t, MessageTypeRequest, m.Type)
	assert.Equal(t, PriorityNormal, m.Metadata.Priority)
	assert.Equal(t, AccessPublic, m.Security.AccessLevel)
	assert.Equal(t, DeliveryPending, m.Status)
	assert.False(t, m.Metadata.Timestamp.IsZero())
	assert.Zero(t, m.RetryCount)

	m2 := NewMessage("agent-a", "agent-b", MessageTypeRequest)
	assert.NotEqual(t, m.ID, m2.ID)
}

func TestReplyCorrelation(t *testing.T) {
	req := NewMessage("agent-a", "agent-b", MessageTypeRequest)
	req.Method = MethodPing
	req.Metadata.SessionID = "sess-1"

	resp := req.Reply("agent-b", map[string]any{"pong": true})
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "agent-b", resp.FromAgent)
	assert.Equal(t, "agent-a", resp.ToAgent)
	assert.Equal(t, req.ID, resp.Metadata.CorrelationID)
	assert.Equal(t, "sess-1", resp.Metadata.SessionID)

	errFrame := req.ErrorReply("agent-b", CodeUnknownMethod, "no handler")
	assert.Equal(t, MessageTypeError, errFrame.Type)
	assert.Equal(t, req.ID, errFrame.Metadata.CorrelationID)
	assert.Equal(t, CodeUnknownMethod, errFrame.ErrorCode())
}

func TestErrorCodeOnlyOnErrorFrames(t *testing.T) {
	m := NewMessage("a", "b", MessageTypeResponse)
	m.Payload = map[string]any{"code": "whatever"}
	assert.Empty(t, m.ErrorCode())
}

func TestMessageValidate(t *testing.T) {
	valid := func() *Message {
		m := NewMessage("agent-a", "agent-b", MessageTypeRequest)
		m.Method = MethodPing
		return m
	}

	tests := []struct {
		name    string
		mutate  func(*Message)
		wantErr bool
	}{
		{"valid request", func(m *Message) {}, false},
		{"missing id", func(m *Message) { m.ID = "" }, true},
		{"missing sender", func(m *Message) { m.FromAgent = "" }, true},
		{"request without method", func(m *Message) { m.Method = "" }, true},
		{"unknown type", func(m *Message) { m.Type = "telegram" }, true},
		{"response without correlation", func(m *Message) {
			m.Type = MessageTypeResponse
			m.Method = ""
		}, true},
		{"notification without method ok", func(m *Message) {
			m.Type = MessageTypeNotification
			m.Method = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidMessage)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMessageWireFieldNames(t *testing.T) {
	m := NewMessage("agent-a", "agent-b", MessageTypeRequest)
	m.Method = MethodPing
	m.Metadata.CorrelationID = "corr-1"
	m.Metadata.SessionID = "sess-1"
	m.Metadata.TTLMillis = 5000

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Contains(t, decoded, "fromAgent")
	assert.Contains(t, decoded, "toAgent")
	assert.Contains(t, decoded, "retryCount")

	meta, ok := decoded["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, meta, "correlationId")
	assert.Contains(t, meta, "sessionId")
	assert.EqualValues(t, 5000, meta["ttl"])

	sec, ok := decoded["security"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "public", sec["accessLevel"])
}

func TestMetadataTTL(t *testing.T) {
	m := Metadata{TTLMillis: 1500}
	assert.Equal(t, 1500, int(m.TTL().Milliseconds()))
	assert.Zero(t, Metadata{}.TTL())
}
