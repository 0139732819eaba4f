// ABOUTME: Tests for the SQLite registry store using temp databases
// ABOUTME: Covers upsert idempotency, liveness maintenance, and the relay audit log

package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/protocol"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(id string) *protocol.Agent {
	return &protocol.Agent{
		ID:           id,
		Name:         "agent-" + id,
		Capabilities: []string{"echo", "translate"},
		Status:       protocol.AgentOnline,
		LastSeen:     time.Now().UTC().Truncate(time.Second),
		Metadata: protocol.AgentMetadata{
			Version:      "1.0.0",
			RegisteredAt: time.Now().UTC().Truncate(time.Second),
		},
	}
}

func TestUpsertAndGetAgent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	agent := testAgent("a1")
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
	assert.Equal(t, agent.Name, got.Name)
	assert.Equal(t, agent.Capabilities, got.Capabilities)
	assert.Equal(t, protocol.AgentOnline, got.Status)
	assert.Equal(t, "1.0.0", got.Metadata.Version)
}

func TestUpsertAgentIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	agent := testAgent("a1")
	require.NoError(t, s.UpsertAgent(ctx, agent))

	first, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)

	// Re-register with new capabilities; registered_at must survive.
	again := testAgent("a1")
	again.Capabilities = []string{"echo", "summarize"}
	again.Metadata.RegisteredAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.UpsertAgent(ctx, again))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "summarize"}, got.Capabilities)
	assert.Equal(t, first.Metadata.RegisteredAt, got.Metadata.RegisteredAt)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestGetAgentNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAgentsOrdered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c3", "a1", "b2"} {
		require.NoError(t, s.UpsertAgent(ctx, testAgent(id)))
	}

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, "agent-a1", agents[0].Name)
	assert.Equal(t, "agent-b2", agents[1].Name)
	assert.Equal(t, "agent-c3", agents[2].Name)
}

func TestTouchAgent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, testAgent("a1")))

	seenAt := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, s.TouchAgent(ctx, "a1", protocol.AgentBusy, seenAt))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentBusy, got.Status)
	assert.Equal(t, seenAt, got.LastSeen)
}

func TestTouchAgentNotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.TouchAgent(context.Background(), "missing", protocol.AgentOnline, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAgent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, testAgent("a1")))
	require.NoError(t, s.DeleteAgent(ctx, "a1"))

	_, err := s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteAgent(ctx, "a1"))
}

func TestMarkOfflineBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stale := testAgent("stale")
	stale.LastSeen = time.Now().UTC().Add(-10 * time.Minute)
	fresh := testAgent("fresh")
	require.NoError(t, s.UpsertAgent(ctx, stale))
	require.NoError(t, s.UpsertAgent(ctx, fresh))

	changed, err := s.MarkOfflineBefore(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, changed)

	got, err := s.GetAgent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentOffline, got.Status)

	got, err = s.GetAgent(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, protocol.AgentOnline, got.Status)

	// Second sweep changes nothing.
	changed, err = s.MarkOfflineBefore(ctx, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, changed)
}

func TestPruneAgentsBefore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ancient := testAgent("ancient")
	ancient.LastSeen = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.UpsertAgent(ctx, ancient))
	require.NoError(t, s.UpsertAgent(ctx, testAgent("fresh")))

	removed, err := s.PruneAgentsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = s.GetAgent(ctx, "ancient")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelayLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		entry := &RelayEntry{
			ID:        fmt.Sprintf("log-%d", i),
			MessageID: fmt.Sprintf("msg-%d", i),
			FromAgent: "a1",
			ToAgent:   "b2",
			Type:      "request",
			Method:    "ping",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendRelayLog(ctx, entry))
	}

	entries, err := s.RecentRelayLog(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "msg-4", entries[0].MessageID)
	assert.Equal(t, "msg-2", entries[2].MessageID)
}
