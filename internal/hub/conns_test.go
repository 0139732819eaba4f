// ABOUTME: Tests for the connection table and the non-blocking send path
// ABOUTME: Newest-stream-wins replacement and full-buffer drop semantics

package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableConn(agentID string) *conn {
	return &conn{
		agentID: agentID,
		send:    make(chan []byte, 2),
		done:    make(chan struct{}),
	}
}

func TestConnTable_AddAndGet(t *testing.T) {
	table := newConnTable()
	c := tableConn("agent-a")

	require.Nil(t, table.add(c))
	assert.Same(t, c, table.get("agent-a"))
	assert.Nil(t, table.get("agent-b"))
	assert.Equal(t, 1, table.count())
}

func TestConnTable_NewestStreamWins(t *testing.T) {
	table := newConnTable()
	first := tableConn("agent-a")
	second := tableConn("agent-a")

	require.Nil(t, table.add(first))
	displaced := table.add(second)

	assert.Same(t, first, displaced)
	assert.Same(t, second, table.get("agent-a"))
	assert.Equal(t, 1, table.count())
}

func TestConnTable_RemoveIgnoresReplacedConn(t *testing.T) {
	table := newConnTable()
	first := tableConn("agent-a")
	second := tableConn("agent-a")

	table.add(first)
	table.add(second)

	// The replaced stream tearing down must not evict its replacement
	assert.False(t, table.remove(first))
	assert.Same(t, second, table.get("agent-a"))

	assert.True(t, table.remove(second))
	assert.Nil(t, table.get("agent-a"))
	assert.Equal(t, 0, table.count())
}

func TestConnTable_ListSnapshots(t *testing.T) {
	table := newConnTable()
	table.add(tableConn("a"))
	table.add(tableConn("b"))
	table.add(tableConn("c"))

	listed := table.list()
	require.Len(t, listed, 3)

	ids := make(map[string]bool)
	for _, c := range listed {
		ids[c.agentID] = true
	}
	assert.True(t, ids["a"] && ids["b"] && ids["c"])
}

func TestConn_TrySendDropsWhenBufferFull(t *testing.T) {
	c := tableConn("agent-a")

	assert.True(t, c.trySend([]byte("one")))
	assert.True(t, c.trySend([]byte("two")))
	assert.False(t, c.trySend([]byte("three")), "full buffer should drop, not block")
}

func TestConn_TrySendFailsAfterDone(t *testing.T) {
	c := tableConn("agent-a")
	close(c.done)

	assert.False(t, c.trySend([]byte("frame")))
}
