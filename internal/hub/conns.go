// ABOUTME: Connection table and per-connection write pump for agent streams
// ABOUTME: One registered stream per agent id; writes go through a buffered send channel

package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/protocol"
)

const (
	// sendBufferSize is the per-connection outbound buffer. A full buffer
	// means the agent is too slow; frames are dropped, not queued.
	sendBufferSize = 64

	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
	pingPeriod   = 30 * time.Second
)

// conn is one agent's live stream. The write pump is the only goroutine
// that touches the socket's write side after the handshake.
type conn struct {
	agentID string
	card    *protocol.Agent
	ws      *websocket.Conn
	send    chan []byte
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(card *protocol.Agent, ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{
		agentID: card.ID,
		card:    card,
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		logger:  logger.With("agent_id", card.ID),
		done:    make(chan struct{}),
	}
}

// trySend queues a frame for the write pump without blocking. Returns false
// when the buffer is full or the connection is closing.
func (c *conn) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close tears the connection down. Safe to call from any goroutine, any
// number of times. The write pump exits via done; the read side unblocks
// when the socket closes.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the stream
// alive with periodic pings. Exits on write error, close, or done.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
			return
		}
	}
}

// connTable tracks the live stream for each agent id.
type connTable struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*conn)}
}

// add registers c as the agent's stream. If the agent already had one, the
// old stream is returned so the caller can close it; the newest stream wins.
func (t *connTable) add(c *conn) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.conns[c.agentID]
	t.conns[c.agentID] = c
	return old
}

// remove drops c from the table. Returns false when c was already replaced
// by a newer stream for the same agent, in which case the table is left
// untouched.
func (t *connTable) remove(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.conns[c.agentID]
	if !ok || current != c {
		return false
	}
	delete(t.conns, c.agentID)
	return true
}

func (t *connTable) get(agentID string) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[agentID]
}

// list snapshots the live connections so callers can iterate without
// holding the table lock.
func (t *connTable) list() []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *connTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// closeAll closes every stream and empties the table. Used at shutdown.
func (t *connTable) closeAll() {
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.conns))
	for id, c := range t.conns {
		conns = append(conns, c)
		delete(t.conns, id)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
