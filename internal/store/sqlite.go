// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides registry directory persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/parley/internal/protocol"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			capabilities  TEXT NOT NULL DEFAULT '[]',
			status        TEXT NOT NULL DEFAULT 'offline',
			last_seen     DATETIME NOT NULL,
			version       TEXT NOT NULL DEFAULT '',
			registered_at DATETIME NOT NULL,
			labels        TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_agents_last_seen
			ON agents(last_seen);

		CREATE TABLE IF NOT EXISTS relay_log (
			id         TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent   TEXT NOT NULL,
			type       TEXT NOT NULL,
			method     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_relay_log_created
			ON relay_log(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertAgent inserts or updates a directory record. Re-registering an
// existing id refreshes everything except registered_at, which keeps the
// first registration time.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *protocol.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	labels, err := json.Marshal(agent.Metadata.Labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	registeredAt := agent.Metadata.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	lastSeen := agent.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	query := `
		INSERT INTO agents (id, name, capabilities, status, last_seen, version, registered_at, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_seen = excluded.last_seen,
			version = excluded.version,
			labels = excluded.labels
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		string(caps),
		string(agent.Status),
		lastSeen.UTC().Format(time.RFC3339),
		agent.Metadata.Version,
		registeredAt.UTC().Format(time.RFC3339),
		string(labels),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// GetAgent retrieves a single directory record by id.
// Returns ErrNotFound if the agent does not exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*protocol.Agent, error) {
	query := `
		SELECT id, name, capabilities, status, last_seen, version, registered_at, labels
		FROM agents
		WHERE id = ?
	`
	return s.scanAgent(s.db.QueryRowContext(ctx, query, id))
}

// ListAgents returns every directory record ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*protocol.Agent, error) {
	query := `
		SELECT id, name, capabilities, status, last_seen, version, registered_at, labels
		FROM agents
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*protocol.Agent
	for rows.Next() {
		agent, err := s.scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// TouchAgent refreshes an agent's status and last_seen.
// Returns ErrNotFound if the agent does not exist.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id string, status protocol.AgentStatus, seenAt time.Time) error {
	query := `UPDATE agents SET status = ?, last_seen = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(status),
		seenAt.UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes a directory record. Deleting an unknown id is a no-op.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return nil
}

// MarkOfflineBefore flips agents whose last_seen predates cutoff to offline.
// Returns the number of records changed.
func (s *SQLiteStore) MarkOfflineBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE agents SET status = 'offline' WHERE last_seen < ? AND status != 'offline'`

	res, err := s.db.ExecContext(ctx, query, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("marking stale agents offline: %w", err)
	}
	return res.RowsAffected()
}

// PruneAgentsBefore deletes agents whose last_seen predates cutoff.
// Returns the number of records removed.
func (s *SQLiteStore) PruneAgentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE last_seen < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning agents: %w", err)
	}
	return res.RowsAffected()
}

// AppendRelayLog records one relayed frame in the audit log.
func (s *SQLiteStore) AppendRelayLog(ctx context.Context, entry *RelayEntry) error {
	query := `
		INSERT INTO relay_log (id, message_id, from_agent, to_agent, type, method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.MessageID,
		entry.FromAgent,
		entry.ToAgent,
		entry.Type,
		entry.Method,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending relay log: %w", err)
	}
	return nil
}

// RecentRelayLog returns the newest audit entries, most recent first.
func (s *SQLiteStore) RecentRelayLog(ctx context.Context, limit int) ([]*RelayEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, message_id, from_agent, to_agent, type, method, created_at
		FROM relay_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying relay log: %w", err)
	}
	defer rows.Close()

	var entries []*RelayEntry
	for rows.Next() {
		var entry RelayEntry
		var createdAtStr string
		if err := rows.Scan(
			&entry.ID,
			&entry.MessageID,
			&entry.FromAgent,
			&entry.ToAgent,
			&entry.Type,
			&entry.Method,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning relay entry: %w", err)
		}
		if entry.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing relay entry timestamp: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// rowScanner lets one scan helper serve both QueryRow and Query paths
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*protocol.Agent, error) {
	agent, err := s.scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return agent, err
}

func (s *SQLiteStore) scanAgentRow(row rowScanner) (*protocol.Agent, error) {
	var agent protocol.Agent
	var caps, labels, lastSeenStr, registeredAtStr, status string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&caps,
		&status,
		&lastSeenStr,
		&agent.Metadata.Version,
		&registeredAtStr,
		&labels,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	agent.Status = protocol.AgentStatus(status)
	if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &agent.Metadata.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels: %w", err)
	}
	if agent.LastSeen, err = time.Parse(time.RFC3339, lastSeenStr); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if agent.Metadata.RegisteredAt, err = time.Parse(time.RFC3339, registeredAtStr); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	return &agent, nil
}
