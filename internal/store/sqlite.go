// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/event/memory/cursor persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is the stored timestamp layout. Always UTC so the string
// ordering in SQL matches chronological ordering.
const timeFormat = time.RFC3339

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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
			id                    TEXT PRIMARY KEY,
			type                  TEXT NOT NULL,
			name                  TEXT NOT NULL,
			options_json          TEXT NOT NULL DEFAULT '{}',
			schedule              TEXT NOT NULL DEFAULT 'never',
			disabled              INTEGER NOT NULL DEFAULT 0,
			propagate_immediately INTEGER NOT NULL DEFAULT 0,
			keep_events_seconds   INTEGER NOT NULL DEFAULT 0,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_links (
			source_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			receiver_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,

			PRIMARY KEY (source_id, receiver_id)
		);

		CREATE INDEX IF NOT EXISTS idx_links_receiver ON agent_links(receiver_id);

		-- Events deliberately carry no foreign key to agents: an agent may
		-- be deleted while its authored events are retained.
		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_agent_created
			ON events(agent_id, created_at, id);

		CREATE TABLE IF NOT EXISTS agent_memory (
			agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			key        TEXT NOT NULL,
			value_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (agent_id, key)
		);

		CREATE TABLE IF NOT EXISTS propagation_cursors (
			source_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			last_event_id   TEXT NOT NULL,
			last_created_at TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (source_id, receiver_id)
		);

		CREATE TABLE IF NOT EXISTS credentials (
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name     TEXT NOT NULL,
			value    TEXT NOT NULL,

			PRIMARY KEY (agent_id, name)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateAgent persists a new agent and its graph links.
// Returns ErrDuplicateAgent if the id is already taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, a *Agent) error {
	optionsJSON, err := json.Marshal(orEmpty(a.Options))
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}

	query := `
		INSERT INTO agents (id, type, name, options_json, schedule, disabled,
			propagate_immediately, keep_events_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.Type,
		a.Name,
		string(optionsJSON),
		a.Schedule,
		boolToInt(a.Disabled),
		boolToInt(a.PropagateImmediately),
		int64(a.KeepEventsFor/time.Second),
		a.CreatedAt.UTC().Format(timeFormat),
		a.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	if err := s.SetLinks(ctx, a.ID, a.SourceIDs, a.ReceiverIDs); err != nil {
		return err
	}

	s.logger.Debug("created agent", "agent_id", a.ID, "type", a.Type, "name", a.Name)
	return nil
}

// GetAgent retrieves a single agent by id, including its graph links
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, type, name, options_json, schedule, disabled,
		       propagate_immediately, keep_events_seconds, created_at, updated_at
		FROM agents
		WHERE id = ?
	`

	a, err := s.scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if a.SourceIDs, err = s.ListSourceIDs(ctx, id); err != nil {
		return nil, err
	}
	if a.ReceiverIDs, err = s.ListReceiverIDs(ctx, id); err != nil {
		return nil, err
	}

	return a, nil
}

// UpdateAgent persists changes to an existing agent's configuration and links
func (s *SQLiteStore) UpdateAgent(ctx context.Context, a *Agent) error {
	optionsJSON, err := json.Marshal(orEmpty(a.Options))
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}

	query := `
		UPDATE agents
		SET type = ?, name = ?, options_json = ?, schedule = ?, disabled = ?,
		    propagate_immediately = ?, keep_events_seconds = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		a.Type,
		a.Name,
		string(optionsJSON),
		a.Schedule,
		boolToInt(a.Disabled),
		boolToInt(a.PropagateImmediately),
		int64(a.KeepEventsFor/time.Second),
		a.UpdatedAt.UTC().Format(timeFormat),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return s.SetLinks(ctx, a.ID, a.SourceIDs, a.ReceiverIDs)
}

// DeleteAgent removes an agent and its scoped state. Memory, credentials,
// and links cascade; cursors on either side of the agent are removed
// explicitly. Authored events survive unless purgeEvents is set.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string, purgeEvents bool) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := s.DeleteCursorsFor(ctx, id); err != nil {
		return err
	}

	if purgeEvents {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("purging agent events: %w", err)
		}
	}

	s.logger.Debug("deleted agent", "agent_id", id, "purged_events", purgeEvents)
	return nil
}

// ListAgents retrieves all agents, including graph links, ordered by creation time
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, type, name, options_json, schedule, disabled,
		       propagate_immediately, keep_events_seconds, created_at, updated_at
		FROM agents
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := s.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}

	for _, a := range agents {
		if a.SourceIDs, err = s.ListSourceIDs(ctx, a.ID); err != nil {
			return nil, err
		}
		if a.ReceiverIDs, err = s.ListReceiverIDs(ctx, a.ID); err != nil {
			return nil, err
		}
	}

	return agents, nil
}

// SetLinks replaces the agent's graph edges with the given source and receiver sets
func (s *SQLiteStore) SetLinks(ctx context.Context, agentID string, sourceIDs, receiverIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning link transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_links WHERE source_id = ? OR receiver_id = ?`, agentID, agentID); err != nil {
		return fmt.Errorf("clearing links: %w", err)
	}

	for _, src := range sourceIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_links (source_id, receiver_id) VALUES (?, ?)`, src, agentID); err != nil {
			return fmt.Errorf("inserting source link: %w", err)
		}
	}
	for _, rcv := range receiverIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_links (source_id, receiver_id) VALUES (?, ?)`, agentID, rcv); err != nil {
			return fmt.Errorf("inserting receiver link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing links: %w", err)
	}
	return nil
}

// ListReceiverIDs returns the ids of agents configured to receive events from sourceID
func (s *SQLiteStore) ListReceiverIDs(ctx context.Context, sourceID string) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT receiver_id FROM agent_links WHERE source_id = ? ORDER BY receiver_id`, sourceID)
}

// ListSourceIDs returns the ids of agents whose events receiverID consumes
func (s *SQLiteStore) ListSourceIDs(ctx context.Context, receiverID string) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT source_id FROM agent_links WHERE receiver_id = ? ORDER BY source_id`, receiverID)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning link row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link rows: %w", err)
	}
	return ids, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanAgent
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var optionsJSON, createdStr, updatedStr string
	var disabled, propagateImmediately int
	var keepSeconds int64

	err := row.Scan(
		&a.ID,
		&a.Type,
		&a.Name,
		&optionsJSON,
		&a.Schedule,
		&disabled,
		&propagateImmediately,
		&keepSeconds,
		&createdStr,
		&updatedStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent row: %w", err)
	}

	if err := json.Unmarshal([]byte(optionsJSON), &a.Options); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}

	a.Disabled = disabled != 0
	a.PropagateImmediately = propagateImmediately != 0
	a.KeepEventsFor = time.Duration(keepSeconds) * time.Second

	if a.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(timeFormat, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return a, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether the error is a SQLite unique
// constraint failure. modernc.org/sqlite does not export a typed error
// for this, so match on the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
