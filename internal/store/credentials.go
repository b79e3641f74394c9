// ABOUTME: Per-agent credential storage for opaque secret lookup
// ABOUTME: Backs the agent.credential(name) interface consumed by behaviors

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SetCredential upserts a named secret scoped to one agent
func (s *SQLiteStore) SetCredential(ctx context.Context, agentID, name, value string) error {
	query := `
		INSERT INTO credentials (agent_id, name, value)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id, name) DO UPDATE SET value = excluded.value
	`

	if _, err := s.db.ExecContext(ctx, query, agentID, name, value); err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

// GetCredential returns the named secret for the agent.
// Returns ErrNotFound when the credential does not exist.
func (s *SQLiteStore) GetCredential(ctx context.Context, agentID, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE agent_id = ? AND name = ?`,
		agentID, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential: %w", err)
	}
	return value, nil
}
