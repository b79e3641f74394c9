// ABOUTME: Per-agent durable key-value memory operations
// ABOUTME: Values are JSON; absent and malformed keys both read as nil

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetMemory returns the value stored under (agentID, key), or nil when
// the key is absent. A value that no longer parses as JSON also reads
// as nil rather than failing the caller.
func (s *SQLiteStore) GetMemory(ctx context.Context, agentID, key string) (any, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json FROM agent_memory WHERE agent_id = ? AND key = ?`,
		agentID, key).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}

	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		s.logger.Warn("malformed memory value, treating as absent",
			"agent_id", agentID, "key", key)
		return nil, nil
	}
	return value, nil
}

// SetMemory upserts the value stored under (agentID, key)
func (s *SQLiteStore) SetMemory(ctx context.Context, agentID, key string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding memory value: %w", err)
	}

	query := `
		INSERT INTO agent_memory (agent_id, key, value_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		agentID, key, string(valueJSON), time.Now().UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("upserting memory: %w", err)
	}
	return nil
}

// DeleteMemory removes the key from the agent's memory. Deleting an
// absent key is a no-op.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, agentID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE agent_id = ? AND key = ?`, agentID, key); err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	return nil
}

// AgentMemory returns the agent's full memory map. Malformed values are
// skipped for the same reason GetMemory treats them as absent.
func (s *SQLiteStore) AgentMemory(ctx context.Context, agentID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value_json FROM agent_memory WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}
	defer rows.Close()

	memory := make(map[string]any)
	for rows.Next() {
		var key, valueJSON string
		if err := rows.Scan(&key, &valueJSON); err != nil {
			return nil, fmt.Errorf("scanning memory row: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			s.logger.Warn("malformed memory value, skipping",
				"agent_id", agentID, "key", key)
			continue
		}
		memory[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory rows: %w", err)
	}

	return memory, nil
}
