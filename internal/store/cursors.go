// ABOUTME: Propagation cursor operations: per-edge delivery watermarks
// ABOUTME: AdvanceCursors commits a delivered batch's edges in one transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCursor returns the delivery cursor for the (sourceID, receiverID)
// edge. An edge that has never delivered gets a zero-pointer cursor.
func (s *SQLiteStore) GetCursor(ctx context.Context, sourceID, receiverID string) (*Cursor, error) {
	cursor := &Cursor{SourceID: sourceID, ReceiverID: receiverID}

	var lastID, lastCreatedStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_event_id, last_created_at FROM propagation_cursors
		 WHERE source_id = ? AND receiver_id = ?`,
		sourceID, receiverID).Scan(&lastID, &lastCreatedStr)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cursor: %w", err)
	}

	lastCreated, err := time.Parse(timeFormat, lastCreatedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing cursor timestamp: %w", err)
	}

	cursor.Last = EventPointer{CreatedAt: lastCreated, ID: lastID}
	return cursor, nil
}

// AdvanceCursors upserts all given cursors in one transaction. A batch
// delivered to a receiver acknowledges every contributing source edge
// atomically, or none of them.
func (s *SQLiteStore) AdvanceCursors(ctx context.Context, cursors []Cursor) error {
	if len(cursors) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cursor transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)
	query := `
		INSERT INTO propagation_cursors (source_id, receiver_id, last_event_id, last_created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, receiver_id) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			last_created_at = excluded.last_created_at,
			updated_at = excluded.updated_at
	`

	for _, c := range cursors {
		if _, err := tx.ExecContext(ctx, query,
			c.SourceID,
			c.ReceiverID,
			c.Last.ID,
			c.Last.CreatedAt.UTC().Format(timeFormat),
			now,
		); err != nil {
			return fmt.Errorf("upserting cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cursors: %w", err)
	}
	return nil
}

// DeleteCursorsFor removes every cursor where agentID is either end of
// the edge. Used when an agent is deleted.
func (s *SQLiteStore) DeleteCursorsFor(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM propagation_cursors WHERE source_id = ? OR receiver_id = ?`,
		agentID, agentID); err != nil {
		return fmt.Errorf("deleting cursors: %w", err)
	}
	return nil
}
