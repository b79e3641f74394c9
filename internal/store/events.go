// ABOUTME: Event log operations: append-only creation, since-cursor reads, retention purge
// ABOUTME: Events are totally ordered by (created_at, id) for delivery purposes

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateEvent appends an immutable event to the log. The caller assigns
// the id (UUIDv7) and creation timestamp.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *Event) error {
	payloadJSON, err := json.Marshal(orEmpty(e.Payload))
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	query := `
		INSERT INTO events (id, agent_id, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		string(payloadJSON),
		e.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("created event", "event_id", e.ID, "agent_id", e.AgentID)
	return nil
}

// GetEvent retrieves a single event by id
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	query := `
		SELECT id, agent_id, payload_json, created_at
		FROM events
		WHERE id = ?
	`

	e, err := scanEvent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// EventsSince returns agentID's events strictly after the pointer,
// ascending by (created_at, id). A zero pointer reads from the start of
// the stream. limit <= 0 means no limit.
func (s *SQLiteStore) EventsSince(ctx context.Context, agentID string, after EventPointer, limit int) ([]*Event, error) {
	var args []any
	query := `
		SELECT id, agent_id, payload_json, created_at
		FROM events
		WHERE agent_id = ?
	`
	args = append(args, agentID)

	if !after.IsZero() {
		ts := after.CreatedAt.UTC().Format(timeFormat)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, ts, ts, after.ID)
	}

	query += ` ORDER BY created_at ASC, id ASC`

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return events, nil
}

// LastEventTime returns the creation time of agentID's newest event.
// The bool is false when the agent has never created an event.
func (s *SQLiteStore) LastEventTime(ctx context.Context, agentID string) (time.Time, bool, error) {
	query := `
		SELECT created_at FROM events
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var tsStr string
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&tsStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying last event time: %w", err)
	}

	ts, err := time.Parse(timeFormat, tsStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing created_at: %w", err)
	}
	return ts, true, nil
}

// PurgeEventsBefore deletes agentID's events created before the cutoff,
// returning the number removed. Retention runs independently of
// propagation; cursors pointing at purged events remain valid because
// EventsSince only compares, never dereferences, the pointer.
func (s *SQLiteStore) PurgeEventsBefore(ctx context.Context, agentID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE agent_id = ? AND created_at < ?`,
		agentID, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking purge result: %w", err)
	}

	if n > 0 {
		s.logger.Debug("purged events", "agent_id", agentID, "count", n)
	}
	return n, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var payloadJSON, createdStr string

	err := row.Scan(&e.ID, &e.AgentID, &payloadJSON, &createdStr)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if e.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return e, nil
}
