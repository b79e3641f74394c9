// ABOUTME: Tests for agent CRUD, graph links, and deletion semantics
// ABOUTME: Covers the agents and agent_links tables

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// mustCreateAgent inserts a minimal agent row for tests that need one.
func mustCreateAgent(t *testing.T, store *SQLiteStore, id string) *Agent {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	a := &Agent{
		ID:        id,
		Type:      "gap_detector",
		Name:      "agent " + id,
		Schedule:  "never",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateAgent(context.Background(), a))
	return a
}

func TestStore_CreateAgent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	agent := &Agent{
		ID:                   "agent-123",
		Type:                 "gap_detector",
		Name:                 "watch feed",
		Options:              map[string]any{"message": "no data", "window_duration_in_days": "2"},
		Schedule:             "every_10m",
		KeepEventsFor:        30 * 24 * time.Hour,
		PropagateImmediately: true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := store.CreateAgent(ctx, agent)
	require.NoError(t, err)

	retrieved, err := store.GetAgent(ctx, "agent-123")
	require.NoError(t, err)
	assert.Equal(t, "agent-123", retrieved.ID)
	assert.Equal(t, "gap_detector", retrieved.Type)
	assert.Equal(t, "watch feed", retrieved.Name)
	assert.Equal(t, "no data", retrieved.Options["message"])
	assert.Equal(t, "every_10m", retrieved.Schedule)
	assert.Equal(t, 30*24*time.Hour, retrieved.KeepEventsFor)
	assert.True(t, retrieved.PropagateImmediately)
	assert.False(t, retrieved.Disabled)
}

func TestStore_CreateAgent_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateAgent(t, store, "agent-123")

	dup := &Agent{
		ID:        "agent-123",
		Type:      "gap_detector",
		Name:      "duplicate",
		Schedule:  "never",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	err := store.CreateAgent(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestStore_GetAgent_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateAgent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	agent := mustCreateAgent(t, store, "agent-123")
	agent.Name = "renamed"
	agent.Disabled = true
	agent.Options = map[string]any{"message": "updated"}
	agent.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.UpdateAgent(ctx, agent))

	retrieved, err := store.GetAgent(ctx, "agent-123")
	require.NoError(t, err)
	assert.Equal(t, "renamed", retrieved.Name)
	assert.True(t, retrieved.Disabled)
	assert.Equal(t, "updated", retrieved.Options["message"])
}

func TestStore_UpdateAgent_NotFound(t *testing.T) {
	store := setupTestStore(t)

	agent := &Agent{
		ID:        "missing",
		Type:      "gap_detector",
		Name:      "ghost",
		Schedule:  "never",
		UpdatedAt: time.Now().UTC(),
	}
	err := store.UpdateAgent(context.Background(), agent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Links(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateAgent(t, store, "upstream-a")
	mustCreateAgent(t, store, "upstream-b")
	mustCreateAgent(t, store, "downstream")

	err := store.SetLinks(ctx, "downstream", []string{"upstream-a", "upstream-b"}, nil)
	require.NoError(t, err)

	sources, err := store.ListSourceIDs(ctx, "downstream")
	require.NoError(t, err)
	assert.Equal(t, []string{"upstream-a", "upstream-b"}, sources)

	receivers, err := store.ListReceiverIDs(ctx, "upstream-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"downstream"}, receivers)

	// Replacing links drops the old set
	err = store.SetLinks(ctx, "downstream", []string{"upstream-b"}, nil)
	require.NoError(t, err)

	sources, err = store.ListSourceIDs(ctx, "downstream")
	require.NoError(t, err)
	assert.Equal(t, []string{"upstream-b"}, sources)

	receivers, err = store.ListReceiverIDs(ctx, "upstream-a")
	require.NoError(t, err)
	assert.Empty(t, receivers)
}

func TestStore_ListAgents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateAgent(t, store, "agent-1")
	mustCreateAgent(t, store, "agent-2")

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
}

func TestStore_DeleteAgent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateAgent(t, store, "agent-123")
	require.NoError(t, store.SetMemory(ctx, "agent-123", "k", "v"))
	require.NoError(t, store.SetCredential(ctx, "agent-123", "api_key", "secret"))

	event := &Event{
		ID:        "event-1",
		AgentID:   "agent-123",
		Payload:   map[string]any{"n": 1.0},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	// Delete without purging: events survive, scoped state is gone
	require.NoError(t, store.DeleteAgent(ctx, "agent-123", false))

	_, err := store.GetAgent(ctx, "agent-123")
	assert.ErrorIs(t, err, ErrNotFound)

	value, err := store.GetMemory(ctx, "agent-123", "k")
	require.NoError(t, err)
	assert.Nil(t, value)

	_, err = store.GetCredential(ctx, "agent-123", "api_key")
	assert.ErrorIs(t, err, ErrNotFound)

	retained, err := store.GetEvent(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-123", retained.AgentID)
}

func TestStore_DeleteAgent_PurgesEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustCreateAgent(t, store, "agent-123")
	event := &Event{
		ID:        "event-1",
		AgentID:   "agent-123",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	require.NoError(t, store.DeleteAgent(ctx, "agent-123", true))

	_, err := store.GetEvent(ctx, "event-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
