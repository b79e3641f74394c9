// ABOUTME: Store-backed implementation of the agent.Memory interface
// ABOUTME: Scopes all reads and writes to one agent id

package runtime

import (
	"context"

	"github.com/weftlabs/weft/internal/store"
)

// storeMemory adapts the store's memory operations to the agent.Memory
// interface, pinned to one agent id. Writes are effective immediately
// and durable across ticks and restarts.
type storeMemory struct {
	agentID string
	store   store.Store
}

func (m *storeMemory) Get(ctx context.Context, key string) (any, error) {
	return m.store.GetMemory(ctx, m.agentID, key)
}

func (m *storeMemory) Set(ctx context.Context, key string, value any) error {
	return m.store.SetMemory(ctx, m.agentID, key, value)
}

func (m *storeMemory) Delete(ctx context.Context, key string) error {
	return m.store.DeleteMemory(ctx, m.agentID, key)
}

func (m *storeMemory) All(ctx context.Context) (map[string]any, error) {
	return m.store.AgentMemory(ctx, m.agentID)
}
