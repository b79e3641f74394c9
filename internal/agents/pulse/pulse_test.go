// ABOUTME: Tests for the pulse behavior
// ABOUTME: Covers payload validation, scheduled emission, and relay interpolation

package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/store"
)

type mapMemory map[string]any

func (m mapMemory) Get(_ context.Context, key string) (any, error) { return m[key], nil }
func (m mapMemory) Set(_ context.Context, key string, value any) error {
	m[key] = value
	return nil
}
func (m mapMemory) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}
func (m mapMemory) All(_ context.Context) (map[string]any, error) { return m, nil }

func setupRun(options map[string]any, created *[]*store.Event) *agent.Run {
	a := &store.Agent{
		ID:      "pulse-1",
		Type:    TypeName,
		Name:    "pulse",
		Options: agent.Options(options).Merge(New().DefaultOptions()),
	}
	return agent.NewRun(a, mapMemory{}, nil, func(_ context.Context, payload map[string]any) (*store.Event, error) {
		e := &store.Event{
			ID:        uuid.NewString(),
			AgentID:   a.ID,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		*created = append(*created, e)
		return e, nil
	})
}

func TestValidateOptions(t *testing.T) {
	assert.Empty(t, New().ValidateOptions(New().DefaultOptions()))

	errs := New().ValidateOptions(agent.Options{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "payload is required")

	errs = New().ValidateOptions(agent.Options{"payload": "not an object"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "payload must be an object")
}

func TestCheck_EmitsPayload(t *testing.T) {
	var created []*store.Event
	run := setupRun(map[string]any{"payload": map[string]any{"status": "up"}}, &created)

	require.NoError(t, New().Check(context.Background(), run))
	require.Len(t, created, 1)
	assert.Equal(t, "up", created[0].Payload["status"])
}

func TestReceive_RelaysWithInterpolation(t *testing.T) {
	var created []*store.Event
	run := setupRun(map[string]any{
		"payload": map[string]any{"echo": "{{ status }}"},
	}, &created)

	events := []*store.Event{
		{ID: "ev-1", Payload: map[string]any{"status": "ok"}},
		{ID: "ev-2", Payload: map[string]any{"status": "down"}},
	}
	require.NoError(t, New().Receive(context.Background(), run, events))

	require.Len(t, created, 2)
	assert.Equal(t, "ok", created[0].Payload["echo"])
	assert.Equal(t, "down", created[1].Payload["echo"])
}
