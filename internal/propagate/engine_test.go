// ABOUTME: Tests for the propagation engine's delivery guarantees
// ABOUTME: Covers merged ordering, no-redelivery, failed-batch retry, and disable semantics

package propagate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/runtime"
	"github.com/weftlabs/weft/internal/store"
)

// recordingBehavior captures every Receive batch and can be told to fail.
type recordingBehavior struct {
	batches [][]*store.Event
	fail    error
}

func (r *recordingBehavior) DefaultOptions() agent.Options                        { return agent.Options{} }
func (r *recordingBehavior) ValidateOptions(agent.Options) agent.ValidationErrors { return nil }
func (r *recordingBehavior) Working(context.Context, *agent.Run) bool             { return true }
func (r *recordingBehavior) Check(context.Context, *agent.Run) error              { return nil }
func (r *recordingBehavior) Receive(_ context.Context, _ *agent.Run, events []*store.Event) error {
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, events)
	return nil
}

// wedgedBehavior blocks inside Receive until released.
type wedgedBehavior struct {
	started chan struct{}
	release chan struct{}
}

func (w *wedgedBehavior) DefaultOptions() agent.Options                        { return agent.Options{} }
func (w *wedgedBehavior) ValidateOptions(agent.Options) agent.ValidationErrors { return nil }
func (w *wedgedBehavior) Working(context.Context, *agent.Run) bool             { return true }
func (w *wedgedBehavior) Check(context.Context, *agent.Run) error              { return nil }
func (w *wedgedBehavior) Receive(context.Context, *agent.Run, []*store.Event) error {
	close(w.started)
	<-w.release
	return nil
}

type engineFixture struct {
	store    *store.SQLiteStore
	engine   *Engine
	registry *agent.Registry
	behavior *recordingBehavior
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	behavior := &recordingBehavior{}
	registry := agent.NewRegistry()
	registry.Register("recorder", func() agent.Behavior { return behavior })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	writeEvent := func(ctx context.Context, a *store.Agent, payload map[string]any) (*store.Event, error) {
		e := &store.Event{ID: "created-ev", AgentID: a.ID, Payload: payload, CreatedAt: time.Now().UTC()}
		return e, st.CreateEvent(ctx, e)
	}

	supervisor := runtime.NewSupervisor(registry, st, nil, writeEvent, logger, runtime.Config{})
	engine := NewEngine(st, registry, supervisor, logger, Config{})

	return &engineFixture{store: st, engine: engine, registry: registry, behavior: behavior}
}

func (f *engineFixture) createAgent(t *testing.T, id string, sourceIDs []string) *store.Agent {
	t.Helper()
	return f.createAgentOfType(t, id, "recorder", sourceIDs)
}

func (f *engineFixture) createAgentOfType(t *testing.T, id, agentType string, sourceIDs []string) *store.Agent {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	a := &store.Agent{
		ID:        id,
		Type:      agentType,
		Name:      id,
		Schedule:  "never",
		SourceIDs: sourceIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateAgent(context.Background(), a))
	return a
}

func (f *engineFixture) createEvent(t *testing.T, id, agentID string, at time.Time) {
	t.Helper()
	e := &store.Event{
		ID:        id,
		AgentID:   agentID,
		Payload:   map[string]any{"id": id},
		CreatedAt: at,
	}
	require.NoError(t, f.store.CreateEvent(context.Background(), e))
}

func batchIDs(batch []*store.Event) []string {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return ids
}

func TestEngine_MergedOrderAcrossSources(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src-a", nil)
	f.createAgent(t, "src-b", nil)
	f.createAgent(t, "rcv", []string{"src-a", "src-b"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Interleaved timestamps across the two sources
	f.createEvent(t, "ev-1", "src-a", base)
	f.createEvent(t, "ev-2", "src-b", base.Add(time.Second))
	f.createEvent(t, "ev-3", "src-a", base.Add(2*time.Second))
	f.createEvent(t, "ev-4", "src-b", base.Add(3*time.Second))

	require.NoError(t, f.engine.Propagate(ctx, "rcv"))

	require.Len(t, f.behavior.batches, 1, "one Receive call with the full merged batch")
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3", "ev-4"}, batchIDs(f.behavior.batches[0]))
}

func TestEngine_SameTimestampTieBreaksByID(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src-a", nil)
	f.createAgent(t, "src-b", nil)
	f.createAgent(t, "rcv", []string{"src-a", "src-b"})

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.createEvent(t, "ev-b", "src-b", ts)
	f.createEvent(t, "ev-a", "src-a", ts)

	require.NoError(t, f.engine.Propagate(ctx, "rcv"))

	require.Len(t, f.behavior.batches, 1)
	assert.Equal(t, []string{"ev-a", "ev-b"}, batchIDs(f.behavior.batches[0]))
}

func TestEngine_NoRedelivery(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src", nil)
	f.createAgent(t, "rcv", []string{"src"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.createEvent(t, "ev-1", "src", base)

	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))

	require.Len(t, f.behavior.batches, 1, "already-delivered events must not be redelivered")

	// A newer event arrives: only it is delivered
	f.createEvent(t, "ev-2", "src", base.Add(time.Second))
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))

	require.Len(t, f.behavior.batches, 2)
	assert.Equal(t, []string{"ev-2"}, batchIDs(f.behavior.batches[1]))
}

func TestEngine_FailedBatchRetriedWhole(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src-a", nil)
	f.createAgent(t, "src-b", nil)
	f.createAgent(t, "rcv", []string{"src-a", "src-b"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.createEvent(t, "ev-1", "src-a", base)
	f.createEvent(t, "ev-2", "src-b", base.Add(time.Second))

	f.behavior.fail = errors.New("receiver exploded")
	err := f.engine.Propagate(ctx, "rcv")
	require.Error(t, err)
	assert.Empty(t, f.behavior.batches)

	// No cursor moved for any contributing source
	for _, src := range []string{"src-a", "src-b"} {
		cursor, err := f.store.GetCursor(ctx, src, "rcv")
		require.NoError(t, err)
		assert.True(t, cursor.Last.IsZero(), "cursor for %s must not advance on failure", src)
	}

	// Next pass redelivers the identical full batch
	f.behavior.fail = nil
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	require.Len(t, f.behavior.batches, 1)
	assert.Equal(t, []string{"ev-1", "ev-2"}, batchIDs(f.behavior.batches[0]))
}

func TestEngine_DisabledReceiverFrozen(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src", nil)
	rcv := f.createAgent(t, "rcv", []string{"src"})

	f.createEvent(t, "ev-1", "src", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	rcv.Disabled = true
	require.NoError(t, f.store.UpdateAgent(ctx, rcv))

	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	assert.Empty(t, f.behavior.batches)

	cursor, err := f.store.GetCursor(ctx, "src", "rcv")
	require.NoError(t, err)
	assert.True(t, cursor.Last.IsZero(), "disabled receiver's edges must freeze")

	// Re-enabling resumes delivery from the frozen cursor
	rcv.Disabled = false
	require.NoError(t, f.store.UpdateAgent(ctx, rcv))
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	require.Len(t, f.behavior.batches, 1)
	assert.Equal(t, []string{"ev-1"}, batchIDs(f.behavior.batches[0]))
}

func TestEngine_RemovedEdgeStopsDelivering(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src-a", nil)
	f.createAgent(t, "src-b", nil)
	rcv := f.createAgent(t, "rcv", []string{"src-a", "src-b"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.createEvent(t, "ev-a", "src-a", base)
	f.createEvent(t, "ev-b", "src-b", base.Add(time.Second))

	// Drop the src-b edge before anything was delivered: its queued
	// event never flushes.
	rcv.SourceIDs = []string{"src-a"}
	require.NoError(t, f.store.UpdateAgent(ctx, rcv))

	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	require.Len(t, f.behavior.batches, 1)
	assert.Equal(t, []string{"ev-a"}, batchIDs(f.behavior.batches[0]))
}

func TestEngine_UnknownTypeExcluded(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src", nil)
	rcv := f.createAgent(t, "rcv", []string{"src"})
	rcv.Type = "not_registered"
	require.NoError(t, f.store.UpdateAgent(ctx, rcv))

	f.createEvent(t, "ev-1", "src", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	// Excluded, not an error: no delivery, no cursor movement
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	assert.Empty(t, f.behavior.batches)
}

// relayBehavior hands each Receive batch to the test over a channel.
type relayBehavior struct {
	delivered chan []string
}

func (r *relayBehavior) DefaultOptions() agent.Options                        { return agent.Options{} }
func (r *relayBehavior) ValidateOptions(agent.Options) agent.ValidationErrors { return nil }
func (r *relayBehavior) Working(context.Context, *agent.Run) bool             { return true }
func (r *relayBehavior) Check(context.Context, *agent.Run) error              { return nil }
func (r *relayBehavior) Receive(_ context.Context, _ *agent.Run, events []*store.Event) error {
	r.delivered <- batchIDs(events)
	return nil
}

func TestEngine_HungReceiverDoesNotStallOthers(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	wedged := &wedgedBehavior{started: make(chan struct{}), release: make(chan struct{})}
	relay := &relayBehavior{delivered: make(chan []string, 1)}
	f.registry.Register("wedged", func() agent.Behavior { return wedged })
	f.registry.Register("relay", func() agent.Behavior { return relay })

	f.createAgent(t, "src", nil)
	f.createAgentOfType(t, "stuck", "wedged", []string{"src"})
	f.createAgentOfType(t, "fast", "relay", []string{"src"})

	f.createEvent(t, "ev-1", "src", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	// The pass returns once both receivers are dispatched; it must not
	// wait for the wedged one to finish.
	f.engine.propagateEach(ctx, []string{"stuck", "fast"})
	<-wedged.started

	select {
	case ids := <-relay.delivered:
		assert.Equal(t, []string{"ev-1"}, ids)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy receiver was not delivered to while a peer was wedged")
	}

	close(wedged.release)
	f.engine.inflight.Wait()
}

func TestEngine_MissingReceiverIsNoop(t *testing.T) {
	f := setupEngine(t)
	require.NoError(t, f.engine.Propagate(context.Background(), "ghost"))
}

func TestEngine_BatchLimit(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.createAgent(t, "src", nil)
	f.createAgent(t, "rcv", []string{"src"})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.createEvent(t, fmt.Sprintf("ev-%d", i), "src", base.Add(time.Duration(i)*time.Second))
	}

	f.engine.batchLimit = 2

	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))
	require.NoError(t, f.engine.Propagate(ctx, "rcv"))

	require.Len(t, f.behavior.batches, 3)
	assert.Equal(t, []string{"ev-0", "ev-1"}, batchIDs(f.behavior.batches[0]))
	assert.Equal(t, []string{"ev-2", "ev-3"}, batchIDs(f.behavior.batches[1]))
	assert.Equal(t, []string{"ev-4"}, batchIDs(f.behavior.batches[2]))
}
