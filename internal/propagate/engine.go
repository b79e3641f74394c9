// ABOUTME: Propagation engine delivering events from source agents to their receivers
// ABOUTME: Durable per-edge cursors, merged (created_at, id) ordering, no partial-batch acks

package propagate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/runtime"
	"github.com/weftlabs/weft/internal/store"
)

// DefaultInterval is how often a full propagation pass runs when no
// event has requested an immediate one.
const DefaultInterval = 10 * time.Second

// Config tunes the propagation engine.
type Config struct {
	// Interval between full propagation passes. Zero means
	// DefaultInterval.
	Interval time.Duration

	// BatchLimit caps how many events one source contributes to a
	// single Receive batch. Zero means unlimited.
	BatchLimit int

	// Workers bounds how many receivers are propagated concurrently in
	// one pass. Zero means 4.
	Workers int
}

// Engine delivers newly created events to each configured receiver
// exactly once per edge, in ascending (created_at, id) order, merged
// across all of the receiver's sources. A cursor per (source, receiver)
// edge is advanced only after the receiver's Receive returns without
// error, so a failed batch is redelivered whole on the next pass.
type Engine struct {
	store      store.Store
	registry   *agent.Registry
	supervisor *runtime.Supervisor
	logger     *slog.Logger

	interval   time.Duration
	batchLimit int
	sem        chan struct{}

	// inflight tracks dispatched passes so tests can join on them;
	// propagateEach itself never does.
	inflight sync.WaitGroup

	mu    sync.Mutex
	dirty map[string]struct{}
	wake  chan struct{}
}

// NewEngine creates a propagation engine over the given store and
// supervisor.
func NewEngine(st store.Store, registry *agent.Registry, supervisor *runtime.Supervisor, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		store:      st,
		registry:   registry,
		supervisor: supervisor,
		logger:     logger.With("component", "propagate"),
		interval:   cfg.Interval,
		batchLimit: cfg.BatchLimit,
		sem:        make(chan struct{}, cfg.Workers),
		dirty:      make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// MarkDirty requests an immediate propagation pass for the given
// receivers, ahead of the next interval pass. Used when a source with
// propagate_immediately creates an event.
func (e *Engine) MarkDirty(receiverIDs ...string) {
	if len(receiverIDs) == 0 {
		return
	}

	e.mu.Lock()
	for _, id := range receiverIDs {
		e.dirty[id] = struct{}{}
	}
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives propagation until the context is cancelled: a full pass
// every interval, plus immediate passes for receivers marked dirty.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("propagation engine started", "interval", e.interval)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("propagation engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.propagateAll(ctx)
		case <-e.wake:
			e.propagateDirty(ctx)
		}
	}
}

// propagateAll runs one pass over every receiver in the graph. Each
// receiver's failure is isolated: it is logged and the receiver's
// cursors stay put, while every other receiver still gets its batch.
func (e *Engine) propagateAll(ctx context.Context) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		e.logger.Error("listing agents for propagation", "error", err)
		return
	}

	var receivers []string
	for _, a := range agents {
		if len(a.SourceIDs) > 0 {
			receivers = append(receivers, a.ID)
		}
	}
	e.propagateEach(ctx, receivers)
}

// propagateDirty drains the dirty set and propagates just those
// receivers.
func (e *Engine) propagateDirty(ctx context.Context) {
	e.mu.Lock()
	receivers := make([]string, 0, len(e.dirty))
	for id := range e.dirty {
		receivers = append(receivers, id)
	}
	e.dirty = make(map[string]struct{})
	e.mu.Unlock()

	e.propagateEach(ctx, receivers)
}

// propagateEach fans receivers out over a bounded worker pool. Distinct
// receivers run in parallel; the per-agent lock inside Propagate keeps
// any one receiver serialized. Dispatched passes are not joined: a slow
// or hung Receive never holds up the engine loop, only its own worker
// slot, so every other receiver keeps getting interval and dirty passes.
func (e *Engine) propagateEach(ctx context.Context, receiverIDs []string) {
	for _, id := range receiverIDs {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		e.inflight.Add(1)
		go func(receiverID string) {
			defer e.inflight.Done()
			defer func() { <-e.sem }()

			if err := e.Propagate(ctx, receiverID); err != nil {
				e.logger.Warn("propagation pass failed, batch will be retried",
					"receiver_id", receiverID, "error", err)
			}
		}(id)
	}
}

// Propagate runs one propagation pass for a single receiver: gather
// undelivered events from each current source, merge them into one
// chronologically ordered batch, deliver it with a single Receive call,
// and advance every contributing cursor atomically on success.
func (e *Engine) Propagate(ctx context.Context, receiverID string) error {
	receiver, err := e.store.GetAgent(ctx, receiverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// Disabled receivers are excluded from delivery and cursor
	// advancement; their edges freeze until re-enabled.
	if receiver.Disabled {
		return nil
	}

	// An unregistered behavior type excludes the agent from propagation
	// entirely rather than burning retries on it.
	if _, err := e.registry.New(receiver.Type); err != nil {
		e.logger.Error("receiver excluded from propagation",
			"receiver_id", receiverID, "type", receiver.Type, "error", err)
		return nil
	}

	return e.supervisor.WithAgentLock(receiverID, func() error {
		return e.deliverLocked(ctx, receiver)
	})
}

// deliverLocked does the gather/merge/deliver/ack cycle while holding
// the receiver's agent lock, so no check tick interleaves with the
// Receive call or the cursor advance.
func (e *Engine) deliverLocked(ctx context.Context, receiver *store.Agent) error {
	var batch []*store.Event
	latest := make(map[string]store.EventPointer)

	for _, sourceID := range receiver.SourceIDs {
		cursor, err := e.store.GetCursor(ctx, sourceID, receiver.ID)
		if err != nil {
			return err
		}

		events, err := e.store.EventsSince(ctx, sourceID, cursor.Last, e.batchLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			continue
		}

		batch = append(batch, events...)
		last := events[len(events)-1]
		latest[sourceID] = store.EventPointer{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	if len(batch) == 0 {
		return nil
	}

	// Cross-source interleaving is by timestamp, not grouped by source:
	// the receiver sees one chronological stream.
	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].CreatedAt.Equal(batch[j].CreatedAt) {
			return batch[i].CreatedAt.Before(batch[j].CreatedAt)
		}
		return batch[i].ID < batch[j].ID
	})

	if err := e.supervisor.Receive(ctx, receiver, batch); err != nil {
		// No partial acknowledgement: every cursor stays put and the
		// whole batch is retried on the next pass.
		return err
	}

	cursors := make([]store.Cursor, 0, len(latest))
	for sourceID, pointer := range latest {
		cursors = append(cursors, store.Cursor{
			SourceID:   sourceID,
			ReceiverID: receiver.ID,
			Last:       pointer,
		})
	}
	if err := e.store.AdvanceCursors(ctx, cursors); err != nil {
		return err
	}

	e.logger.Debug("delivered batch",
		"receiver_id", receiver.ID, "events", len(batch), "sources", len(latest))
	return nil
}
