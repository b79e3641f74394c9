// ABOUTME: Platform facade wiring store, registry, supervisor, scheduler, and propagation
// ABOUTME: Exposes the create/update/delete/run operations consumed by operator tooling

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/agents/dedup"
	"github.com/weftlabs/weft/internal/agents/gapdetector"
	"github.com/weftlabs/weft/internal/agents/pulse"
	"github.com/weftlabs/weft/internal/propagate"
	"github.com/weftlabs/weft/internal/runtime"
	"github.com/weftlabs/weft/internal/schedule"
	"github.com/weftlabs/weft/internal/store"
)

// ErrNotAuthorized is returned when the actor may not mutate the agent.
var ErrNotAuthorized = errors.New("not authorized")

// ErrAgentDisabled is returned when a manual run targets a disabled agent.
var ErrAgentDisabled = errors.New("agent is disabled")

// DefaultRetentionInterval is how often the event retention sweep runs.
const DefaultRetentionInterval = time.Hour

// Authorizer decides whether an actor may mutate an agent. The platform
// calls it before every mutation but does not implement ownership
// itself; the surrounding application supplies one.
type Authorizer interface {
	Authorize(ctx context.Context, actor, agentID string) error
}

// allowAll is the default authorizer for embedded/single-user use.
type allowAll struct{}

func (allowAll) Authorize(context.Context, string, string) error { return nil }

// storeCredentials adapts the store's credential table to the
// agent.CredentialSource interface.
type storeCredentials struct {
	store store.Store
}

func (c storeCredentials) Credential(ctx context.Context, agentID, name string) (string, error) {
	return c.store.GetCredential(ctx, agentID, name)
}

// Config tunes the platform and its components.
type Config struct {
	Scheduler   schedule.Config
	Propagation propagate.Config
	Supervisor  runtime.Config

	// RetentionInterval is how often expired events are purged. Zero
	// means DefaultRetentionInterval.
	RetentionInterval time.Duration

	// Providers is the set of enabled external auth providers, injected
	// rather than read from ambient global config. The core only
	// reports it; provider-specific integrations live outside.
	Providers []string

	// Authorizer guards mutations. Nil allows everything.
	Authorizer Authorizer
}

// Platform is the event-propagation core: a store-backed agent graph
// driven by a scheduler and a propagation engine, supervised per agent.
type Platform struct {
	store      store.Store
	registry   *agent.Registry
	supervisor *runtime.Supervisor
	scheduler  *schedule.Scheduler
	engine     *propagate.Engine
	authorizer Authorizer
	logger     *slog.Logger

	retentionInterval time.Duration
	providers         map[string]bool
}

// New assembles a platform over the given store with the built-in
// behavior variants registered.
func New(st store.Store, logger *slog.Logger, cfg Config) *Platform {
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = DefaultRetentionInterval
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = allowAll{}
	}

	registry := agent.NewRegistry()
	registry.Register(dedup.TypeName, dedup.New)
	registry.Register(gapdetector.TypeName, gapdetector.New)
	registry.Register(pulse.TypeName, pulse.New)

	p := &Platform{
		store:             st,
		registry:          registry,
		authorizer:        cfg.Authorizer,
		logger:            logger.With("component", "platform"),
		retentionInterval: cfg.RetentionInterval,
		providers:         make(map[string]bool),
	}
	for _, name := range cfg.Providers {
		p.providers[name] = true
	}

	p.supervisor = runtime.NewSupervisor(registry, st, storeCredentials{store: st}, p.writeEvent, logger, cfg.Supervisor)
	p.engine = propagate.NewEngine(st, registry, p.supervisor, logger, cfg.Propagation)
	p.scheduler = schedule.NewScheduler(st, p.supervisor, logger, cfg.Scheduler)

	return p
}

// Registry exposes the behavior registry so embedders can add variants
// before the platform starts.
func (p *Platform) Registry() *agent.Registry {
	return p.registry
}

// ProviderEnabled reports whether the named external auth provider was
// enabled at startup. Display-layer concern; nothing in the core gates
// on it.
func (p *Platform) ProviderEnabled(name string) bool {
	return p.providers[name]
}

// writeEvent is the event-creation hook handed to the supervisor: it
// assigns id and timestamp, appends to the log, and schedules
// propagation for the creator's receivers.
func (p *Platform) writeEvent(ctx context.Context, a *store.Agent, payload map[string]any) (*store.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating event id: %w", err)
	}

	event := &store.Event{
		ID:        id.String(),
		AgentID:   a.ID,
		Payload:   payload,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := p.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	if a.PropagateImmediately {
		receivers, err := p.store.ListReceiverIDs(ctx, a.ID)
		if err != nil {
			p.logger.Warn("listing receivers for immediate propagation",
				"agent_id", a.ID, "error", err)
		} else {
			p.engine.MarkDirty(receivers...)
		}
	}

	return event, nil
}

// CreateAgentParams configures a new agent.
type CreateAgentParams struct {
	Type                 string
	Name                 string
	Options              map[string]any
	Schedule             string
	SourceIDs            []string
	ReceiverIDs          []string
	KeepEventsFor        time.Duration
	PropagateImmediately bool
	Actor                string
}

// CreateAgent validates and persists a new agent. The variant's default
// options are merged under the user's; configuration problems are
// returned as agent.ValidationErrors and nothing is persisted.
func (p *Platform) CreateAgent(ctx context.Context, params CreateAgentParams) (*store.Agent, error) {
	behavior, err := p.registry.New(params.Type)
	if err != nil {
		return nil, err
	}

	if params.Schedule == "" {
		params.Schedule = schedule.Never
	}
	if _, err := schedule.Parse(params.Schedule); err != nil {
		return nil, agent.ValidationErrors{err.Error()}
	}

	merged := agent.Options(params.Options).Merge(behavior.DefaultOptions())
	if errs := behavior.ValidateOptions(merged); len(errs) > 0 {
		return nil, errs
	}

	now := time.Now().UTC().Truncate(time.Second)
	a := &store.Agent{
		ID:                   uuid.NewString(),
		Type:                 params.Type,
		Name:                 params.Name,
		Options:              merged,
		Schedule:             params.Schedule,
		KeepEventsFor:        params.KeepEventsFor,
		PropagateImmediately: params.PropagateImmediately,
		SourceIDs:            params.SourceIDs,
		ReceiverIDs:          params.ReceiverIDs,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := p.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	p.logger.Info("agent created", "agent_id", a.ID, "type", a.Type, "name", a.Name)
	return a, nil
}

// UpdateAgentParams carries the mutable fields of an agent. Nil
// pointers (and nil slices) leave the current value untouched.
type UpdateAgentParams struct {
	Name                 *string
	Options              map[string]any
	Schedule             *string
	Disabled             *bool
	KeepEventsFor        *time.Duration
	PropagateImmediately *bool
	SourceIDs            []string
	ReceiverIDs          []string
	Actor                string
}

// UpdateAgent re-validates and persists configuration changes. Invalid
// options are returned and nothing is persisted.
func (p *Platform) UpdateAgent(ctx context.Context, id string, params UpdateAgentParams) (*store.Agent, error) {
	if err := p.authorizer.Authorize(ctx, params.Actor, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	a, err := p.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	behavior, err := p.registry.New(a.Type)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		a.Name = *params.Name
	}
	if params.Options != nil {
		a.Options = agent.Options(params.Options).Merge(behavior.DefaultOptions())
	}
	if params.Schedule != nil {
		if _, err := schedule.Parse(*params.Schedule); err != nil {
			return nil, agent.ValidationErrors{err.Error()}
		}
		a.Schedule = *params.Schedule
	}
	if params.Disabled != nil {
		a.Disabled = *params.Disabled
	}
	if params.KeepEventsFor != nil {
		a.KeepEventsFor = *params.KeepEventsFor
	}
	if params.PropagateImmediately != nil {
		a.PropagateImmediately = *params.PropagateImmediately
	}
	if params.SourceIDs != nil {
		a.SourceIDs = params.SourceIDs
	}
	if params.ReceiverIDs != nil {
		a.ReceiverIDs = params.ReceiverIDs
	}

	if errs := behavior.ValidateOptions(agent.Options(a.Options)); len(errs) > 0 {
		return nil, errs
	}

	a.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if err := p.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}

	p.logger.Info("agent updated", "agent_id", a.ID, "name", a.Name)
	return a, nil
}

// DeleteAgent removes the agent and its scoped state. Authored events
// are retained unless purgeEvents is set.
func (p *Platform) DeleteAgent(ctx context.Context, id string, purgeEvents bool, actor string) error {
	if err := p.authorizer.Authorize(ctx, actor, id); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	if err := p.store.DeleteAgent(ctx, id, purgeEvents); err != nil {
		return err
	}

	p.supervisor.Forget(id)
	p.scheduler.Forget(id)
	p.logger.Info("agent deleted", "agent_id", id, "purged_events", purgeEvents)
	return nil
}

// GetAgent returns one agent.
func (p *Platform) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	return p.store.GetAgent(ctx, id)
}

// ListAgents returns all agents.
func (p *Platform) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return p.store.ListAgents(ctx)
}

// SetCredential stores a named secret scoped to the agent.
func (p *Platform) SetCredential(ctx context.Context, agentID, name, value, actor string) error {
	if err := p.authorizer.Authorize(ctx, actor, agentID); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return p.store.SetCredential(ctx, agentID, name, value)
}

// RunCheck manually triggers one supervised check, blocking until any
// in-flight run for the agent finishes. Disabled agents are never run.
func (p *Platform) RunCheck(ctx context.Context, agentID string) error {
	a, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Disabled {
		return ErrAgentDisabled
	}

	return p.supervisor.WithAgentLock(a.ID, func() error {
		return p.supervisor.Check(ctx, a)
	})
}

// RunPropagation manually triggers one propagation pass for a receiver.
func (p *Platform) RunPropagation(ctx context.Context, receiverID string) error {
	return p.engine.Propagate(ctx, receiverID)
}

// Working reports the agent's health for display.
func (p *Platform) Working(ctx context.Context, agentID string) (bool, error) {
	a, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return p.supervisor.Working(ctx, a), nil
}

// LastFailure returns the agent's most recent run error for display.
func (p *Platform) LastFailure(agentID string) (string, time.Time, bool) {
	return p.supervisor.LastFailure(agentID)
}

// PurgeExpiredEvents sweeps every agent with a retention window,
// deleting events older than it. Returns the total removed.
func (p *Platform) PurgeExpiredEvents(ctx context.Context) (int64, error) {
	agents, err := p.store.ListAgents(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	now := time.Now().UTC()
	for _, a := range agents {
		if a.KeepEventsFor <= 0 {
			continue
		}
		n, err := p.store.PurgeEventsBefore(ctx, a.ID, now.Add(-a.KeepEventsFor))
		if err != nil {
			p.logger.Error("retention sweep failed", "agent_id", a.ID, "error", err)
			continue
		}
		total += n
	}

	if total > 0 {
		p.logger.Info("retention sweep complete", "events_purged", total)
	}
	return total, nil
}

// Run drives the scheduler, the propagation engine, and the retention
// sweep until the context is cancelled.
func (p *Platform) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		p.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.retentionLoop(ctx)
	}()

	wg.Wait()

	// Cancellation is how the platform shuts down, not a failure.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Platform) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(p.retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PurgeExpiredEvents(ctx); err != nil {
				p.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}
