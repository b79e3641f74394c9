// ABOUTME: Run is the capability surface handed to a behavior for one invocation
// ABOUTME: Scopes memory, event creation, credentials, and interpolation to the agent

package agent

import (
	"context"
	"time"

	"github.com/weftlabs/weft/internal/interpolate"
	"github.com/weftlabs/weft/internal/store"
)

// Memory is the agent-scoped durable key-value state a behavior may
// read and write during its own invocation. Absent keys read as nil.
type Memory interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]any, error)
}

// CredentialSource is the opaque per-agent secret lookup the core
// consumes but does not implement beyond the store-backed default.
type CredentialSource interface {
	Credential(ctx context.Context, agentID, name string) (string, error)
}

// EventWriter persists a new event for the agent and hands it to the
// propagation engine.
type EventWriter func(ctx context.Context, payload map[string]any) (*store.Event, error)

// Run carries everything a behavior may touch during one Receive or
// Check invocation.
type Run struct {
	Agent *store.Agent

	// Memory is this agent's durable state. No other agent can see it.
	Memory Memory

	// Now is the clock for this run. Injectable so time-window behavior
	// is testable.
	Now func() time.Time

	credentials CredentialSource
	writeEvent  EventWriter
	current     *store.Event
	created     []*store.Event
}

// NewRun builds the capability surface for one invocation.
func NewRun(a *store.Agent, memory Memory, credentials CredentialSource, writeEvent EventWriter) *Run {
	return &Run{
		Agent:       a,
		Memory:      memory,
		Now:         time.Now,
		credentials: credentials,
		writeEvent:  writeEvent,
	}
}

// CreateEvent appends a new event attributed to this agent. The event
// log assigns id and creation timestamp and schedules propagation.
func (r *Run) CreateEvent(ctx context.Context, payload map[string]any) (*store.Event, error) {
	event, err := r.writeEvent(ctx, payload)
	if err != nil {
		return nil, err
	}
	r.created = append(r.created, event)
	return event, nil
}

// CreatedEvents returns the events created so far during this run.
func (r *Run) CreatedEvents() []*store.Event {
	return r.created
}

// Credential returns the named secret scoped to this agent, or "" when
// it does not exist.
func (r *Run) Credential(ctx context.Context, name string) string {
	if r.credentials == nil {
		return ""
	}
	value, err := r.credentials.Credential(ctx, r.Agent.ID, name)
	if err != nil {
		return ""
	}
	return value
}

// SetCurrentEvent makes the given event's payload visible to option
// interpolation. Receive implementations call this as they walk their
// batch; Check runs interpolate with no current event.
func (r *Run) SetCurrentEvent(e *store.Event) {
	r.current = e
}

// Interpolated resolves the agent's options against the current event,
// memory, and credentials at this moment. Resolution happens at read
// time, never at configuration-save time, because the referenced values
// change per invocation.
func (r *Run) Interpolated(ctx context.Context) (Options, error) {
	memory, err := r.Memory.All(ctx)
	if err != nil {
		return nil, err
	}

	ictx := interpolate.Context{
		Memory: memory,
		Credential: func(name string) string {
			return r.Credential(ctx, name)
		},
	}
	if r.current != nil {
		ictx.Event = r.current.Payload
	}

	return Options(interpolate.Map(r.Agent.Options, ictx)), nil
}
