// ABOUTME: Store interface and data types for weft persistence
// ABOUTME: Defines Agent, Event, Cursor structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to create an agent whose id already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent is a persisted agent configuration: its behavior type, options,
// cadence, and position in the propagation graph.
type Agent struct {
	ID       string
	Type     string // behavior variant selector, e.g. "gap_detector"
	Name     string
	Options  map[string]any // static configuration, may contain interpolation templates
	Schedule string         // cadence descriptor, or "never" for event-driven-only agents
	Disabled bool

	// PropagateImmediately requests a propagation pass for this agent's
	// receivers as soon as it creates an event, instead of waiting for
	// the next propagation interval.
	PropagateImmediately bool

	// KeepEventsFor bounds event retention for this agent. Zero keeps
	// events until explicitly purged.
	KeepEventsFor time.Duration

	// Graph edges. SourceIDs are agents whose events this agent receives;
	// ReceiverIDs are agents that receive this agent's events.
	SourceIDs   []string
	ReceiverIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is an immutable, agent-attributed payload record.
type Event struct {
	ID        string
	AgentID   string // creating agent
	Payload   map[string]any
	CreatedAt time.Time
}

// EventPointer identifies a position in an agent's event stream. The zero
// value points before the first event. Delivery order is total on
// (created_at, id); event ids are UUIDv7 so the id tiebreak follows
// insertion order.
type EventPointer struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the pointer is the start-of-stream sentinel.
func (p EventPointer) IsZero() bool {
	return p.ID == "" && p.CreatedAt.IsZero()
}

// Cursor tracks delivery progress on one (source, receiver) edge of the
// propagation graph: the last event already delivered on that edge.
type Cursor struct {
	SourceID   string
	ReceiverID string
	Last       EventPointer
}

// Store defines the interface for agent, event, memory, and cursor persistence.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	// DeleteAgent removes the agent, its memory, credentials, links, and
	// cursors. Events it authored are purged only when purgeEvents is set.
	DeleteAgent(ctx context.Context, id string, purgeEvents bool) error
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetLinks(ctx context.Context, agentID string, sourceIDs, receiverIDs []string) error
	ListReceiverIDs(ctx context.Context, sourceID string) ([]string, error)
	ListSourceIDs(ctx context.Context, receiverID string) ([]string, error)

	// Events
	CreateEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	// EventsSince returns the creating agent's events strictly after the
	// pointer, ascending by (created_at, id).
	EventsSince(ctx context.Context, agentID string, after EventPointer, limit int) ([]*Event, error)
	LastEventTime(ctx context.Context, agentID string) (time.Time, bool, error)
	PurgeEventsBefore(ctx context.Context, agentID string, cutoff time.Time) (int64, error)

	// Memory: per-agent durable key-value state. Get returns nil for
	// absent keys; malformed stored values read as absent.
	GetMemory(ctx context.Context, agentID, key string) (any, error)
	SetMemory(ctx context.Context, agentID, key string, value any) error
	DeleteMemory(ctx context.Context, agentID, key string) error
	AgentMemory(ctx context.Context, agentID string) (map[string]any, error)

	// Propagation cursors. GetCursor returns a zero-pointer cursor for
	// edges that have never delivered.
	GetCursor(ctx context.Context, sourceID, receiverID string) (*Cursor, error)
	// AdvanceCursors upserts all given cursors in one transaction, so a
	// delivered batch acknowledges all contributing edges atomically.
	AdvanceCursors(ctx context.Context, cursors []Cursor) error
	DeleteCursorsFor(ctx context.Context, agentID string) error

	// Credentials: opaque per-agent secret lookup.
	SetCredential(ctx context.Context, agentID, name, value string) error
	GetCredential(ctx context.Context, agentID, name string) (string, error)

	// Close releases any resources held by the store
	Close() error
}
