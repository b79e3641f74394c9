// ABOUTME: Supervisor wrapping every behavior invocation with validation and failure isolation
// ABOUTME: Serializes runs per agent, recovers panics, and tracks per-agent health

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/store"
)

// RunKind names the invocation being supervised, for logs and errors.
type RunKind string

const (
	RunCheck   RunKind = "check"
	RunReceive RunKind = "receive"
)

// DefaultFailureThreshold is the consecutive-failure count after which
// an agent reports not working. Failures never disable an agent.
const DefaultFailureThreshold = 3

// Config tunes supervisor behavior.
type Config struct {
	// RunTimeout is advisory: a run exceeding it is logged, never
	// aborted, to avoid leaving memory partially written.
	RunTimeout time.Duration

	// FailureThreshold flips Working to false after this many
	// consecutive run failures. Zero means DefaultFailureThreshold.
	FailureThreshold int
}

// Supervisor wraps behavior invocations for every agent: options are
// validated before each run, panics become errors, failures are counted
// per agent, and invocations for one agent never overlap.
type Supervisor struct {
	registry    *agent.Registry
	store       store.Store
	credentials agent.CredentialSource
	writeEvent  func(ctx context.Context, a *store.Agent, payload map[string]any) (*store.Event, error)
	logger      *slog.Logger

	runTimeout       time.Duration
	failureThreshold int

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	health map[string]*agentHealth
}

// agentHealth is the per-agent run outcome record backing Working and
// last-error display.
type agentHealth struct {
	consecutiveFailures int
	lastError           string
	lastErrorAt         time.Time
	lastSuccessAt       time.Time
}

// NewSupervisor creates a supervisor over the given behavior registry
// and store. writeEvent is the platform's event-creation hook, invoked
// whenever a supervised run creates an event.
func NewSupervisor(
	registry *agent.Registry,
	st store.Store,
	credentials agent.CredentialSource,
	writeEvent func(ctx context.Context, a *store.Agent, payload map[string]any) (*store.Event, error),
	logger *slog.Logger,
	cfg Config,
) *Supervisor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Supervisor{
		registry:         registry,
		store:            st,
		credentials:      credentials,
		writeEvent:       writeEvent,
		logger:           logger.With("component", "supervisor"),
		runTimeout:       cfg.RunTimeout,
		failureThreshold: cfg.FailureThreshold,
		locks:            make(map[string]*sync.Mutex),
		health:           make(map[string]*agentHealth),
	}
}

// lockFor returns the mutex serializing invocations for one agent id.
func (s *Supervisor) lockFor(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[agentID] = lock
	}
	return lock
}

// WithAgentLock runs fn while holding the agent's lock, blocking until
// it is available. Propagation passes use this so a receiver's cursor
// reads, Receive call, and cursor advance happen under one exclusion
// with no interleaved check tick.
func (s *Supervisor) WithAgentLock(agentID string, fn func() error) error {
	lock := s.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// TryWithAgentLock is WithAgentLock without blocking: if the agent is
// already running, fn is skipped and false is returned. The scheduler
// uses this so a due agent that is still running is deferred rather
// than queued.
func (s *Supervisor) TryWithAgentLock(agentID string, fn func() error) (bool, error) {
	lock := s.lockFor(agentID)
	if !lock.TryLock() {
		return false, nil
	}
	defer lock.Unlock()
	return true, fn()
}

// Check runs the agent's scheduled check under supervision. The caller
// must already hold the agent's lock (via WithAgentLock or
// TryWithAgentLock).
func (s *Supervisor) Check(ctx context.Context, a *store.Agent) error {
	return s.invoke(ctx, a, RunCheck, func(ctx context.Context, run *agent.Run, b agent.Behavior) error {
		return b.Check(ctx, run)
	})
}

// Receive delivers an ordered event batch to the agent under
// supervision. The caller must already hold the agent's lock.
func (s *Supervisor) Receive(ctx context.Context, a *store.Agent, events []*store.Event) error {
	return s.invoke(ctx, a, RunReceive, func(ctx context.Context, run *agent.Run, b agent.Behavior) error {
		return b.Receive(ctx, run, events)
	})
}

// invoke is the supervised lifecycle shared by Check and Receive:
// resolve the behavior, validate options, run with panic recovery and
// an advisory deadline, and record the outcome.
func (s *Supervisor) invoke(ctx context.Context, a *store.Agent, kind RunKind, fn func(context.Context, *agent.Run, agent.Behavior) error) error {
	behavior, err := s.registry.New(a.Type)
	if err != nil {
		s.logger.Error("agent behavior unavailable", "agent_id", a.ID, "type", a.Type, "error", err)
		return err
	}

	if errs := behavior.ValidateOptions(agent.Options(a.Options)); len(errs) > 0 {
		s.logger.Warn("skipping run, options invalid",
			"agent_id", a.ID, "kind", string(kind), "errors", []string(errs))
		s.recordValidationSkip(a.ID, errs)
		return errs
	}

	run := agent.NewRun(a, &storeMemory{agentID: a.ID, store: s.store}, s.credentials,
		func(ctx context.Context, payload map[string]any) (*store.Event, error) {
			return s.writeEvent(ctx, a, payload)
		})

	if s.runTimeout > 0 {
		timer := time.AfterFunc(s.runTimeout, func() {
			s.logger.Warn("run exceeding advisory timeout",
				"agent_id", a.ID, "kind", string(kind), "timeout", s.runTimeout)
		})
		defer timer.Stop()
	}

	err = s.runRecovered(ctx, run, behavior, kind, fn)
	if err != nil {
		s.recordFailure(a.ID, err)
		s.logger.Error("run failed",
			"agent_id", a.ID, "name", a.Name, "kind", string(kind), "error", err)
		return err
	}

	s.recordSuccess(a.ID)
	return nil
}

// runRecovered executes fn, converting a behavior panic into an error
// so one agent's bug never takes down the scheduler or propagation for
// other agents.
func (s *Supervisor) runRecovered(ctx context.Context, run *agent.Run, b agent.Behavior, kind RunKind, fn func(context.Context, *agent.Run, agent.Behavior) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", kind, r)
		}
	}()
	return fn(ctx, run, b)
}

// Working reports the agent's health: the behavior's own predicate
// gated by the consecutive-failure counter. Observability only.
func (s *Supervisor) Working(ctx context.Context, a *store.Agent) bool {
	s.mu.Lock()
	h := s.health[a.ID]
	failing := h != nil && h.consecutiveFailures >= s.failureThreshold
	s.mu.Unlock()

	if failing {
		return false
	}

	behavior, err := s.registry.New(a.Type)
	if err != nil {
		return false
	}
	run := agent.NewRun(a, &storeMemory{agentID: a.ID, store: s.store}, s.credentials, nil)
	return behavior.Working(ctx, run)
}

// LastFailure returns the most recent run error for display. ok is
// false when the agent has never failed.
func (s *Supervisor) LastFailure(agentID string) (message string, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.health[agentID]
	if h == nil || h.lastError == "" {
		return "", time.Time{}, false
	}
	return h.lastError, h.lastErrorAt, true
}

func (s *Supervisor) healthFor(agentID string) *agentHealth {
	h, ok := s.health[agentID]
	if !ok {
		h = &agentHealth{}
		s.health[agentID] = h
	}
	return h
}

func (s *Supervisor) recordFailure(agentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.healthFor(agentID)
	h.consecutiveFailures++
	h.lastError = err.Error()
	h.lastErrorAt = time.Now()
}

// recordValidationSkip surfaces the problem without counting toward the
// failure threshold: a misconfigured agent is the user's to fix, not a
// runtime fault.
func (s *Supervisor) recordValidationSkip(agentID string, errs agent.ValidationErrors) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.healthFor(agentID)
	h.lastError = errs.Error()
	h.lastErrorAt = time.Now()
}

func (s *Supervisor) recordSuccess(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.healthFor(agentID)
	h.consecutiveFailures = 0
	h.lastSuccessAt = time.Now()
}

// Forget drops lock and health state for a deleted agent.
func (s *Supervisor) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, agentID)
	delete(s.health, agentID)
}
