// ABOUTME: Scheduler firing check on every non-disabled agent whose cadence has elapsed
// ABOUTME: Skip-on-overlap per agent, bounded worker pool, failure isolation

package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/runtime"
	"github.com/weftlabs/weft/internal/store"
)

// DefaultTick is the scheduler's polling resolution.
const DefaultTick = time.Second

// Config tunes the scheduler.
type Config struct {
	// Tick is the polling resolution. Zero means DefaultTick.
	Tick time.Duration

	// Workers bounds how many agents are checked concurrently in one
	// pass. Zero means 4.
	Workers int
}

// Scheduler drives Check on due agents. Runs for distinct agents happen
// in parallel across a bounded worker pool; a due agent that is still
// running from a previous tick is skipped for this cycle rather than
// queued, so a slow check never piles up behind itself.
type Scheduler struct {
	store      store.Store
	supervisor *runtime.Supervisor
	logger     *slog.Logger

	tick time.Duration
	sem  chan struct{}

	// inflight tracks dispatched checks so shutdown and tests can join
	// on them; passes themselves never do.
	inflight sync.WaitGroup

	mu       sync.Mutex
	lastRun  map[string]time.Time
	cadences map[string]Cadence
}

// NewScheduler creates a scheduler over the given store and supervisor.
func NewScheduler(st store.Store, supervisor *runtime.Supervisor, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Scheduler{
		store:      st,
		supervisor: supervisor,
		logger:     logger.With("component", "scheduler"),
		tick:       cfg.Tick,
		sem:        make(chan struct{}, cfg.Workers),
		lastRun:    make(map[string]time.Time),
		cadences:   make(map[string]Cadence),
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.tick)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Pass(ctx, now)
		}
	}
}

// Pass runs one scheduling cycle at the given instant: every
// non-disabled agent whose cadence has elapsed since its last
// successful check gets a check dispatched. Exported so operator
// tooling and tests can drive the scheduler with a controlled clock.
//
// Dispatched checks are not joined: a pass returns as soon as every due
// agent has a worker, so one slow or hung check never delays the next
// tick for every other agent. TryWithAgentLock inside runCheck keeps
// the hung agent itself from overlapping, and the semaphore bounds how
// many checks run at once (a pass blocks only on slot acquisition).
func (s *Scheduler) Pass(ctx context.Context, now time.Time) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Error("listing agents for scheduling", "error", err)
		return
	}

	for _, a := range agents {
		if a.Disabled {
			continue
		}

		cadence, ok := s.cadenceFor(a)
		if !ok || cadence.IsNever() {
			continue
		}

		if !s.dueAndBaseline(a.ID, cadence, now) {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		s.inflight.Add(1)
		go func(a *store.Agent) {
			defer s.inflight.Done()
			defer func() { <-s.sem }()
			s.runCheck(ctx, a, now)
		}(a)
	}
}

// cadenceFor parses (and caches) the agent's schedule. An unparseable
// schedule is reported and the agent is left un-ticked, never fatal.
func (s *Scheduler) cadenceFor(a *store.Agent) (Cadence, bool) {
	s.mu.Lock()
	cadence, ok := s.cadences[a.Schedule]
	s.mu.Unlock()
	if ok {
		return cadence, true
	}

	cadence, err := Parse(a.Schedule)
	if err != nil {
		s.logger.Warn("agent has invalid schedule, skipping",
			"agent_id", a.ID, "schedule", a.Schedule, "error", err)
		return Cadence{}, false
	}

	s.mu.Lock()
	s.cadences[a.Schedule] = cadence
	s.mu.Unlock()
	return cadence, true
}

// dueAndBaseline decides whether the agent is due. An agent the
// scheduler has never seen is baselined at now and fires after its
// first full cadence, not immediately on process start.
func (s *Scheduler) dueAndBaseline(agentID string, cadence Cadence, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.lastRun[agentID]
	if !seen {
		s.lastRun[agentID] = now
		return false
	}
	return cadence.Due(last, now)
}

// runCheck dispatches one supervised check. If the agent is still
// running from an earlier tick it is skipped, not queued; the tick
// stays un-consumed so a failed or skipped check is retried on the
// next pass.
func (s *Scheduler) runCheck(ctx context.Context, a *store.Agent, now time.Time) {
	ran, err := s.supervisor.TryWithAgentLock(a.ID, func() error {
		return s.supervisor.Check(ctx, a)
	})
	if !ran {
		s.logger.Debug("agent still running, tick skipped", "agent_id", a.ID)
		return
	}
	if err != nil {
		// A validation skip consumes the tick: the options will not fix
		// themselves, so report once per cadence instead of every tick.
		var verrs agent.ValidationErrors
		if errors.As(err, &verrs) {
			s.consumeTick(a.ID, now)
		}
		// Any other failure leaves the tick un-consumed so the agent
		// stays due; the supervisor already logged it.
		return
	}

	s.consumeTick(a.ID, now)
}

func (s *Scheduler) consumeTick(agentID string, now time.Time) {
	s.mu.Lock()
	s.lastRun[agentID] = now
	s.mu.Unlock()
}

// Forget drops scheduling state for a deleted agent.
func (s *Scheduler) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastRun, agentID)
}
