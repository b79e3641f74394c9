// ABOUTME: Pulse behavior: emits a configured payload on every check
// ABOUTME: Relays received events through its interpolated payload template

package pulse

import (
	"context"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/store"
)

// TypeName is the registered behavior type.
const TypeName = "pulse"

// Pulse is a scheduled emitter: every check creates one event with the
// interpolated payload option. When wired downstream of other agents it
// acts as a relay, re-emitting its payload template resolved against
// each received event.
type Pulse struct{}

// New constructs the behavior; registered as the factory for TypeName.
func New() agent.Behavior {
	return &Pulse{}
}

func (p *Pulse) DefaultOptions() agent.Options {
	return agent.Options{
		"payload": map[string]any{"message": "pulse"},
	}
}

func (p *Pulse) ValidateOptions(opts agent.Options) agent.ValidationErrors {
	var errs agent.ValidationErrors

	if !opts.Present("payload") {
		errs.Add("payload is required")
	} else if _, ok := opts["payload"].(map[string]any); !ok {
		errs.Add("payload must be an object")
	}

	return errs
}

func (p *Pulse) Working(context.Context, *agent.Run) bool {
	return true
}

func (p *Pulse) Receive(ctx context.Context, run *agent.Run, events []*store.Event) error {
	for _, event := range events {
		run.SetCurrentEvent(event)
		if err := p.emit(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pulse) Check(ctx context.Context, run *agent.Run) error {
	return p.emit(ctx, run)
}

func (p *Pulse) emit(ctx context.Context, run *agent.Run) error {
	opts, err := run.Interpolated(ctx)
	if err != nil {
		return err
	}

	payload, ok := opts["payload"].(map[string]any)
	if !ok {
		// ValidateOptions rejects this before a run is attempted.
		return nil
	}

	_, err = run.CreateEvent(ctx, payload)
	return err
}
