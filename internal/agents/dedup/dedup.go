// ABOUTME: De-duplication behavior: relays only events not seen before
// ABOUTME: Keeps a bounded insertion-ordered list of seen keys in agent memory

package dedup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/interpolate"
	"github.com/weftlabs/weft/internal/store"
)

// TypeName is the registered behavior type.
const TypeName = "dedup"

// memSeen holds the seen keys, oldest first. The list is trimmed to
// lookback entries so memory stays bounded; once a key falls off the
// front, a matching event would be relayed again.
const memSeen = "seen"

// DefaultLookback is how many distinct keys are remembered when the
// user does not configure lookback.
const DefaultLookback = 100

// Dedup relays each received event unless its key was already seen.
// The key is the value at value_path, or the whole payload when no
// value_path is configured.
type Dedup struct{}

// New constructs the behavior; registered as the factory for TypeName.
func New() agent.Behavior {
	return &Dedup{}
}

func (d *Dedup) DefaultOptions() agent.Options {
	return agent.Options{
		"lookback": fmt.Sprintf("%d", DefaultLookback),
	}
}

func (d *Dedup) ValidateOptions(opts agent.Options) agent.ValidationErrors {
	var errs agent.ValidationErrors

	if lookback, ok := opts.Float("lookback"); !ok || lookback < 1 {
		errs.Add("lookback must be a positive number")
	}

	return errs
}

func (d *Dedup) Working(context.Context, *agent.Run) bool {
	return true
}

// Check does nothing; dedup agents are receiver-only.
func (d *Dedup) Check(context.Context, *agent.Run) error {
	return nil
}

// Receive relays events whose key has not been seen, then records the
// key. Seen keys survive restarts because they live in agent memory,
// so a redelivered batch never produces duplicate output.
func (d *Dedup) Receive(ctx context.Context, run *agent.Run, events []*store.Event) error {
	opts, err := run.Interpolated(ctx)
	if err != nil {
		return err
	}

	lookback, ok := opts.Float("lookback")
	if !ok || lookback < 1 {
		lookback = DefaultLookback
	}

	seen, err := seenKeys(ctx, run)
	if err != nil {
		return err
	}

	index := make(map[string]bool, len(seen))
	for _, key := range seen {
		index[key] = true
	}

	changed := false
	for _, event := range events {
		key, err := eventKey(event, opts.String("value_path"))
		if err != nil {
			return err
		}
		if index[key] {
			continue
		}

		run.SetCurrentEvent(event)
		if _, err := run.CreateEvent(ctx, event.Payload); err != nil {
			return err
		}

		index[key] = true
		seen = append(seen, key)
		changed = true
	}

	if !changed {
		return nil
	}

	// Oldest keys fall off the front.
	if limit := int(lookback); len(seen) > limit {
		seen = seen[len(seen)-limit:]
	}
	return run.Memory.Set(ctx, memSeen, seen)
}

// eventKey derives the dedup key for one event. An absent value_path
// value keys on the empty string, so all such events collapse together.
func eventKey(event *store.Event, valuePath string) (string, error) {
	if valuePath == "" {
		encoded, err := json.Marshal(event.Payload)
		if err != nil {
			return "", fmt.Errorf("encoding payload key: %w", err)
		}
		return string(encoded), nil
	}

	value, ok := interpolate.ValueAt(event.Payload, valuePath)
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("%v", value), nil
}

// seenKeys reads the stored key list, tolerating the JSON round-trip
// turning it into []any.
func seenKeys(ctx context.Context, run *agent.Run) ([]string, error) {
	raw, err := run.Memory.Get(ctx, memSeen)
	if err != nil {
		return nil, err
	}

	switch t := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		keys := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys, nil
	default:
		return nil, nil
	}
}
