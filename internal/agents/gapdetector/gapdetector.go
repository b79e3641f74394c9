// ABOUTME: Gap detector behavior: watches an event stream and alerts on gaps
// ABOUTME: Watermark-and-alert pattern over per-agent memory

package gapdetector

import (
	"context"
	"time"

	"github.com/weftlabs/weft/internal/agent"
	"github.com/weftlabs/weft/internal/interpolate"
	"github.com/weftlabs/weft/internal/store"
)

// TypeName is the registered behavior type.
const TypeName = "gap_detector"

// DefaultSchedule is the cadence new gap detectors get when the user
// does not pick one.
const DefaultSchedule = "every_10m"

// Memory keys. The watermark is the newest accounted-for event time in
// unix seconds; alerted_at records when the current gap alert fired and
// re-arms by deletion whenever the watermark advances.
const (
	memNewestEventAt = "newest_event_created_at"
	memAlertedAt     = "alerted_at"
)

// GapDetector watches a stream of incoming events and generates
// "no data" alerts. If the interpolated value_path resolves to an empty
// value, or no events arrive, for window_duration_in_days, one event
// with the configured message is created. alert_on_every_run repeats
// the alert on every check while the gap persists.
type GapDetector struct{}

// New constructs the behavior; registered as the factory for TypeName.
func New() agent.Behavior {
	return &GapDetector{}
}

func (g *GapDetector) DefaultOptions() agent.Options {
	return agent.Options{
		"window_duration_in_days": "2",
		"message":                 "No data has been received!",
		"alert_on_every_run":      false,
	}
}

func (g *GapDetector) ValidateOptions(opts agent.Options) agent.ValidationErrors {
	var errs agent.ValidationErrors

	if !opts.Present("message") {
		errs.Add("message is required")
	}

	if window, ok := opts.Float("window_duration_in_days"); !ok || window <= 0 {
		errs.Add("window_duration_in_days must be provided as an integer or floating point number")
	}

	return errs
}

func (g *GapDetector) Working(context.Context, *agent.Run) bool {
	return true
}

// Receive advances the watermark for every event whose value_path
// resolves to a present value (or unconditionally when no value_path is
// configured), re-arming the alert whenever it moves. Events are
// presented ascending by creation time; the watermark comparison makes
// redelivered events harmless.
func (g *GapDetector) Receive(ctx context.Context, run *agent.Run, events []*store.Event) error {
	for _, event := range events {
		run.SetCurrentEvent(event)

		watermark, err := run.Memory.Get(ctx, memNewestEventAt)
		if err != nil {
			return err
		}
		if watermark == nil {
			if err := run.Memory.Set(ctx, memNewestEventAt, 0); err != nil {
				return err
			}
		}

		opts, err := run.Interpolated(ctx)
		if err != nil {
			return err
		}

		if opts.Present("value_path") && !interpolate.PresentAt(event.Payload, opts.String("value_path")) {
			continue
		}

		newest, _ := toFloat(watermark)
		createdAt := float64(event.CreatedAt.Unix())
		if createdAt > newest {
			if err := run.Memory.Set(ctx, memNewestEventAt, event.CreatedAt.Unix()); err != nil {
				return err
			}
			if err := run.Memory.Delete(ctx, memAlertedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Check fires the gap alert when the watermark is older than the
// configured window and either no alert is armed or alert_on_every_run
// is set.
func (g *GapDetector) Check(ctx context.Context, run *agent.Run) error {
	opts, err := run.Interpolated(ctx)
	if err != nil {
		return err
	}

	windowDays, ok := opts.Float("window_duration_in_days")
	if !ok {
		// ValidateOptions rejects this before a run is attempted.
		return nil
	}
	windowStart := run.Now().Add(-time.Duration(windowDays * 24 * float64(time.Hour)))

	watermark, err := run.Memory.Get(ctx, memNewestEventAt)
	if err != nil {
		return err
	}
	newest, present := toFloat(watermark)
	if !present || !time.Unix(int64(newest), 0).Before(windowStart) {
		return nil
	}

	alerted, err := run.Memory.Get(ctx, memAlertedAt)
	if err != nil {
		return err
	}
	if alerted != nil && !opts.Bool("alert_on_every_run") {
		return nil
	}

	if err := run.Memory.Set(ctx, memAlertedAt, run.Now().Unix()); err != nil {
		return err
	}
	_, err = run.CreateEvent(ctx, map[string]any{
		"message":        opts.String("message"),
		"gap_started_at": newest,
	})
	return err
}

// toFloat reads a numeric memory value. JSON round-trips numbers as
// float64; int64 covers values set in the same process.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
