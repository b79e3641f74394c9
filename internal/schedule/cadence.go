// ABOUTME: Cadence parsing for agent schedules
// ABOUTME: Supports every_<N><unit> shorthands, cron expressions, and the "never" sentinel

package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// Never is the schedule sentinel for agents that are only driven by
// receiving events.
const Never = "never"

var everyPattern = regexp.MustCompile(`^every_(\d+)([smhd])$`)

// Cadence is a parsed schedule descriptor.
type Cadence struct {
	never    bool
	interval time.Duration
	cron     cron.Schedule
}

// Parse interprets a schedule string. Accepted forms:
//   - "never" (also "manually"): the agent is never ticked
//   - "every_<N><unit>" with unit s/m/h/d, e.g. "every_10m"
//   - a standard 5-field cron expression, e.g. "0 3 * * *"
func Parse(schedule string) (Cadence, error) {
	switch schedule {
	case Never, "manually":
		return Cadence{never: true}, nil
	}

	if m := everyPattern.FindStringSubmatch(schedule); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return Cadence{}, fmt.Errorf("invalid schedule %q", schedule)
		}
		var unit time.Duration
		switch m[2] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return Cadence{interval: time.Duration(n) * unit}, nil
	}

	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return Cadence{}, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return Cadence{cron: sched}, nil
}

// IsNever reports whether the cadence is the never-ticked sentinel.
func (c Cadence) IsNever() bool {
	return c.never
}

// Due reports whether the cadence has elapsed at now, given the last
// successful run. lastRun must not be zero; the scheduler baselines
// unseen agents before asking.
func (c Cadence) Due(lastRun, now time.Time) bool {
	switch {
	case c.never:
		return false
	case c.interval > 0:
		return now.Sub(lastRun) >= c.interval
	case c.cron != nil:
		next := c.cron.Next(lastRun)
		return !next.After(now)
	default:
		return false
	}
}
