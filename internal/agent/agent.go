// ABOUTME: The behavior contract every agent variant implements
// ABOUTME: Defines Options, ValidationErrors, and the Behavior interface

package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/weftlabs/weft/internal/store"
)

// Options is an agent's static configuration: string keys to arbitrary
// structured values, possibly containing interpolation templates.
type Options map[string]any

// Behavior is the capability set every agent variant implements. A
// behavior's only observable side effects are memory mutation and event
// creation through the Run it is handed; it must not touch any other
// component state.
type Behavior interface {
	// DefaultOptions returns static defaults merged under user-supplied
	// options at creation time.
	DefaultOptions() Options

	// ValidateOptions reports configuration problems. It is pure and is
	// called both before persisting configuration changes and before
	// every run; a run with validation errors is skipped, never fatal.
	ValidateOptions(opts Options) ValidationErrors

	// Working is a health predicate over memory and recent event
	// history. Observability only; it never gates execution.
	Working(ctx context.Context, run *Run) bool

	// Receive is invoked once per propagation cycle with all newly
	// available upstream events, ascending by (created_at, id). It must
	// be idempotent with respect to events it has already processed,
	// tracked via memory.
	Receive(ctx context.Context, run *Run, events []*store.Event) error

	// Check is invoked once per elapsed schedule tick, independent of
	// event arrival.
	Check(ctx context.Context, run *Run) error
}

// ValidationErrors collects configuration problems from ValidateOptions.
// A nil or empty value means the options are acceptable.
type ValidationErrors []string

// Add appends a validation problem.
func (v *ValidationErrors) Add(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v ValidationErrors) Error() string {
	return "invalid options: " + strings.Join(v, "; ")
}

// Merge returns a copy of o with defaults filled in for keys the user
// did not supply. User values always win.
func (o Options) Merge(defaults Options) Options {
	merged := make(Options, len(defaults)+len(o))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range o {
		merged[k] = v
	}
	return merged
}

// Present reports whether the key has a usable value: present, non-nil,
// and not an empty or blank string.
func (o Options) Present(key string) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// String returns the value coerced to a string, or "" when absent.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Float returns the value coerced to a float64. Strings are parsed; the
// bool reports whether a numeric value was obtained.
func (o Options) Float(key string) (float64, bool) {
	v, ok := o[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64: // TOML decodes bare integers as int64
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Bool returns the value read as a boolean. The strings "true" and "1"
// count as true, everything else as false.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}
