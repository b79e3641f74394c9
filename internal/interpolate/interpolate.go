// ABOUTME: Interpolation engine resolving option templates at read time
// ABOUTME: Supports {{event.path}}, {{memory.key}}, and {{credential.name}} references

package interpolate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Context carries the values option templates resolve against for one
// invocation: the event currently being processed, the agent's memory,
// and its credential lookup.
type Context struct {
	Event      map[string]any
	Memory     map[string]any
	Credential func(name string) string
}

var tmplPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Map resolves every value in opts against ctx. Pure given (opts, ctx);
// the input map is never mutated. Malformed or unresolvable references
// resolve to empty values, never an error.
func Map(opts map[string]any, ctx Context) map[string]any {
	if opts == nil {
		return nil
	}
	resolved := make(map[string]any, len(opts))
	for k, v := range opts {
		resolved[k] = Value(v, ctx)
	}
	return resolved
}

// Value resolves a single option value. Strings get template expansion;
// maps and slices recurse; everything else passes through as a literal.
func Value(v any, ctx Context) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, ctx)
	case map[string]any:
		return Map(t, ctx)
	case []any:
		resolved := make([]any, len(t))
		for i, item := range t {
			resolved[i] = Value(item, ctx)
		}
		return resolved
	default:
		return v
	}
}

// resolveString expands {{ref}} templates. A string that is exactly one
// template keeps the referenced value's type; mixed text coerces each
// reference to a string.
func resolveString(s string, ctx Context) any {
	match := tmplPattern.FindStringSubmatchIndex(s)
	if match == nil {
		return s
	}

	// Whole-string single template: preserve the looked-up type.
	if match[0] == 0 && match[1] == len(s) {
		value, ok := lookup(s[match[2]:match[3]], ctx)
		if !ok {
			return nil
		}
		return value
	}

	return tmplPattern.ReplaceAllStringFunc(s, func(m string) string {
		ref := strings.TrimSpace(m[2 : len(m)-2])
		value, ok := lookup(ref, ctx)
		if !ok || value == nil {
			return ""
		}
		return coerceString(value)
	})
}

// lookup resolves one template reference against the context. The first
// path segment selects the namespace; a bare path addresses the current
// event's payload, matching how behaviors read upstream values.
func lookup(ref string, ctx Context) (any, bool) {
	switch {
	case ref == "event":
		return ctx.Event, ctx.Event != nil
	case strings.HasPrefix(ref, "event."):
		return ValueAt(ctx.Event, strings.TrimPrefix(ref, "event."))
	case strings.HasPrefix(ref, "memory."):
		return ValueAt(ctx.Memory, strings.TrimPrefix(ref, "memory."))
	case strings.HasPrefix(ref, "credential."):
		if ctx.Credential == nil {
			return nil, false
		}
		name := strings.TrimPrefix(ref, "credential.")
		value := ctx.Credential(name)
		return value, value != ""
	default:
		return ValueAt(ctx.Event, ref)
	}
}

// ValueAt looks up a path inside a structured payload. Paths use gjson
// addressing ("a.b.0.c"); a leading JSONPath-style "$." is accepted and
// stripped. The bool reports whether the path resolved to an existing
// value.
func ValueAt(payload map[string]any, path string) (any, bool) {
	if payload == nil || path == "" {
		return nil, false
	}
	path = strings.TrimPrefix(path, "$.")

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}

	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// PresentAt reports whether the path resolves to a present value:
// existing, non-null, and not a blank string or empty collection. This
// is the presence test behaviors use to gate on upstream payload fields.
func PresentAt(payload map[string]any, path string) bool {
	value, ok := ValueAt(payload, path)
	if !ok {
		return false
	}
	return Present(value)
}

// Present reports whether a resolved value is usable: non-nil, not a
// blank string, not an empty map or slice.
func Present(value any) bool {
	switch t := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func coerceString(value any) string {
	switch t := value.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		encoded, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", t)
	}
}
