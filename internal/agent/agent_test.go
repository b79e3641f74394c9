// ABOUTME: Tests for Options coercion helpers and ValidationErrors
// ABOUTME: Covers merge precedence and present/string/float/bool semantics

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptions_Merge(t *testing.T) {
	defaults := Options{"message": "default", "window": "2"}
	user := Options{"message": "custom"}

	merged := user.Merge(defaults)
	assert.Equal(t, "custom", merged["message"])
	assert.Equal(t, "2", merged["window"])

	// Inputs unchanged
	assert.Equal(t, "default", defaults["message"])
	assert.Len(t, user, 1)
}

func TestOptions_Present(t *testing.T) {
	opts := Options{
		"str":   "value",
		"blank": "  ",
		"empty": "",
		"null":  nil,
		"zero":  0.0,
		"false": false,
	}

	assert.True(t, opts.Present("str"))
	assert.False(t, opts.Present("blank"))
	assert.False(t, opts.Present("empty"))
	assert.False(t, opts.Present("null"))
	assert.True(t, opts.Present("zero"))
	assert.True(t, opts.Present("false"))
	assert.False(t, opts.Present("missing"))
}

func TestOptions_String(t *testing.T) {
	opts := Options{
		"str":   "x",
		"num":   2.5,
		"whole": 3.0,
		"bool":  true,
	}

	assert.Equal(t, "x", opts.String("str"))
	assert.Equal(t, "2.5", opts.String("num"))
	assert.Equal(t, "3", opts.String("whole"))
	assert.Equal(t, "true", opts.String("bool"))
	assert.Equal(t, "", opts.String("missing"))
}

func TestOptions_Float(t *testing.T) {
	opts := Options{
		"num":    2.0,
		"strnum": "3.5",
		"padded": " 4 ",
		"word":   "abc",
	}

	f, ok := opts.Float("num")
	assert.True(t, ok)
	assert.Equal(t, 2.0, f)

	f, ok = opts.Float("strnum")
	assert.True(t, ok)
	assert.Equal(t, 3.5, f)

	f, ok = opts.Float("padded")
	assert.True(t, ok)
	assert.Equal(t, 4.0, f)

	_, ok = opts.Float("word")
	assert.False(t, ok)

	_, ok = opts.Float("missing")
	assert.False(t, ok)
}

func TestOptions_Bool(t *testing.T) {
	opts := Options{
		"t":      true,
		"strT":   "true",
		"one":    "1",
		"strF":   "false",
		"number": 1.0,
	}

	assert.True(t, opts.Bool("t"))
	assert.True(t, opts.Bool("strT"))
	assert.True(t, opts.Bool("one"))
	assert.False(t, opts.Bool("strF"))
	assert.True(t, opts.Bool("number"))
	assert.False(t, opts.Bool("missing"))
}

func TestValidationErrors(t *testing.T) {
	var errs ValidationErrors
	assert.Empty(t, errs)

	errs.Add("message is required")
	errs.Add("window must be positive, got %v", -1)

	assert.Len(t, errs, 2)
	assert.Contains(t, errs.Error(), "message is required")
	assert.Contains(t, errs.Error(), "window must be positive, got -1")
}
