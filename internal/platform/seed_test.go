// ABOUTME: Tests for TOML seed-file loading
// ABOUTME: Exercises name-based linking, credentials, and seed validation failures

package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeedFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSeed(t *testing.T) {
	p, st := setupPlatform(t, Config{})
	ctx := context.Background()

	path := writeSeedFile(t, `
[[agents]]
name = "heartbeat"
type = "pulse"
schedule = "every_5m"
propagate_immediately = true
keep_events_for = "720h"
receivers = ["watchdog"]

[agents.options.payload]
message = "beat"

[agents.credentials]
api_token = "s3cret"

[[agents]]
name = "watchdog"
type = "gap_detector"
schedule = "every_10m"
sources = ["heartbeat"]

[agents.options]
window_duration_in_days = "1"
message = "heartbeat stopped"
`)

	created, err := p.Seed(ctx, path)
	require.NoError(t, err)
	require.Len(t, created, 2)

	heartbeat, watchdog := created[0], created[1]
	assert.Equal(t, "heartbeat", heartbeat.Name)
	assert.Equal(t, "every_5m", heartbeat.Schedule)
	assert.True(t, heartbeat.PropagateImmediately)
	assert.Equal(t, 720*time.Hour, heartbeat.KeepEventsFor)

	receivers, err := st.ListReceiverIDs(ctx, heartbeat.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{watchdog.ID}, receivers)

	token, err := st.GetCredential(ctx, heartbeat.ID, "api_token")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", token)

	assert.Equal(t, "heartbeat stopped", watchdog.Options["message"])
}

func TestSeed_DisabledAgent(t *testing.T) {
	p, _ := setupPlatform(t, Config{})

	path := writeSeedFile(t, `
[[agents]]
name = "paused"
type = "pulse"
disabled = true
`)

	created, err := p.Seed(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, created[0].Disabled)
}

func TestSeed_LinksDeclaredFromEitherEndMerge(t *testing.T) {
	p, st := setupPlatform(t, Config{})
	ctx := context.Background()

	// beeper declares its edge to watchdog itself; sensor's edge is
	// declared only from watchdog's side. Both must survive linking.
	path := writeSeedFile(t, `
[[agents]]
name = "beeper"
type = "pulse"
receivers = ["watchdog"]

[[agents]]
name = "sensor"
type = "pulse"

[[agents]]
name = "watchdog"
type = "gap_detector"
sources = ["sensor"]

[agents.options]
window_duration_in_days = "1"
`)

	created, err := p.Seed(ctx, path)
	require.NoError(t, err)
	require.Len(t, created, 3)
	beeper, sensor, watchdog := created[0], created[1], created[2]

	sources, err := st.ListSourceIDs(ctx, watchdog.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{beeper.ID, sensor.ID}, sources)

	receivers, err := st.ListReceiverIDs(ctx, sensor.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{watchdog.ID}, receivers)
}

func TestSeed_UnknownLinkTarget(t *testing.T) {
	p, _ := setupPlatform(t, Config{})

	path := writeSeedFile(t, `
[[agents]]
name = "orphan"
type = "pulse"
sources = ["ghost"]
`)

	_, err := p.Seed(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown agent "ghost"`)
}

func TestSeed_DuplicateName(t *testing.T) {
	p, _ := setupPlatform(t, Config{})

	path := writeSeedFile(t, `
[[agents]]
name = "twin"
type = "pulse"

[[agents]]
name = "twin"
type = "pulse"
`)

	_, err := p.Seed(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestSeed_InvalidOptions(t *testing.T) {
	p, _ := setupPlatform(t, Config{})

	path := writeSeedFile(t, `
[[agents]]
name = "broken"
type = "gap_detector"

[agents.options]
window_duration_in_days = "none"
`)

	_, err := p.Seed(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window_duration_in_days")
}
