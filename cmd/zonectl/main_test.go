package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/codezone/config"
	"github.com/chazu/codezone/eventlog"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Zone.Size = 256 * 1024
	cfg.Sweeper.MethodsPerStep = 4
	return cfg
}

func TestWorkloadRuns(t *testing.T) {
	w, err := newWorkload(testConfig(), 6, 7)
	require.NoError(t, err)
	defer w.close()
	w.invalidateEvery = 50

	w.run(400)
	require.NoError(t, w.z.Verify())
	require.Greater(t, w.invalidations, 0)

	s := w.z.Stats()
	require.Greater(t, s.Installs, 3)
	require.Positive(t, s.Sweeps)
	require.Zero(t, s.Zombies, "the final flush leaves no zombies behind")

	var kinds = map[eventlog.Kind]bool{}
	for _, e := range w.events.Events() {
		kinds[e.Kind] = true
	}
	require.True(t, kinds[eventlog.CompileBlock])
	require.True(t, kinds[eventlog.Zombie])

	var out bytes.Buffer
	require.NoError(t, w.report(&out))
	require.Contains(t, out.String(), "code cache:")
	require.Contains(t, out.String(), "dispatch: hits=")
}

func TestWorkloadIsDeterministic(t *testing.T) {
	report := func() string {
		w, err := newWorkload(testConfig(), 4, 3)
		require.NoError(t, err)
		defer w.close()
		w.run(200)
		var out bytes.Buffer
		require.NoError(t, w.report(&out))
		return out.String()
	}
	require.Equal(t, report(), report())
}
