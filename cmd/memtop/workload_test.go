package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmemkit/pkg/kmem"
)

func TestWorkloadStartStop(t *testing.T) {
	sys, err := kmem.Boot(testOptions())
	require.NoError(t, err)
	defer sys.Close()

	w := newWorkload(sys, kmem.StressOptions{Seed: 5, MaxHeld: 64})
	assert.False(t, w.Stop(), "not running yet")

	require.True(t, w.Start())
	assert.False(t, w.Start(), "already running")
	assert.True(t, w.Stats().Running)

	require.Eventually(t, func() bool { return w.Stats().Rounds > 0 }, 5*time.Second, 5*time.Millisecond)
	require.True(t, w.Stop())

	st := w.Stats()
	assert.False(t, st.Running)
	require.NoError(t, st.Err)
	assert.Positive(t, st.Total.Ops)
	assert.Equal(t, st.Total.Allocs, st.Total.Frees, "rounds free everything they allocate")
	assert.Zero(t, st.Total.Corruptions)

	require.NoError(t, sys.Verify(nil))

	// Totals accumulate across restarts.
	require.True(t, w.Start())
	require.Eventually(t, func() bool { return w.Stats().Rounds > st.Rounds }, 5*time.Second, 5*time.Millisecond)
	w.Stop()
	assert.Greater(t, w.Stats().Total.Ops, st.Total.Ops)
}
