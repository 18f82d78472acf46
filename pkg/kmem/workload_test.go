package kmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Stress_FixedOps(t *testing.T) {
	for _, tc := range []struct {
		name     string
		tunables Tunables
	}{
		{"default", DefaultTunables()},
		{"debug", DebugTunables()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := smallSMP()
			opts.Tunables = tc.tunables
			sys := bootTest(t, opts)
			cachesBefore := len(sys.Slab().Caches())

			res, err := sys.RunStress(context.Background(), StressOptions{Ops: 3000, Seed: 42, MaxHeld: 128})
			require.NoError(t, err)
			assert.EqualValues(t, 4*3000, res.Ops)
			assert.Positive(t, res.Allocs)
			assert.Positive(t, res.RemoteFrees)
			assert.Equal(t, res.Allocs, res.Frees, "everything allocated was freed")
			assert.Zero(t, res.Corruptions)

			assert.Len(t, sys.Slab().Caches(), cachesBefore, "stress caches are destroyed")
			assert.False(t, sys.Diagnostics().HasAnyIssues())
			requireAllReturned(t, sys)
		})
	}
}

func Test_Stress_UntilCancelled(t *testing.T) {
	sys := bootTest(t, smallSMP())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := sys.RunStress(ctx, StressOptions{Seed: 7})
	require.NoError(t, err)
	assert.Positive(t, res.Ops)
	assert.Equal(t, res.Allocs, res.Frees)
	requireAllReturned(t, sys)
}

func Test_Stress_MemoryPressure(t *testing.T) {
	opts := SMPOptions(1, 2, 4)
	opts.DMALimit = 2 << 20
	sys := bootTest(t, opts)

	res, err := sys.RunStress(context.Background(), StressOptions{
		Ops:          4000,
		Seed:         3,
		MaxKmalloc:   64 << 10,
		MaxPageOrder: 5,
		MaxHeld:      400,
	})
	require.NoError(t, err, "running out of memory is not an error")
	assert.Positive(t, res.OutOfMemory)
	assert.Equal(t, res.Allocs, res.Frees)
	requireAllReturned(t, sys)
}
