package collector

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/config"
	"github.com/domino14/connect4solver/sysmem"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func testOptions() Options {
	return Options{
		FixedCap:      1000,
		CheckInterval: 5 * time.Millisecond,
		MinBytes:      1,
		MinEntries:    1,
		FloorDepth:    14,
	}
}

// finishedLeaves adds n finished, unreferenced records at depth.
func finishedLeaves(c *cache.Cache, depth, n int) {
	for i := 0; i < n; i++ {
		key := board.Hash(i + 1)
		r, _ := c.LookupOrReserve(depth, key, false)
		c.Claim(depth, r, 0)
		c.FinishLost(depth, r, 0)
		c.Release(depth, key)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	is := is.New(t)
	cfg := config.DefaultConfig()
	cfg.Set(config.ConfigMemoryCapMB, 3)
	opts := OptionsFromConfig(cfg)
	is.Equal(opts.FixedCap, uint64(3<<20))
	is.Equal(opts.Margin, uint64(1024<<20))
	is.Equal(opts.FloorDepth, 14)
	is.True(opts.RecreateMaps)
}

func TestMaybeCollectOnlyWhenOverCeiling(t *testing.T) {
	is := is.New(t)
	c := cache.New(board.MaxDepth)
	finishedLeaves(c, 20, 50)
	probe := sysmem.NewFakeProbe(500, 0)
	col := New(c, probe, testOptions())

	is.NoErr(col.MaybeCollect())
	is.Equal(col.State().Runs, 0)
	is.Equal(c.Size(20), 50)

	probe.Set(2000, 0)
	is.True(col.Sample())
	is.NoErr(col.MaybeCollect())
	st := col.State()
	is.Equal(st.Runs, 1)
	is.Equal(st.TotalDeleted, uint64(50))
	is.Equal(st.LastStartDepth, 20)
	is.Equal(st.LastDepthScoured, 20)
	is.Equal(st.Pauses.Count(), 1)
	is.Equal(c.Size(20), 0)
	is.Equal(c.AddedSinceReset(), uint64(0))

	// Too few new entries since the last pass.
	finishedLeaves(c, 21, 10)
	is.NoErr(col.MaybeCollect())
	is.Equal(col.State().Runs, 1)
	finishedLeaves(c, 22, 30)
	is.NoErr(col.MaybeCollect())
	is.Equal(col.State().Runs, 2)
}

func TestCollectReleasesCascadeWhenStoppingEarly(t *testing.T) {
	is := is.New(t)
	c := cache.New(board.MaxDepth)

	parent, _ := c.LookupOrReserve(21, 1000, false)
	c.Claim(21, parent, 0)
	var kids []board.Hash
	for _, k := range []board.Hash{1, 2} {
		r, _ := c.LookupOrReserve(22, k, false)
		c.Claim(22, r, 0)
		c.FinishLost(22, r, 0)
		kids = append(kids, k)
	}
	c.FinishMinimizer(21, parent, 0, 3, kids)
	c.Release(21, 1000)

	opts := testOptions()
	opts.FloorDepth = 21
	col := New(c, sysmem.NewFakeProbe(1<<30, 0), opts)
	is.NoErr(col.Collect())

	is.Equal(c.Size(21), 0)
	is.Equal(col.State().LastDepthScoured, 21)
	for _, k := range kids {
		snap, ok := c.PeekKey(22, k)
		is.True(ok)
		is.Equal(snap.Refs, uint32(0))
	}

	is.NoErr(col.Collect())
	is.Equal(c.Size(22), 0)
	is.Equal(col.State().TotalDeleted, uint64(3))
}

func TestCollectExhausted(t *testing.T) {
	c := cache.New(board.MaxDepth)
	finishedLeaves(c, 30, 5)
	opts := testOptions()
	opts.MinEntries = 1 << 40
	col := New(c, sysmem.NewFakeProbe(1<<30, 0), opts)

	err := col.Collect()
	require.True(t, errors.Is(err, ErrMemoryExhausted))
	require.Equal(t, 0, c.Size(30))
	require.Equal(t, board.MaxDepth, col.State().LastDepthScoured)
}

func TestMonitorTracksProbe(t *testing.T) {
	probe := sysmem.NewFakeProbe(10, 100)
	opts := testOptions()
	opts.FixedCap = 50
	col := New(cache.New(board.MaxDepth), probe, opts)
	require.False(t, col.Sample())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- col.Monitor(ctx) }()

	probe.Set(100, 100)
	require.Eventually(t, func() bool { return col.Used() == 100 }, time.Second, time.Millisecond)
	require.Equal(t, uint64(50), col.Ceiling())

	cancel()
	require.NoError(t, <-done)
}
