package cache

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"lukechampine.com/frand"

	"github.com/domino14/connect4solver/board"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func mustPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	f()
}

func TestLookupOrReserveCountsReferences(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)

	r, created := c.LookupOrReserve(3, 42, false)
	is.True(created)
	r2, created := c.LookupOrReserve(3, 42, false)
	is.True(!created)
	is.Equal(r, r2)
	is.Equal(c.Peek(3, r).Refs, uint32(2))
	is.Equal(c.Peek(3, r).Kind, MinimizerKind)

	c.Release(3, 42)
	c.Release(3, 42)
	is.Equal(c.Peek(3, r).Refs, uint32(0))
	// releasing never deletes
	is.Equal(c.Size(3), 1)
	mustPanic(t, func() { c.Release(3, 42) })

	st := c.Stats()
	is.Equal(st.Lookups, uint64(2))
	is.Equal(st.Hits, uint64(1))
	is.Equal(st.Misses(), uint64(1))
}

func TestStateMachine(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)
	r, _ := c.LookupOrReserve(2, 7, true)

	is.True(c.Claim(2, r, 0))
	is.True(!c.Claim(2, r, 1))                    // owned by someone else
	mustPanic(t, func() { c.Claim(2, r, 0) })     // owned by us already
	mustPanic(t, func() { c.FinishLost(2, r, 1) }) // not the owner

	c.ReleaseWithoutFinish(2, r, 0)
	is.Equal(c.Peek(2, r).State, Unclaimed)
	mustPanic(t, func() { c.ReleaseWithoutFinish(2, r, 0) })

	is.True(c.Claim(2, r, 1))
	c.FinishMaximizer(2, r, 1, 5, 99, true)
	snap := c.Peek(2, r)
	is.Equal(snap.State, Finished)
	is.Equal(snap.MovesToWin, 5)
	is.Equal(snap.Owner, noOwner)
	is.Equal(snap.Payload, Maximizer{Best: 99, HasBest: true})
	is.True(snap.Symmetric)

	is.True(!c.Claim(2, r, 0)) // finished
	mustPanic(t, func() { c.FinishLost(2, r, 1) })
}

func TestPayloadKindMustMatch(t *testing.T) {
	c := New(board.MaxDepth)
	r, _ := c.LookupOrReserve(2, 7, false)
	c.Claim(2, r, 0)
	mustPanic(t, func() { c.FinishMinimizer(2, r, 0, 3, []board.Hash{1, 2}) })
}

func TestWaitAny(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)
	ctx := context.Background()
	r, _ := c.LookupOrReserve(5, 1, false)
	c.Claim(5, r, 1)

	err := c.WaitAny(ctx, 5, []*Record{r}, 20*time.Millisecond, nil)
	is.Equal(err, ErrWaitTimeout)

	var stop sync.WaitGroup
	stop.Add(1)
	go func() {
		defer stop.Done()
		time.Sleep(20 * time.Millisecond)
		c.FinishMinimizer(5, r, 1, 3, nil)
	}()
	is.NoErr(c.WaitAny(ctx, 5, []*Record{r}, 5*time.Second, nil))
	stop.Wait()
	is.Equal(c.Peek(5, r).State, Finished)
}

func TestWaitAnyStops(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)
	r, _ := c.LookupOrReserve(5, 1, false)
	c.Claim(5, r, 1)

	var flag sync.Mutex
	stopped := false
	go func() {
		time.Sleep(20 * time.Millisecond)
		flag.Lock()
		stopped = true
		flag.Unlock()
		c.BroadcastAll()
	}()
	err := c.WaitAny(context.Background(), 5, []*Record{r}, 5*time.Second, func() bool {
		flag.Lock()
		defer flag.Unlock()
		return stopped
	})
	is.Equal(err, ErrStopped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.WaitAny(ctx, 5, []*Record{r}, 5*time.Second, nil)
	is.True(errors.Is(err, context.Canceled))
}

func TestSweepCascades(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)

	// A minimizer at depth 1 holding two maximizer children at depth 2,
	// one of which is shared with another parent.
	parent, _ := c.LookupOrReserve(1, 100, false)
	c.Claim(1, parent, 0)
	a, _ := c.LookupOrReserve(2, 200, false)
	b, _ := c.LookupOrReserve(2, 201, false)
	c.LookupOrReserve(2, 201, false) // second parent

	for _, r := range []*Record{a, b} {
		c.Claim(2, r, 0)
		c.FinishLost(2, r, 0)
	}
	c.FinishMinimizer(1, parent, 0, 3, []board.Hash{200, 201})

	// nothing is collectable while the root reference is held
	res := c.Sweep(1, nil)
	is.Equal(res.Deleted, uint64(0))

	c.Release(1, 100)
	res = c.Sweep(1, nil)
	is.Equal(res.Deleted, uint64(1))
	is.Equal(res.Freed, RecordSize(MinimizerKind))
	is.Equal(res.Cascade, []board.Hash{200, 201})

	res = c.Sweep(2, res.Cascade)
	is.Equal(res.Deleted, uint64(1)) // 201 is still referenced
	_, ok := c.PeekKey(2, 200)
	is.True(!ok)
	snap, ok := c.PeekKey(2, 201)
	is.True(ok)
	is.Equal(snap.Refs, uint32(1))
	is.Equal(c.Stats().Entries(), uint64(1))
}

func TestSweepDropsUnreferencedReservations(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)
	c.LookupOrReserve(4, 9, false)
	r, _ := c.LookupOrReserve(4, 10, false)
	is.True(c.Claim(4, r, 2))

	// 9 was reserved and given up without ever being claimed.
	c.Release(4, 9)
	res := c.Sweep(4, nil)
	is.Equal(res.Deleted, uint64(1))
	is.Equal(res.Freed, reservationSize)
	is.Equal(len(res.Cascade), 0)
	_, ok := c.PeekKey(4, 9)
	is.True(!ok)

	// claimed or referenced records stay
	is.Equal(c.Sweep(4, nil).Deleted, uint64(0))
	c.ReleaseWithoutFinish(4, r, 2)
	is.Equal(c.Sweep(4, nil).Deleted, uint64(0))
	c.Recreate(4)
	is.Equal(c.Size(4), 1)

	c.Release(4, 10)
	is.Equal(c.Sweep(4, nil).Deleted, uint64(1))
	is.Equal(c.Stats().Entries(), uint64(0))

	// A later reservation of the same key starts over.
	r, created := c.LookupOrReserve(4, 9, false)
	is.True(created)
	is.Equal(c.Peek(4, r).Refs, uint32(1))
}

// TestReferenceCountingStress runs random reserve/release/finish/sweep
// sequences from several goroutines and checks that every deletion was
// legal and no count ever underflowed (which would panic).
func TestReferenceCountingStress(t *testing.T) {
	is := is.New(t)
	c := New(6)
	const workers = 4
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 3000; i++ {
				depth := 1 + frand.Intn(4)
				key := board.Hash(frand.Intn(32))
				r, _ := c.LookupOrReserve(depth, key, false)
				if c.Claim(depth, r, w) {
					if frand.Intn(3) == 0 {
						c.ReleaseWithoutFinish(depth, r, w)
					} else {
						c.FinishLost(depth, r, w)
					}
				}
				c.Release(depth, key)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			var pending []board.Hash
			for d := 1; d <= 5; d++ {
				pending = c.Sweep(d, pending).Cascade
			}
		}
	}()
	wg.Wait()

	for d := 1; d <= 5; d++ {
		c.Sweep(d, nil)
	}
	// Every reference was released, so nothing survives a final sweep.
	is.Equal(c.Stats().Entries(), uint64(0))
}

func TestEach(t *testing.T) {
	is := is.New(t)
	c := New(board.MaxDepth)
	for _, k := range []board.Hash{3, 5, 8} {
		c.LookupOrReserve(7, k, false)
	}
	seen := map[board.Hash]uint32{}
	c.Each(7, func(key board.Hash, snap Snapshot) {
		seen[key] = snap.Refs
	})
	is.Equal(seen, map[board.Hash]uint32{3: 1, 5: 1, 8: 1})
}
