package solver

import (
	"context"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
)

// offer builds a split point over the given children of b, taking the
// owner's references the way a search would.
func offer(c *cache.Cache, b board.BitBoard, chain []*splitPoint, cols ...int) *splitPoint {
	depth := b.NumPieces()
	sp := newSplitPoint(depth, cache.KindAt(depth) == cache.MaximizerKind, 0, chain)
	for _, col := range cols {
		nb := b.Child(col)
		rec, _ := c.LookupOrReserve(depth+1, nb.Key(true), nb.Symmetry() == board.Symmetric)
		sp.children = append(sp.children, splitChild{board: nb, key: nb.Key(true), rec: rec})
	}
	return sp
}

func TestSplitBoardTake(t *testing.T) {
	is := is.New(t)
	c := cache.New(board.MaxDepth)
	sb := newSplitBoard()
	sp := offer(c, board.New(), nil, 3, 2)

	_, ok := sb.take(c, 1)
	is.True(!ok)
	sb.publish(sp)

	job, ok := sb.take(c, 1)
	is.True(ok)
	is.Equal(job.child.key, sp.children[0].key)
	snap := c.Peek(1, job.rec)
	is.Equal(snap.Refs, uint32(2))
	is.Equal(snap.Owner, 1)

	job2, ok := sb.take(c, 2)
	is.True(ok)
	is.Equal(job2.child.key, sp.children[1].key)
	_, ok = sb.take(c, 3)
	is.True(!ok) // everything is claimed

	c.ReleaseWithoutFinish(1, job2.rec, 2)
	sp.abandon(c)
	_, ok = sb.take(c, 3)
	is.True(!ok) // given up

	sb.remove(sp)
	is.Equal(sb.count(), 0)
}

func TestSplitBoardPrefersShallowSplits(t *testing.T) {
	is := is.New(t)
	c := cache.New(board.MaxDepth)
	sb := newSplitBoard()

	shallow := offer(c, board.New(), nil, 0, 1)
	deepRoot, err := board.FromMoves(3, 3, 3)
	is.NoErr(err)
	deep := offer(c, deepRoot, shallow.childChain, 0, 1)
	sb.publish(deep)
	sb.publish(shallow)

	job, ok := sb.take(c, 1)
	is.True(ok)
	is.Equal(job.sp, shallow)

	// Giving up the outer split point also gives up everything below it.
	c.ReleaseWithoutFinish(1, job.rec, 1)
	shallow.abandon(c)
	is.True(abandonedChain(deep.childChain))
	_, ok = sb.take(c, 1)
	is.True(!ok)
}

func TestSplitPointDecisive(t *testing.T) {
	is := is.New(t)
	black := newSplitPoint(2, true, 0, nil)
	is.True(black.decisive(1))
	is.True(!black.decisive(3))
	is.True(!black.decisive(board.BlackLost))

	red := newSplitPoint(3, false, 0, nil)
	is.True(red.decisive(board.BlackLost))
	is.True(!red.decisive(0))
}

func TestSplitBoardWait(t *testing.T) {
	is := is.New(t)
	sb := newSplitBoard()
	go func() {
		time.Sleep(5 * time.Millisecond)
		sb.wake()
	}()
	is.NoErr(sb.wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	is.Equal(sb.wait(ctx), context.Canceled)
}
