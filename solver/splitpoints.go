package solver

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
)

// Idle workers recheck the board this often even without a new split.
const splitPollInterval = 50 * time.Millisecond

type splitChild struct {
	board board.BitBoard
	key   board.Hash
	rec   *cache.Record
}

// splitPoint is a position whose owner lets idle workers search its
// unresolved children. The owner keeps its references to the children
// until the split point is removed from the board.
type splitPoint struct {
	depth     int
	maximizer bool
	owner     int
	children  []splitChild
	// childChain is the chain a search below this split point checks:
	// every enclosing split point, outermost first, then this one.
	childChain []*splitPoint

	// abandoned is set once, when the owner no longer needs the result
	// of the children, and never cleared.
	abandoned atomic.Bool
}

func newSplitPoint(depth int, maximizer bool, owner int, chain []*splitPoint) *splitPoint {
	sp := &splitPoint{depth: depth, maximizer: maximizer, owner: owner}
	sp.childChain = append(slices.Clip(chain), sp)
	return sp
}

func (sp *splitPoint) String() string {
	return fmt.Sprintf("split(depth=%d owner=%d children=%d)", sp.depth, sp.owner, len(sp.children))
}

// decisive reports whether a child value settles the owner's position on
// its own.
func (sp *splitPoint) decisive(v int) bool {
	if sp.maximizer {
		return v == 1
	}
	return v == board.BlackLost
}

func (sp *splitPoint) abandon(c *cache.Cache) {
	if sp.abandoned.CompareAndSwap(false, true) {
		c.BroadcastAll()
	}
}

func abandonedChain(chain []*splitPoint) bool {
	for _, sp := range chain {
		if sp.abandoned.Load() {
			return true
		}
	}
	return false
}

type splitJob struct {
	sp    *splitPoint
	child splitChild
	rec   *cache.Record
}

// splitBoard lists the split points on offer. Its lock is always taken
// before any cache depth lock.
type splitBoard struct {
	mu     sync.Mutex
	points []*splitPoint
	signal chan struct{}
}

func newSplitBoard() *splitBoard {
	return &splitBoard{signal: make(chan struct{})}
}

func (b *splitBoard) wakeLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *splitBoard) publish(sp *splitPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.points = append(b.points, sp)
	b.wakeLocked()
}

func (b *splitBoard) remove(sp *splitPoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.points = lo.Without(b.points, sp)
}

func (b *splitBoard) wake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakeLocked()
}

func (b *splitBoard) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.points)
}

// take claims an unclaimed child of the shallowest live split point for
// worker and takes a reference to it on the worker's behalf.
func (b *splitBoard) take(c *cache.Cache, worker int) (splitJob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	points := slices.Clone(b.points)
	slices.SortStableFunc(points, func(x, y *splitPoint) int {
		return cmp.Compare(x.depth, y.depth)
	})
	for _, sp := range points {
		if abandonedChain(sp.childChain) {
			continue
		}
		depth := sp.depth + 1
		for _, ch := range sp.children {
			if !c.Claim(depth, ch.rec, worker) {
				continue
			}
			// The owner still holds its reference, so this finds the
			// same record.
			rec, created := c.LookupOrReserve(depth, ch.key, ch.board.Symmetry() == board.Symmetric)
			if created || rec != ch.rec {
				panic(fmt.Sprintf("solver: %v lost child %v", sp, ch.key))
			}
			return splitJob{sp: sp, child: ch, rec: rec}, true
		}
	}
	return splitJob{}, false
}

// wait blocks until a split point is published, the board is woken, the
// poll interval passes or ctx is done.
func (b *splitBoard) wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.signal
	b.mu.Unlock()

	t := time.NewTimer(splitPollInterval)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
