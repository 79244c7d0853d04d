package solver

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/config"
	"github.com/domino14/connect4solver/sortnet"
)

// span is the slice of overall progress one position accounts for. Only
// the worker driving the root carries a non-empty span.
type span struct {
	base, width float64
}

type child struct {
	col   int
	board board.BitBoard
	key   board.Hash
	rec   *cache.Record
	// resolved children have had their value folded in. held children
	// still owe the cache one reference.
	resolved bool
	held     bool
}

// node is the state of one search call.
type node struct {
	s         *Solver
	w         *worker
	depth     int
	rec       *cache.Record
	maximizer bool
	chain     []*splitPoint
	prog      span

	kids      [board.Width]child
	n         int
	width     int
	orderBuf  [board.Width]int
	order     []int
	remaining int

	// value is black's best distance so far: the minimum of child+1 for
	// black, the maximum for red.
	value int
	best  int

	sp        *splitPoint
	published bool
}

// search evaluates the position b at depth, whose record rec the worker
// has claimed and holds a reference to. It always leaves rec finished or,
// when it returns an error, unclaimed again.
func (s *Solver) search(ctx context.Context, w *worker, depth int, b board.BitBoard, rec *cache.Record, chain []*splitPoint, prog span) (int, error) {
	if err := s.interrupted(ctx, chain); err != nil {
		s.cache.ReleaseWithoutFinish(depth, rec, w.id)
		s.abandoned.Add(1)
		return 0, err
	}
	s.nodes.Add(1)
	if b.Symmetry() == board.Symmetric {
		s.symmetric.Add(1)
	}
	if depth == board.MaxDepth {
		return s.searchLast(w, depth, b, rec)
	}

	n := &node{
		s:         s,
		w:         w,
		depth:     depth,
		rec:       rec,
		maximizer: cache.KindAt(depth) == cache.MaximizerKind,
		chain:     chain,
		prog:      prog,
		width:     b.NumChildren(),
		best:      -1,
	}
	if n.maximizer {
		n.value = board.BlackLost
	}
	if v, ok := n.expand(b); ok {
		return v, s.collect()
	}
	n.orderChildren()
	return n.run(ctx)
}

// searchLast handles the deepest cached ply. Black moves once more and
// either wins on the spot or never will.
func (s *Solver) searchLast(w *worker, depth int, b board.BitBoard, rec *cache.Record) (int, error) {
	for col := 0; col < b.NumChildren(); col++ {
		if !b.ValidMove(col) {
			continue
		}
		s.boards.Add(1)
		if b.Child(col).GameOver() == board.BlackWon {
			s.cache.FinishMaximizer(depth, rec, w.id, 0, 0, false)
			return 0, s.collect()
		}
	}
	s.cache.FinishLost(depth, rec, w.id)
	return board.BlackLost, s.collect()
}

func (n *node) hasKey(key board.Hash) bool {
	for i := 0; i < n.n; i++ {
		if n.kids[i].key == key {
			return true
		}
	}
	return false
}

// expand generates the children of b. Terminal children are resolved on
// the spot; if one of them settles the position, expand finishes the
// record and returns its value with true. Otherwise every remaining child
// is looked up or reserved in the next depth.
func (n *node) expand(b board.BitBoard) (int, bool) {
	s := n.s
	var reqs [board.Width]cache.Request
	for col := 0; col < n.width; col++ {
		if !b.ValidMove(col) {
			continue
		}
		nb := b.Child(col)
		s.boards.Add(1)
		switch nb.GameOver() {
		case board.BlackWon:
			s.cache.FinishMaximizer(n.depth, n.rec, n.w.id, 0, 0, false)
			return 0, true
		case board.BlackHasLost:
			if !n.maximizer {
				s.cache.FinishLost(n.depth, n.rec, n.w.id)
				return board.BlackLost, true
			}
			continue
		}
		key := nb.Key(s.opts.MirrorKeys)
		if n.hasKey(key) {
			continue
		}
		n.kids[n.n] = child{col: col, board: nb, key: key}
		reqs[n.n] = cache.Request{Key: key, Symmetric: nb.Symmetry() == board.Symmetric}
		n.n++
	}
	if n.n == 0 {
		s.cache.FinishLost(n.depth, n.rec, n.w.id)
		return board.BlackLost, true
	}

	s.cache.LookupOrReserveAll(n.depth+1, reqs[:n.n])
	for i := 0; i < n.n; i++ {
		n.kids[i].rec = reqs[i].Record
		n.kids[i].held = true
	}
	n.remaining = n.n
	return 0, false
}

// orderChildren decides the visiting order: best heuristic first for the
// side to move, or center-first when configured.
func (n *node) orderChildren() {
	n.order = n.orderBuf[:0]
	var byCol [board.Width]int
	for i := 0; i < n.n; i++ {
		byCol[n.kids[i].col] = i + 1
	}
	if n.s.opts.MoveOrder == config.MoveOrderCenterFirst {
		for _, col := range sortnet.CenterFirstOrder {
			if col < n.width && byCol[col] > 0 {
				n.order = append(n.order, byCol[col]-1)
			}
		}
		return
	}

	// Columns without a child sort last either way.
	missing := int64(math.MaxInt64)
	if n.maximizer {
		missing = math.MinInt64
	}
	var buf [board.Width]sortnet.Entry
	entries := buf[:n.width]
	for i := range entries {
		col := sortnet.HeuristicOrder[i]
		entries[i] = sortnet.Entry{Score: missing, Index: col}
		if k := byCol[col]; k > 0 {
			entries[i].Score = n.kids[k-1].board.Heuristic()
		}
	}
	sortnet.Sort(entries, n.maximizer)
	for _, e := range entries {
		if k := byCol[e.Index]; k > 0 {
			n.order = append(n.order, k-1)
		}
	}
}

func (n *node) run(ctx context.Context) (int, error) {
	s := n.s
	for n.remaining > 0 {
		if err := s.interrupted(ctx, n.chain); err != nil {
			n.abandon()
			return 0, err
		}
		if n.sp != nil && n.sp.abandoned.Load() {
			// A helper settled this position; the fold below finds the
			// child that did it.
			n.retire(false)
		}
		if n.foldFinished() {
			return n.finish()
		}
		if n.remaining == 0 {
			break
		}
		n.maybePublish()

		i, waitOn := n.claimNext()
		if i < 0 {
			if err := n.wait(ctx, waitOn); err != nil {
				n.abandon()
				return 0, err
			}
			continue
		}
		v, err := n.visit(ctx, i)
		if err != nil {
			if errors.Is(err, errAbandoned) && !s.done.Load() && !abandonedChain(n.chain) {
				// Only our own split point was given up.
				continue
			}
			n.abandon()
			return 0, err
		}
		if n.fold(i, v) {
			return n.finish()
		}
	}
	return n.finish()
}

// foldFinished folds every child some worker has finished. It reports
// whether the position is settled.
func (n *node) foldFinished() bool {
	next := n.depth + 1
	for _, i := range n.order {
		if n.kids[i].resolved {
			continue
		}
		snap := n.s.cache.Peek(next, n.kids[i].rec)
		if snap.State == cache.Finished && n.fold(i, snap.MovesToWin) {
			return true
		}
	}
	return false
}

// claimNext claims the first unresolved child in visiting order. If every
// one is owned by another worker it returns -1 and their records.
func (n *node) claimNext() (int, []*cache.Record) {
	var waitOn []*cache.Record
	for _, i := range n.order {
		k := &n.kids[i]
		if k.resolved {
			continue
		}
		if n.s.cache.Claim(n.depth+1, k.rec, n.w.id) {
			return i, nil
		}
		waitOn = append(waitOn, k.rec)
	}
	return -1, waitOn
}

func (n *node) visit(ctx context.Context, i int) (int, error) {
	k := &n.kids[i]
	chain := n.chain
	if n.sp != nil {
		chain = n.sp.childChain
	}
	n.w.route[n.depth].Store(int32(k.col))
	defer n.w.route[n.depth].Store(-1)
	return n.s.search(ctx, n.w, n.depth+1, k.board, k.rec, chain, n.childSpan())
}

func (n *node) childSpan() span {
	if n.prog.width == 0 || n.depth >= n.s.opts.ProgressDepth {
		return span{}
	}
	w := n.prog.width / float64(n.n)
	return span{base: n.prog.base + w*float64(n.n-n.remaining), width: w}
}

// fold takes child i's value into the position and reports whether the
// remaining children no longer matter.
func (n *node) fold(i, v int) bool {
	n.kids[i].resolved = true
	n.remaining--
	if n.prog.width > 0 && n.depth <= n.s.opts.ProgressDepth {
		n.s.setProgress(n.prog.base + n.prog.width*float64(n.n-n.remaining)/float64(n.n))
	}

	if !n.maximizer {
		if v == board.BlackLost {
			n.value = board.BlackLost
			return true
		}
		n.value = max(n.value, v+1)
		return false
	}

	switch {
	case v == board.BlackLost:
		n.release(i)
	case v+1 < n.value:
		if n.best >= 0 {
			n.release(n.best)
		}
		n.best, n.value = i, v+1
	default:
		n.release(i)
	}
	// Two plies is the quickest a cached reply can lead to a win.
	return n.value == 2
}

func (n *node) release(i int) {
	k := &n.kids[i]
	if k.held {
		n.s.cache.Release(n.depth+1, k.key)
		k.held = false
	}
}

func (n *node) releaseHeld() {
	for i := 0; i < n.n; i++ {
		n.release(i)
	}
}

func (n *node) finish() (int, error) {
	s := n.s
	n.retire(n.remaining > 0)
	switch {
	case n.maximizer && n.best < 0:
		n.value = board.BlackLost
		s.cache.FinishLost(n.depth, n.rec, n.w.id)
	case n.maximizer:
		n.kids[n.best].held = false
		s.cache.FinishMaximizer(n.depth, n.rec, n.w.id, n.value, n.kids[n.best].key, true)
	case n.value == board.BlackLost:
		s.cache.FinishLost(n.depth, n.rec, n.w.id)
	default:
		var keys [board.Width]board.Hash
		for i := 0; i < n.n; i++ {
			keys[i] = n.kids[i].key
			n.kids[i].held = false
		}
		s.cache.FinishMinimizer(n.depth, n.rec, n.w.id, n.value, keys[:n.n])
	}
	n.releaseHeld()
	if n.prog.width > 0 && n.depth <= s.opts.ProgressDepth {
		s.setProgress(n.prog.base + n.prog.width)
	}
	return n.value, s.collect()
}

// abandon gives the position back unfinished.
func (n *node) abandon() {
	n.retire(true)
	n.releaseHeld()
	n.s.cache.ReleaseWithoutFinish(n.depth, n.rec, n.w.id)
	n.s.abandoned.Add(1)
}

// maybePublish offers the unresolved children to idle workers once.
func (n *node) maybePublish() {
	s := n.s
	if n.published || s.opts.Threads < 2 || n.depth > s.opts.SplitDepth || n.remaining < 2 {
		return
	}
	n.published = true
	sp := newSplitPoint(n.depth, n.maximizer, n.w.id, n.chain)
	for _, i := range n.order {
		k := &n.kids[i]
		if !k.resolved {
			sp.children = append(sp.children, splitChild{board: k.board, key: k.key, rec: k.rec})
		}
	}
	n.sp = sp
	s.splits.publish(sp)
	s.splitsMade.Add(1)
}

// retire withdraws the position's split point, telling its helpers to
// stop if abandon is set. It must run before the children are released.
func (n *node) retire(abandon bool) {
	if n.sp == nil {
		return
	}
	n.s.splits.remove(n.sp)
	if abandon {
		n.sp.abandon(n.s.cache)
	}
	n.sp = nil
}

// wait blocks until one of recs is no longer claimed, or something
// upstream makes waiting pointless. Timeouts are logged and retried.
func (n *node) wait(ctx context.Context, recs []*cache.Record) error {
	s := n.s
	stop := func() bool {
		return s.done.Load() || abandonedChain(n.chain) || (n.sp != nil && n.sp.abandoned.Load())
	}
	return retry.Do(
		func() error {
			err := s.cache.WaitAny(ctx, n.depth+1, recs, s.opts.WaitTimeout, stop)
			switch {
			case err == nil, errors.Is(err, cache.ErrStopped):
				return nil
			case errors.Is(err, cache.ErrWaitTimeout):
				s.stalls.Add(1)
				return err
			}
			return retry.Unrecoverable(err)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.LastErrorOnly(true),
		retry.DelayType(func(attempt uint, err error, config *retry.Config) time.Duration {
			log.Warn().Err(err).
				Uint("n", attempt).
				Int("worker", n.w.id).
				Int("depth", n.depth).
				Int("contended", len(recs)).
				Msg("stalled-on-contended-position")
			return 0
		}),
	)
}
