// Package solver runs an exhaustive minimax search of connect four over a
// shared, per-depth move cache. Black maximizes: a position's value is the
// number of plies until black wins against best defence, or
// board.BlackLost when black cannot force a win.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/collector"
	"github.com/domino14/connect4solver/config"
)

var (
	ErrTooDeep  = errors.New("position is past the deepest cached ply")
	ErrRootBusy = errors.New("root position is claimed by another search")

	// errAbandoned unwinds a search whose result is no longer needed.
	errAbandoned = errors.New("search abandoned")
)

type Options struct {
	Threads int
	// SplitDepth is the deepest ply at which a position offers its
	// children to idle workers.
	SplitDepth  int
	WaitTimeout time.Duration
	MoveOrder   string
	MirrorKeys  bool
	Opening     []int
	// ProgressDepth is the deepest ply whose completion moves the
	// progress estimate.
	ProgressDepth int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Threads:       max(1, cfg.GetInt(config.ConfigThreads)),
		SplitDepth:    cfg.GetInt(config.ConfigSplitDepth),
		WaitTimeout:   cfg.GetDuration(config.ConfigWaitTimeout),
		MoveOrder:     cfg.GetString(config.ConfigMoveOrder),
		MirrorKeys:    cfg.GetBool(config.ConfigMirrorKeys),
		Opening:       cfg.GetIntSlice(config.ConfigOpening),
		ProgressDepth: cfg.GetInt(config.ConfigProgressDepth),
	}
}

type worker struct {
	id int
	// route[d] is the column this worker is exploring below its position
	// at depth d, or -1.
	route [board.Size]atomic.Int32
}

func newWorker(id int) *worker {
	w := &worker{id: id}
	for i := range w.route {
		w.route[i].Store(-1)
	}
	return w
}

// Route renders the worker's current line of play as depth:column pairs.
func (w *worker) Route() string {
	var parts []string
	for d := range w.route {
		if c := w.route[d].Load(); c >= 0 {
			parts = append(parts, strconv.Itoa(d)+":"+strconv.Itoa(int(c)))
		}
	}
	return strings.Join(parts, " ")
}

// Solver owns everything one run needs. Construct it once with New.
type Solver struct {
	opts    Options
	cache   *cache.Cache
	gc      *collector.Collector
	workers []*worker
	splits  *splitBoard

	done     atomic.Bool
	progress atomic.Uint64
	started  atomic.Int64 // unix nanos, 0 before the first solve

	nodes      atomic.Uint64
	boards     atomic.Uint64
	symmetric  atomic.Uint64
	abandoned  atomic.Uint64
	stalls     atomic.Uint64
	splitsMade atomic.Uint64
	helped     atomic.Uint64
}

// New creates a solver over c. gc may be nil, in which case nothing is
// ever collected.
func New(opts Options, c *cache.Cache, gc *collector.Collector) *Solver {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	s := &Solver{
		opts:   opts,
		cache:  c,
		gc:     gc,
		splits: newSplitBoard(),
	}
	for i := 0; i < opts.Threads; i++ {
		s.workers = append(s.workers, newWorker(i))
	}
	return s
}

func (s *Solver) Cache() *cache.Cache {
	return s.cache
}

// Result is the outcome of a solve.
type Result struct {
	Root       board.BitBoard
	MovesToWin int
	// Line is the principal variation from Root as far as the cache still
	// remembers it.
	Line    []int
	Elapsed time.Duration
	Stats   Counters
}

// BlackWins reports whether black can force a win from the root.
func (r *Result) BlackWins() bool {
	return r.MovesToWin != board.BlackLost
}

func (r *Result) String() string {
	outcome := "black cannot force a win"
	if r.BlackWins() {
		outcome = fmt.Sprintf("black wins in %d plies", r.MovesToWin)
	}
	return fmt.Sprintf("%s (line %v, %d positions searched in %s)",
		outcome, r.Line, r.Stats.Nodes, r.Elapsed.Round(time.Millisecond))
}

// Counters are the solver's running totals.
type Counters struct {
	Nodes      uint64 `yaml:"nodes"`
	Boards     uint64 `yaml:"boards"`
	Symmetric  uint64 `yaml:"symmetric"`
	Abandoned  uint64 `yaml:"abandoned"`
	Stalls     uint64 `yaml:"stalls"`
	SplitsMade uint64 `yaml:"splits"`
	Helped     uint64 `yaml:"helped"`
}

func (s *Solver) Counters() Counters {
	return Counters{
		Nodes:      s.nodes.Load(),
		Boards:     s.boards.Load(),
		Symmetric:  s.symmetric.Load(),
		Abandoned:  s.abandoned.Load(),
		Stalls:     s.stalls.Load(),
		SplitsMade: s.splitsMade.Load(),
		Helped:     s.helped.Load(),
	}
}

// Status is a point-in-time view of a running solve.
type Status struct {
	Progress float64
	Elapsed  time.Duration
	Counters Counters
	Cache    cache.Stats
	Sizes    []int
	Entries  int
	Routes   []string
	GC       *collector.State
	Used     uint64
	Ceiling  uint64
}

func (s *Solver) Status() Status {
	sizes := s.cache.Sizes()
	st := Status{
		Progress: s.Progress(),
		Counters: s.Counters(),
		Cache:    s.cache.Stats(),
		Sizes:    sizes,
		Entries:  lo.Sum(sizes),
		Routes:   lo.Map(s.workers, func(w *worker, _ int) string { return w.Route() }),
	}
	if ns := s.started.Load(); ns != 0 {
		st.Elapsed = time.Since(time.Unix(0, ns))
	}
	if s.gc != nil {
		gcs := s.gc.State()
		st.GC = &gcs
		st.Used = s.gc.Used()
		st.Ceiling = s.gc.Ceiling()
	}
	return st
}

// Progress estimates the fraction of the root's subtree already searched.
func (s *Solver) Progress() float64 {
	return math.Float64frombits(s.progress.Load())
}

func (s *Solver) setProgress(p float64) {
	s.progress.Store(math.Float64bits(p))
}

// Run solves from the configured opening, the center column unless told
// otherwise.
func (s *Solver) Run(ctx context.Context) (*Result, error) {
	opening := s.opts.Opening
	if len(opening) == 0 {
		opening = []int{board.Width / 2}
	}
	root, err := board.FromMoves(opening...)
	if err != nil {
		return nil, fmt.Errorf("playing opening %v: %w", opening, err)
	}
	return s.Solve(ctx, root)
}

// Solve searches root to completion. The solver keeps its reference to the
// root record so BestLine can walk it afterwards. Solve must not be called
// concurrently with itself.
func (s *Solver) Solve(ctx context.Context, root board.BitBoard) (*Result, error) {
	if st := root.GameOver(); st != board.Unfinished {
		return nil, &board.GameAlreadyOverError{State: st}
	}
	depth := root.NumPieces()
	if depth > board.MaxDepth {
		return nil, fmt.Errorf("%d pieces: %w", depth, ErrTooDeep)
	}
	s.done.Store(false)
	s.setProgress(0)
	begin := time.Now()
	s.started.Store(begin.UnixNano())

	key := root.Key(s.opts.MirrorKeys)
	rec, _ := s.cache.LookupOrReserve(depth, key, root.Symmetry() == board.Symmetric)

	log.Info().
		Int("threads", s.opts.Threads).
		Int("depth", depth).
		Str("root", key.String()).
		Str("move-order", s.opts.MoveOrder).
		Bool("mirror-keys", s.opts.MirrorKeys).
		Msg("solve-starting")

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	if s.gc != nil {
		g.Go(func() error {
			return s.gc.Monitor(runCtx)
		})
	}

	var value int
	g.Go(func() error {
		defer s.stop(cancelRun)
		if !s.cache.Claim(depth, rec, 0) {
			snap := s.cache.Peek(depth, rec)
			if snap.State != cache.Finished {
				return ErrRootBusy
			}
			value = snap.MovesToWin
			return nil
		}
		v, err := s.search(gctx, s.workers[0], depth, root, rec, nil, span{0, 1})
		value = v
		return err
	})
	for _, w := range s.workers[1:] {
		w := w
		g.Go(func() error {
			return s.help(runCtx, w)
		})
	}
	err := g.Wait()
	elapsed := time.Since(begin)

	cs := s.cache.Stats()
	log.Info().
		Uint64("nodes", s.nodes.Load()).
		Uint64("cache-lookups", cs.Lookups).
		Uint64("cache-hits", cs.Hits).
		Uint64("cache-entries", cs.Entries()).
		Uint64("abandoned", s.abandoned.Load()).
		Float64("time-elapsed-sec", elapsed.Seconds()).
		Msg("solve-returning")
	if err != nil {
		return nil, err
	}
	s.setProgress(1)
	return &Result{
		Root:       root,
		MovesToWin: value,
		Line:       s.BestLine(root),
		Elapsed:    elapsed,
		Stats:      s.Counters(),
	}, nil
}

// Forget drops the reference Solve kept on root so its subtree can be
// collected. Call it once per successful Solve of root.
func (s *Solver) Forget(root board.BitBoard) {
	s.cache.Release(root.NumPieces(), root.Key(s.opts.MirrorKeys))
}

// stop tells every helper and waiter the search is over.
func (s *Solver) stop(cancel context.CancelFunc) {
	s.done.Store(true)
	cancel()
	s.cache.BroadcastAll()
	s.splits.wake()
}

// help runs on every worker but the first: it joins split points until the
// root is finished.
func (s *Solver) help(ctx context.Context, w *worker) error {
	for !s.done.Load() {
		job, ok := s.splits.take(s.cache, w.id)
		if !ok {
			if err := s.splits.wait(ctx); err != nil && !s.done.Load() {
				return err
			}
			continue
		}
		s.helped.Add(1)
		err := s.runJob(ctx, w, job)
		if err != nil && !errors.Is(err, errAbandoned) {
			if s.done.Load() && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
	return nil
}

// runJob searches one child of a split point that w has claimed and holds
// a reference to.
func (s *Solver) runJob(ctx context.Context, w *worker, job splitJob) error {
	sp, k := job.sp, job.child
	depth := sp.depth + 1
	defer s.cache.Release(depth, k.key)

	v, err := s.search(ctx, w, depth, k.board, job.rec, sp.childChain, span{})
	if err != nil {
		return err
	}
	if sp.decisive(v) {
		// The owner can finish without its other children.
		sp.abandon(s.cache)
	}
	return nil
}

func (s *Solver) collect() error {
	if s.gc == nil {
		return nil
	}
	return s.gc.MaybeCollect()
}

// interrupted reports why a search at the boundary below chain must stop,
// if it must.
func (s *Solver) interrupted(ctx context.Context, chain []*splitPoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.done.Load() || abandonedChain(chain) {
		return errAbandoned
	}
	return nil
}
