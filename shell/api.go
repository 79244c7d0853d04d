package shell

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
	"lukechampine.com/frand"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/config"
	"github.com/domino14/connect4solver/progress"
)

const (
	defaultHistogramBins = 10
	histogramWidth       = 40
)

type Response struct {
	message string
}

func msg(message string) *Response {
	return &Response{message: message}
}

func (c *shellcmd) intArg(idx int) (int, error) {
	if idx >= len(c.args) {
		return 0, fmt.Errorf("%s needs at least %d argument(s)", c.cmd, idx+1)
	}
	return strconv.Atoi(c.args[idx])
}

func (c *shellcmd) intOption(key string, defaultI int) (int, error) {
	v, ok := c.options[key]
	if !ok {
		return defaultI, nil
	}
	return strconv.Atoi(v)
}

func (sc *ShellController) mirrorKeys() bool {
	return sc.cfg.GetBool(config.ConfigMirrorKeys)
}

func colorName(p board.Piece) string {
	if p == board.Black {
		return "black"
	}
	return "red"
}

func (sc *ShellController) display() string {
	var sb strings.Builder
	sb.WriteString(sc.cur.String())
	for c := 0; c < board.Width; c++ {
		sb.WriteString(strconv.Itoa(c))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "moves %v, %d pieces, %s to move, %s, %s",
		sc.moves, sc.cur.NumPieces(), colorName(sc.cur.Turn()),
		sc.cur.Symmetry(), sc.cur.GameOver())
	return sb.String()
}

// setPosition replaces the current position with base plus moves.
func (sc *ShellController) setPosition(base board.BitBoard, moves []int) error {
	cur := base
	for _, c := range moves {
		var err error
		cur, err = cur.AddPiece(c)
		if err != nil {
			return err
		}
	}
	sc.base = base
	sc.moves = moves
	sc.cur = cur
	return nil
}

func (sc *ShellController) newGame(cmd *shellcmd) (*Response, error) {
	if err := sc.setPosition(board.New(), nil); err != nil {
		return nil, err
	}
	return msg(sc.display()), nil
}

func (sc *ShellController) play(cmd *shellcmd) (*Response, error) {
	if len(cmd.args) == 0 {
		return nil, errors.New("play needs at least one column")
	}
	moves := append([]int{}, sc.moves...)
	for _, a := range cmd.args {
		col, err := strconv.Atoi(a)
		if err != nil {
			return nil, err
		}
		moves = append(moves, col)
	}
	if err := sc.setPosition(sc.base, moves); err != nil {
		return nil, err
	}
	return msg(sc.display()), nil
}

func (sc *ShellController) undo(cmd *shellcmd) (*Response, error) {
	n := 1
	if len(cmd.args) > 0 {
		var err error
		if n, err = cmd.intArg(0); err != nil {
			return nil, err
		}
	}
	if n < 0 || n > len(sc.moves) {
		return nil, fmt.Errorf("can only undo up to %d moves", len(sc.moves))
	}
	if err := sc.setPosition(sc.base, sc.moves[:len(sc.moves)-n]); err != nil {
		return nil, err
	}
	return msg(sc.display()), nil
}

func (sc *ShellController) show(cmd *shellcmd) (*Response, error) {
	return msg(sc.display()), nil
}

func (sc *ShellController) hash(cmd *shellcmd) (*Response, error) {
	h := sc.cur.Hash()
	return msg(fmt.Sprintf("hash   %v\nmirror %v\nkey    %v",
		h, h.Mirror(), sc.cur.Key(sc.mirrorKeys()))), nil
}

func (sc *ShellController) fromHash(cmd *shellcmd) (*Response, error) {
	if len(cmd.args) == 0 {
		return nil, errors.New("fromhash needs a hash")
	}
	v, err := strconv.ParseUint(cmd.args[0], 0, 64)
	if err != nil {
		return nil, err
	}
	b, err := board.FromHash(board.Hash(v))
	if err != nil {
		return nil, err
	}
	if err := sc.setPosition(b, nil); err != nil {
		return nil, err
	}
	return msg(sc.display()), nil
}

func (sc *ShellController) mirror(cmd *shellcmd) (*Response, error) {
	moves := lo.Map(sc.moves, func(c int, _ int) int { return board.MaxColumn - c })
	if err := sc.setPosition(sc.base.Mirror(), moves); err != nil {
		return nil, err
	}
	return msg(sc.display()), nil
}

func (sc *ShellController) random(cmd *shellcmd) (*Response, error) {
	pieces, err := cmd.intArg(0)
	if err != nil {
		return nil, err
	}
	if pieces < 0 || pieces > board.MaxDepth {
		return nil, fmt.Errorf("pieces must be between 0 and %d", board.MaxDepth)
	}
	for attempt := 0; attempt < 1000; attempt++ {
		b := board.New()
		var moves []int
		for len(moves) < pieces && b.GameOver() == board.Unfinished {
			col := frand.Intn(board.Width)
			if !b.ValidMove(col) {
				continue
			}
			b = b.Child(col)
			moves = append(moves, col)
		}
		if b.GameOver() == board.Unfinished {
			if err := sc.setPosition(board.New(), moves); err != nil {
				return nil, err
			}
			return msg(sc.display()), nil
		}
	}
	return nil, errors.New("could not find an unfinished position with that many pieces")
}

func (sc *ShellController) forgetSolved() {
	for _, root := range sc.solved {
		sc.solver.Forget(root)
	}
	sc.solved = nil
}

func (sc *ShellController) solve(ctx context.Context, cmd *shellcmd) (*Response, error) {
	// Earlier roots stay cached until collected but are no longer pinned.
	sc.forgetSolved()
	res, err := sc.solver.Solve(ctx, sc.cur)
	if err != nil {
		return nil, err
	}
	sc.solved = append(sc.solved, sc.cur)
	sc.lastResult = res
	return msg(res.String()), nil
}

// childValue describes what the cache knows about playing col.
func (sc *ShellController) childValue(col int) string {
	child := sc.cur.Child(col)
	switch child.GameOver() {
	case board.BlackWon:
		return "black wins"
	case board.BlackHasLost:
		return "black lost"
	}
	depth := child.NumPieces()
	if depth > board.MaxDepth {
		return "not cached"
	}
	snap, ok := sc.cache.PeekKey(depth, child.Key(sc.mirrorKeys()))
	switch {
	case !ok:
		return "not cached"
	case snap.State != cache.Finished:
		return snap.State.String()
	case snap.MovesToWin == board.BlackLost:
		return "black cannot win"
	}
	return fmt.Sprintf("black wins in %d", snap.MovesToWin+1)
}

func (sc *ShellController) eval(cmd *shellcmd) (*Response, error) {
	if st := sc.cur.GameOver(); st != board.Unfinished {
		return nil, &board.GameAlreadyOverError{State: st}
	}
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "col\tvalue")
	for col := 0; col < board.Width; col++ {
		if !sc.cur.ValidMove(col) {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\n", col, sc.childValue(col))
	}
	tw.Flush()
	return msg(strings.TrimRight(sb.String(), "\n")), nil
}

func (sc *ShellController) line(cmd *shellcmd) (*Response, error) {
	line := sc.solver.BestLine(sc.cur)
	if len(line) == 0 {
		return msg("no winning line cached for this position"), nil
	}
	return msg(fmt.Sprintf("line %v", line)), nil
}

func (sc *ShellController) stats(cmd *shellcmd) (*Response, error) {
	var (
		out []byte
		err error
	)
	st := sc.solver.Status()
	if sc.lastResult != nil {
		out, err = yaml.Marshal(progress.NewSummary(sc.lastResult, st, nil))
	} else {
		out, err = yaml.Marshal(map[string]any{
			"counters": st.Counters,
			"entries":  st.Entries,
		})
	}
	if err != nil {
		return nil, err
	}
	return msg(strings.TrimRight(string(out), "\n")), nil
}

func (sc *ShellController) cacheInfo(cmd *shellcmd) (*Response, error) {
	if len(cmd.args) == 0 {
		return sc.cacheSizes()
	}
	depth, err := cmd.intArg(0)
	if err != nil {
		return nil, err
	}
	if depth < 0 || depth > sc.cache.MaxDepth() {
		return nil, fmt.Errorf("depth must be between 0 and %d", sc.cache.MaxDepth())
	}
	bins, err := cmd.intOption("bins", defaultHistogramBins)
	if err != nil {
		return nil, err
	}
	return sc.cacheDepth(depth, bins)
}

func (sc *ShellController) cacheSizes() (*Response, error) {
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "depth\tkind\tentries\t")
	sizes := sc.cache.Sizes()
	for d, n := range sizes {
		if n == 0 {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t\n", d, cache.KindAt(d), n)
	}
	fmt.Fprintf(tw, "total\t\t%d\t\n", lo.Sum(sizes))
	tw.Flush()
	return msg(strings.TrimRight(sb.String(), "\n")), nil
}

// cacheDepth shows how the records at one depth are doing and plots the
// moves-to-win of the finished ones.
func (sc *ShellController) cacheDepth(depth, bins int) (*Response, error) {
	var (
		states [3]int
		lost   int
		values []float64
	)
	sc.cache.Each(depth, func(_ board.Hash, snap cache.Snapshot) {
		states[snap.State]++
		if snap.State != cache.Finished {
			return
		}
		if snap.MovesToWin == board.BlackLost {
			lost++
			return
		}
		values = append(values, float64(snap.MovesToWin))
	})
	var sb strings.Builder
	fmt.Fprintf(&sb, "depth %d (%s): %d unclaimed, %d claimed, %d finished, %d where black cannot win\n",
		depth, cache.KindAt(depth), states[cache.Unclaimed], states[cache.Claimed],
		states[cache.Finished], lost)
	if len(values) == 0 {
		sb.WriteString("no black wins recorded at this depth")
		return msg(sb.String()), nil
	}
	if lo.Min(values) == lo.Max(values) {
		fmt.Fprintf(&sb, "all %d black wins are in %d plies", len(values), int(values[0]))
		return msg(sb.String()), nil
	}
	sb.WriteString("moves to win:\n")
	h := histogram.Hist(bins, values)
	if err := histogram.Fprint(&sb, h, histogram.Linear(histogramWidth)); err != nil {
		return nil, err
	}
	return msg(strings.TrimRight(sb.String(), "\n")), nil
}

func (sc *ShellController) collect(cmd *shellcmd) (*Response, error) {
	if sc.gc == nil {
		return nil, errors.New("no garbage collector is configured")
	}
	err := sc.gc.Collect()
	st := sc.gc.State()
	if err != nil {
		return nil, err
	}
	return msg(fmt.Sprintf("%d passes, %d entries deleted (%d MB), last pass scoured depths %d to %d",
		st.Runs, st.TotalDeleted, st.TotalFreed>>20, st.LastStartDepth, st.LastDepthScoured)), nil
}
