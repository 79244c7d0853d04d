package solver

import (
	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
)

// BestLine follows the cache from b along black's chosen replies and red's
// slowest defences. It stops at the end of the game, at a position black
// cannot win, or where the cache no longer has a finished record.
func (s *Solver) BestLine(b board.BitBoard) []int {
	var line []int
	for b.GameOver() == board.Unfinished {
		depth := b.NumPieces()
		if depth > board.MaxDepth {
			break
		}
		snap, ok := s.cache.PeekKey(depth, b.Key(s.opts.MirrorKeys))
		if !ok || snap.State != cache.Finished || snap.MovesToWin == board.BlackLost {
			break
		}
		var col int
		if snap.Kind == cache.MaximizerKind {
			col = s.blackReply(b, snap)
		} else {
			col = s.slowestDefence(b, depth)
		}
		if col < 0 {
			break
		}
		line = append(line, col)
		b = b.Child(col)
	}
	return line
}

func (s *Solver) blackReply(b board.BitBoard, snap cache.Snapshot) int {
	m, _ := snap.Payload.(cache.Maximizer)
	for col := 0; col < board.Width; col++ {
		if !b.ValidMove(col) {
			continue
		}
		c := b.Child(col)
		if !m.HasBest && c.GameOver() == board.BlackWon {
			return col
		}
		if m.HasBest && c.GameOver() == board.Unfinished && c.Key(s.opts.MirrorKeys) == m.Best {
			return col
		}
	}
	return -1
}

func (s *Solver) slowestDefence(b board.BitBoard, depth int) int {
	best, bestMoves := -1, -1
	for col := 0; col < board.Width; col++ {
		if !b.ValidMove(col) {
			continue
		}
		c := b.Child(col)
		if c.GameOver() != board.Unfinished {
			continue
		}
		snap, ok := s.cache.PeekKey(depth+1, c.Key(s.opts.MirrorKeys))
		if ok && snap.State == cache.Finished && snap.MovesToWin > bestMoves {
			best, bestMoves = col, snap.MovesToWin
		}
	}
	return best
}
