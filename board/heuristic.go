package board

import (
	"math"
	"math/bits"
)

const (
	HeuristicBlackWon  = int64(math.MaxInt64)
	HeuristicBlackLost = int64(math.MinInt64 + 1)
)

const (
	verticalWindow         = uint64(0xF)
	horizontalWindow       = uint64(0x01010101)
	forwardDiagonalWindow  = uint64(0x08040201)
	backwardDiagonalWindow = uint64(0x01020408)
)

// windows holds every four-in-a-row line on the board, as masks in the
// one-byte-per-column layout.
var windows = buildWindows()

func buildWindows() []uint64 {
	w := make([]uint64, 0, 69)
	for c := 0; c < Width; c++ {
		for r := 0; r < Height; r++ {
			shift := colShift(c) + uint(r)
			if r < Height-3 {
				w = append(w, verticalWindow<<shift)
			}
			if c < Width-3 {
				w = append(w, horizontalWindow<<shift)
				if r < Height-3 {
					w = append(w, forwardDiagonalWindow<<shift)
					w = append(w, backwardDiagonalWindow<<shift)
				}
			}
		}
	}
	return w
}

// NumWindows is the number of four-in-a-row lines on the board.
func NumWindows() int {
	return len(windows)
}

// heuristic scores a position from black's point of view. Every window
// free of the opponent's pieces and holding k of a side's pieces is worth
// 2^(k-1) to that side. A completed window short-circuits to one of the
// sentinel values, as does a board where black has no window left to
// complete.
func heuristic(pieces, open uint64) int64 {
	occupied := boardMask &^ open
	red := pieces & occupied
	black := occupied &^ pieces

	var blackScore, redScore int64
	blackAlive := false
	for _, w := range windows {
		nb := bits.OnesCount64(black & w)
		nr := bits.OnesCount64(red & w)
		switch {
		case nr == 0:
			blackAlive = true
			if nb == 4 {
				return HeuristicBlackWon
			}
			if nb > 0 {
				blackScore += 1 << (nb - 1)
			}
		case nb == 0:
			if nr == 4 {
				return HeuristicBlackLost
			}
			redScore += 1 << (nr - 1)
		}
	}
	if !blackAlive {
		return HeuristicBlackLost
	}
	return blackScore - redScore
}
