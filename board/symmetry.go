package board

import "math/bits"

// Symmetry classifies a position against its left-right mirror image.
type Symmetry uint8

const (
	// Asymmetric positions can never become symmetric again, so their
	// descendants skip the check entirely.
	Asymmetric Symmetry = iota
	// PossiblySymmetric positions differ from their mirror only in column
	// heights; the shorter column of every mirrored pair is a prefix of
	// the taller one.
	PossiblySymmetric
	// Symmetric positions are identical to their mirror.
	Symmetric
)

func (s Symmetry) String() string {
	switch s {
	case Symmetric:
		return "symmetric"
	case PossiblySymmetric:
		return "possibly-symmetric"
	}
	return "asymmetric"
}

func calcSymmetry(possible bool, pieces, open uint64) Symmetry {
	if !possible {
		return Asymmetric
	}
	sym := Symmetric
	// Outer columns first: they change least often near the root.
	for c := 0; c < Width/2; c++ {
		m := MaxColumn - c
		hl := Height - bits.OnesCount64(column(open, c))
		hr := Height - bits.OnesCount64(column(open, m))
		pl, pr := column(pieces, c), column(pieces, m)
		if hl == hr {
			if pl != pr {
				return Asymmetric
			}
			continue
		}
		sym = PossiblySymmetric
		common := uint64(1)<<min(hl, hr) - 1
		if pl&common != pr&common {
			return Asymmetric
		}
	}
	return sym
}

func mirrorMask(mask uint64) uint64 {
	// Column 0 lives in byte 0 and nothing lives in byte 7, so a full byte
	// reversal followed by one byte of shift lines the columns up again.
	return bits.ReverseBytes64(mask) >> 8
}

// Mirror reflects the board about its center column. Symmetric boards are
// returned unchanged.
func (b BitBoard) Mirror() BitBoard {
	if b.symmetry == Symmetric {
		return b
	}
	m := BitBoard{
		pieces:     mirrorMask(b.pieces),
		open:       mirrorMask(b.open),
		heuristic:  b.heuristic,
		turn:       b.turn,
		symmetry:   b.symmetry,
		validMoves: uint8(bits.Reverse8(b.validMoves) >> 1),
	}
	m.hash = m.calcHash()
	return m
}

// NumChildren returns how many columns the search needs to enumerate.
func (b BitBoard) NumChildren() int {
	if b.symmetry == Symmetric {
		return SymmetricWidth
	}
	return Width
}
