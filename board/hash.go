package board

import (
	"errors"
	"fmt"
	"math/bits"
)

// Hash is an exact encoding of a position. Bits 0..41 hold the colors of
// the occupied cells, six per column with column 0 first and the bottom
// row least significant (set = red). Bits 42..62 hold the column heights,
// three bits per column, column 0 first.
type Hash uint64

const (
	heightBits   = 3
	heightOffset = Size
	heightMask   = (1 << heightBits) - 1
)

var ErrInvalidHash = errors.New("hash does not encode a reachable board")

func (h Hash) colors(col int) uint64 {
	return (uint64(h) >> (uint(col) * Height)) & emptyColumnBits
}

func (h Hash) height(col int) int {
	return int((uint64(h) >> (heightOffset + uint(col)*heightBits)) & heightMask)
}

// next returns the hash after mover drops a piece into col.
func (h Hash) next(mover Piece, col int) Hash {
	heightShift := heightOffset + uint(col)*heightBits
	prevHeight := (uint64(h) >> heightShift) & heightMask
	n := uint64(h) + 1<<heightShift
	n |= uint64(mover) << (uint(col)*Height + uint(prevHeight))
	return Hash(n)
}

// Mirror returns the hash of the position reflected about the center
// column.
func (h Hash) Mirror() Hash {
	var m uint64
	for c := 0; c < Width; c++ {
		src := MaxColumn - c
		m |= h.colors(src) << (uint(c) * Height)
		m |= uint64(h.height(src)) << (heightOffset + uint(c)*heightBits)
	}
	return Hash(m)
}

// Canonical returns the smaller of h and its mirror, so that a position
// and its reflection share a cache key.
func (h Hash) Canonical() Hash {
	if m := h.Mirror(); m < h {
		return m
	}
	return h
}

// NumPieces returns the number of pieces encoded by h.
func (h Hash) NumPieces() int {
	n := 0
	for c := 0; c < Width; c++ {
		n += h.height(c)
	}
	return n
}

func (h Hash) String() string {
	return fmt.Sprintf("%#016x", uint64(h))
}

func (b BitBoard) calcHash() Hash {
	var h uint64
	for c := 0; c < Width; c++ {
		height := Height - bits.OnesCount64(column(b.open, c))
		h |= column(b.pieces, c) << (uint(c) * Height)
		h |= uint64(height) << (heightOffset + uint(c)*heightBits)
	}
	return Hash(h)
}

// FromHash rebuilds the position encoded by h. The side to move comes
// from the parity of the piece count.
func FromHash(h Hash) (BitBoard, error) {
	if uint64(h)>>(heightOffset+Width*heightBits) != 0 {
		return BitBoard{}, ErrInvalidHash
	}
	var pieces, open uint64
	total := 0
	for c := 0; c < Width; c++ {
		height := h.height(c)
		if height > Height {
			return BitBoard{}, fmt.Errorf("column %d height %d: %w", c, height, ErrInvalidHash)
		}
		filled := uint64(1)<<height - 1
		colors := h.colors(c)
		if colors&^filled != 0 {
			return BitBoard{}, fmt.Errorf("column %d has colors above its height: %w", c, ErrInvalidHash)
		}
		pieces |= colors << colShift(c)
		open |= (emptyColumnBits &^ filled) << colShift(c)
		total += height
	}
	turn := Black
	if total%2 == 1 {
		turn = Red
	}
	return BitBoard{
		pieces:     pieces,
		open:       open,
		heuristic:  heuristic(pieces, open),
		hash:       h,
		turn:       turn,
		symmetry:   calcSymmetry(true, pieces, open),
		validMoves: calcValidMoves(open),
	}, nil
}

// Key returns the cache key for the position: the canonical hash when
// mirror collapsing is on, the exact hash otherwise.
func (b BitBoard) Key(collapseMirrors bool) Hash {
	if !collapseMirrors || b.symmetry == Symmetric {
		return b.hash
	}
	return b.hash.Canonical()
}
