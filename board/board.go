package board

import (
	"math/bits"
	"strings"
)

const (
	Width     = 7
	Height    = 6
	Size      = Width * Height
	MaxColumn = Width - 1
	MaxRow    = Height - 1

	// SymmetricWidth is the number of columns that need to be enumerated
	// on a board that is its own mirror image: the center and everything
	// to its left.
	SymmetricWidth = Width/2 + Width%2

	// MaxDepth is the deepest position (counted in pieces on the board)
	// that gets a cache entry. Positions past it are resolved with a
	// one-ply lookahead.
	MaxDepth = Size - 2

	// BlackLost is the reserved moves-to-win value meaning black cannot
	// force a win from a position.
	BlackLost = Size
)

const (
	emptyColumnBits = uint64(1<<Height) - 1
	// boardMask has the low six bits of each of the seven column bytes set.
	boardMask = 0x003F3F3F3F3F3F3F
	guardBits = 0x0101010101010101
)

// Piece is the content of a single cell.
type Piece uint8

const (
	Black Piece = iota
	Red
	Empty
)

func (p Piece) String() string {
	switch p {
	case Black:
		return "b"
	case Red:
		return "r"
	}
	return "_"
}

// Opponent returns the other color.
func (p Piece) Opponent() Piece {
	return p ^ 1
}

// BitBoard is an immutable connect-four position. Each 64-bit mask packs
// one byte per column, with the bottom row in the least significant bit.
// pieces has a bit set for every red piece; open has a bit set for every
// empty cell, so the lowest set bit of a column byte is the next drop row.
//
// Everything else is derived once at construction so copies are cheap.
type BitBoard struct {
	pieces     uint64
	open       uint64
	heuristic  int64
	hash       Hash
	turn       Piece
	symmetry   Symmetry
	validMoves uint8
}

// New returns the empty board. Black moves first.
func New() BitBoard {
	return BitBoard{
		open:       boardMask,
		turn:       Black,
		symmetry:   Symmetric,
		validMoves: 0x7F,
	}
}

// FromMoves plays the given columns in order starting from the empty board.
func FromMoves(cols ...int) (BitBoard, error) {
	b := New()
	var err error
	for _, c := range cols {
		b, err = b.AddPiece(c)
		if err != nil {
			return BitBoard{}, err
		}
	}
	return b, nil
}

func colShift(col int) uint {
	return uint(col) << 3
}

func column(mask uint64, col int) uint64 {
	return (mask >> colShift(col)) & emptyColumnBits
}

// AddPiece drops the piece of the side to move into col and returns the
// resulting position.
func (b BitBoard) AddPiece(col int) (BitBoard, error) {
	if col < 0 || col > MaxColumn {
		return BitBoard{}, &InvalidColumnError{Column: col}
	}
	if !b.ValidMove(col) {
		return BitBoard{}, &ColumnFullError{Column: col}
	}
	if st := b.GameOver(); st != Unfinished {
		return BitBoard{}, &GameAlreadyOverError{State: st}
	}
	return b.addPiece(col), nil
}

// addPiece skips the caller-contract checks. The search calls it only on
// columns it has already validated from an unfinished position.
func (b BitBoard) addPiece(col int) BitBoard {
	row := bits.TrailingZeros64(column(b.open, col))
	idx := colShift(col) + uint(row)

	pieces := b.pieces | uint64(b.turn)<<idx
	open := b.open &^ (1 << idx)

	return BitBoard{
		pieces:     pieces,
		open:       open,
		heuristic:  heuristic(pieces, open),
		hash:       b.hash.next(b.turn, col),
		turn:       b.turn.Opponent(),
		symmetry:   calcSymmetry(b.symmetry != Asymmetric, pieces, open),
		validMoves: calcValidMoves(open),
	}
}

// Child is like AddPiece but panics instead of returning an error. It is
// meant for enumerating the children of a position after checking
// ValidMove and GameOver.
func (b BitBoard) Child(col int) BitBoard {
	if col < 0 || col > MaxColumn || !b.ValidMove(col) {
		panic("board: child requested on an unplayable column")
	}
	return b.addPiece(col)
}

func calcValidMoves(open uint64) uint8 {
	// The top cell of a column is empty iff the column has room.
	top := (open >> MaxRow) & guardBits
	var v uint8
	for c := 0; c < Width; c++ {
		v |= uint8(top>>colShift(c)) << c
	}
	return v
}

// ValidMove reports whether col has room for another piece.
func (b BitBoard) ValidMove(col int) bool {
	return col >= 0 && col <= MaxColumn && b.validMoves&(1<<col) != 0
}

// ValidMoves returns the playable columns as a bitset, column 0 in bit 0.
func (b BitBoard) ValidMoves() uint8 {
	return b.validMoves
}

func (b BitBoard) Heuristic() int64 {
	return b.heuristic
}

func (b BitBoard) Hash() Hash {
	return b.hash
}

// Turn returns the color of the side to move.
func (b BitBoard) Turn() Piece {
	return b.turn
}

func (b BitBoard) Symmetry() Symmetry {
	return b.symmetry
}

// NumPieces returns the number of pieces on the board, which is also the
// depth of the position in the search tree.
func (b BitBoard) NumPieces() int {
	return bits.OnesCount64(boardMask &^ b.open)
}

// ColumnHeight returns the number of pieces in col.
func (b BitBoard) ColumnHeight(col int) int {
	return Height - bits.OnesCount64(column(b.open, col))
}

// Piece returns the content of the cell at (col, row), row 0 being the
// bottom.
func (b BitBoard) Piece(col, row int) Piece {
	idx := colShift(col) + uint(row)
	if b.open&(1<<idx) != 0 {
		return Empty
	}
	return Piece((b.pieces >> idx) & 1)
}

// GameOver classifies the position from its heuristic.
func (b BitBoard) GameOver() GameOverState {
	switch b.heuristic {
	case HeuristicBlackWon:
		return BlackWon
	case HeuristicBlackLost:
		return BlackHasLost
	}
	return Unfinished
}

// String renders the board top row first, one character per column.
func (b BitBoard) String() string {
	var sb strings.Builder
	sb.Grow((Width + 1) * Height)
	for row := MaxRow; row >= 0; row-- {
		for col := 0; col < Width; col++ {
			sb.WriteString(b.Piece(col, row).String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// GameOverState is the outcome of a position as far as black is concerned.
type GameOverState uint8

const (
	Unfinished GameOverState = iota
	BlackWon
	// BlackHasLost covers both a red four-in-a-row and a position where
	// black no longer has any window left to complete.
	BlackHasLost
)

func (g GameOverState) String() string {
	switch g {
	case BlackWon:
		return "black-won"
	case BlackHasLost:
		return "black-lost"
	}
	return "unfinished"
}
