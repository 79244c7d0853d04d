package board

import (
	"errors"
	"os"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"lukechampine.com/frand"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func mustPlay(t *testing.T, cols ...int) BitBoard {
	t.Helper()
	b, err := FromMoves(cols...)
	if err != nil {
		t.Fatalf("playing %v: %v", cols, err)
	}
	return b
}

func TestEmptyBoard(t *testing.T) {
	is := is.New(t)
	b := New()
	is.Equal(b.Heuristic(), int64(0))
	is.Equal(b.Hash(), Hash(0))
	is.Equal(b.Turn(), Black)
	is.Equal(b.Symmetry(), Symmetric)
	is.Equal(b.ValidMoves(), uint8(0x7F))
	is.Equal(b.GameOver(), Unfinished)
	is.Equal(b.NumPieces(), 0)
	is.Equal(NumWindows(), 69)
}

func TestGameOverScenarios(t *testing.T) {
	is := is.New(t)
	type tc struct {
		name  string
		moves []int
		state GameOverState
	}
	cases := []tc{
		{"black vertical", []int{0, 1, 0, 1, 0, 1, 0}, BlackWon},
		{"black vertical second column", []int{1, 2, 1, 2, 1, 2, 1}, BlackWon},
		{"black horizontal", []int{0, 0, 1, 1, 2, 2, 3}, BlackWon},
		{"black horizontal with gap", []int{0, 0, 2, 2, 3, 3, 1}, BlackWon},
		{"black diagonal up-right", []int{0, 1, 2, 3, 1, 2, 3, 4, 2, 3, 4, 5, 3}, BlackWon},
		{"red vertical", []int{1, 1, 0, 1, 0, 1, 0, 1}, BlackHasLost},
		{"red horizontal", []int{0, 1, 1, 2, 2, 3, 3, 4}, BlackHasLost},
	}
	for _, c := range cases {
		last := len(c.moves) - 1
		b := mustPlay(t, c.moves[:last]...)
		is.Equal(b.GameOver(), Unfinished) // before the final move
		b, err := b.AddPiece(c.moves[last])
		is.NoErr(err)
		is.Equal(b.GameOver(), c.state) // after the final move
	}
}

func TestAddPieceErrors(t *testing.T) {
	is := is.New(t)

	b := mustPlay(t, 0, 0, 0, 0, 0, 0)
	_, err := b.AddPiece(0)
	var full *ColumnFullError
	is.True(errors.As(err, &full))
	is.Equal(full.Column, 0)

	won := mustPlay(t, 0, 1, 0, 1, 0, 1, 0)
	_, err = won.AddPiece(3)
	var over *GameAlreadyOverError
	is.True(errors.As(err, &over))
	is.Equal(over.State, BlackWon)

	_, err = New().AddPiece(7)
	var invalid *InvalidColumnError
	is.True(errors.As(err, &invalid))
}

func TestAddPieceTracksTurnAndHeight(t *testing.T) {
	is := is.New(t)
	b := mustPlay(t, 3)
	is.Equal(b.Turn(), Red)
	is.Equal(b.ColumnHeight(3), 1)
	is.Equal(b.Piece(3, 0), Black)
	is.Equal(b.Piece(3, 1), Empty)

	b = mustPlay(t, 3, 3)
	is.Equal(b.Turn(), Black)
	is.Equal(b.Piece(3, 1), Red)
	is.Equal(b.NumPieces(), 2)
}

func TestValidMoves(t *testing.T) {
	is := is.New(t)
	b := mustPlay(t, 2, 2, 2, 2, 2, 2)
	is.Equal(b.ValidMoves(), uint8(0x7B))
	is.True(!b.ValidMove(2))
	is.True(b.ValidMove(6))
}

func TestString(t *testing.T) {
	is := is.New(t)
	b := mustPlay(t, 0, 0, 6)
	is.Equal(b.String(), ""+
		"_______\n"+
		"_______\n"+
		"_______\n"+
		"_______\n"+
		"r______\n"+
		"b_____b\n")
}

func TestHeuristicOpening(t *testing.T) {
	is := is.New(t)
	// A center piece touches more windows than an edge piece.
	center := mustPlay(t, 3)
	edge := mustPlay(t, 0)
	is.True(center.Heuristic() > edge.Heuristic())
	is.True(edge.Heuristic() > 0)
	// Mirrored boards score the same.
	is.Equal(mustPlay(t, 0, 1).Heuristic(), mustPlay(t, 6, 5).Heuristic())
}

func TestFullBoardDrawIsLost(t *testing.T) {
	is := is.New(t)
	// Columns alternate between two-high bands of each color, which never
	// lines up four in any direction. The top of column 6 is flipped to
	// even out the piece counts.
	var h Hash
	reds := 0
	for c := 0; c < Width; c++ {
		for r := 0; r < Height; r++ {
			red := (c+r/2)%2 == 1
			if c == MaxColumn && r == MaxRow {
				red = true
			}
			if red {
				h |= 1 << (c*Height + r)
				reds++
			}
		}
		h |= Hash(Height) << (heightOffset + c*heightBits)
	}
	is.Equal(reds, Size/2)
	b, err := FromHash(h)
	is.NoErr(err)
	is.Equal(b.ValidMoves(), uint8(0))
	is.Equal(b.GameOver(), BlackHasLost)
	is.Equal(b.Turn(), Black)
}

// randomBoard plays random legal moves until the game ends or n pieces
// have been placed.
func randomBoard(n int) BitBoard {
	b := New()
	for i := 0; i < n && b.GameOver() == Unfinished; i++ {
		var cols []int
		for c := 0; c < Width; c++ {
			if b.ValidMove(c) {
				cols = append(cols, c)
			}
		}
		b = b.Child(cols[frand.Intn(len(cols))])
	}
	return b
}

func TestHashRoundTrip(t *testing.T) {
	is := is.New(t)
	for i := 0; i < 2000; i++ {
		b := randomBoard(frand.Intn(Size + 1))
		r, err := FromHash(b.Hash())
		is.NoErr(err)
		is.Equal(r.pieces, b.pieces)
		is.Equal(r.open, b.open)
		is.Equal(r.turn, b.turn)
		is.Equal(r.heuristic, b.heuristic)
		is.Equal(r.validMoves, b.validMoves)
		is.Equal(b.calcHash(), b.Hash())
		is.Equal(b.Hash().NumPieces(), b.NumPieces())
	}
}

func TestFromHashRejectsGarbage(t *testing.T) {
	is := is.New(t)
	// column 0 claims height 7
	_, err := FromHash(Hash(7) << heightOffset)
	is.True(errors.Is(err, ErrInvalidHash))
	// a color bit with no piece under it
	_, err = FromHash(Hash(1))
	is.True(errors.Is(err, ErrInvalidHash))
}
