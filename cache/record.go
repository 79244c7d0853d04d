package cache

import (
	"fmt"
	"unsafe"

	"github.com/domino14/connect4solver/board"
)

// Kind says which side is to move in a cached position, and so which
// payload its record carries once finished.
type Kind uint8

const (
	// MaximizerKind records belong to positions with black to move.
	MaximizerKind Kind = iota
	// MinimizerKind records belong to positions with red to move.
	MinimizerKind
)

func (k Kind) String() string {
	if k == MaximizerKind {
		return "maximizer"
	}
	return "minimizer"
}

// KindAt returns the record kind for positions with depth pieces on the
// board. Black moves first, so even depths are black's.
func KindAt(depth int) Kind {
	return Kind(depth & 1)
}

type State uint8

const (
	Unclaimed State = iota
	Claimed
	Finished
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Finished:
		return "finished"
	}
	return "unclaimed"
}

// Payload is what a finished record keeps alive in the next depth. It is
// one of Maximizer or Minimizer.
type Payload interface {
	Kind() Kind
}

// Maximizer keeps only the reply black chose.
type Maximizer struct {
	Best    board.Hash
	HasBest bool
}

func (Maximizer) Kind() Kind { return MaximizerKind }

// Minimizer keeps every reply, since its value depends on all of them.
type Minimizer struct {
	Children [board.Width]board.Hash
	N        uint8
}

func (Minimizer) Kind() Kind { return MinimizerKind }

// Retained returns the child keys a finished payload holds references to.
func Retained(p Payload) []board.Hash {
	switch v := p.(type) {
	case nil:
		return nil
	case Maximizer:
		if v.HasBest {
			return []board.Hash{v.Best}
		}
		return nil
	case Minimizer:
		return v.Children[:v.N]
	default:
		panic(fmt.Sprintf("cache: unknown payload %T", p))
	}
}

// Record is the cached evaluation of one position. All fields are guarded
// by the lock of the depth the record lives in.
type Record struct {
	payload    Payload
	refs       uint32
	owner      int32
	state      State
	kind       Kind
	movesToWin int8
	symmetric  bool
}

// Snapshot is a consistent copy of a record taken under its depth lock.
type Snapshot struct {
	State      State
	Owner      int
	MovesToWin int
	Refs       uint32
	Kind       Kind
	Symmetric  bool
	Payload    Payload
}

func (r *Record) snapshot() Snapshot {
	return Snapshot{
		State:      r.state,
		Owner:      int(r.owner),
		MovesToWin: int(r.movesToWin),
		Refs:       r.refs,
		Kind:       r.kind,
		Symmetric:  r.symmetric,
		Payload:    r.payload,
	}
}

const noOwner = -1

var (
	mapEntrySize  = uint64(unsafe.Sizeof(board.Hash(0)) + unsafe.Sizeof(uintptr(0)))
	recordSize    = uint64(unsafe.Sizeof(Record{}))
	maximizerSize = uint64(unsafe.Sizeof(Maximizer{}))
	minimizerSize = uint64(unsafe.Sizeof(Minimizer{}))
)

// reservationSize is what an entry costs before it has a payload.
var reservationSize = mapEntrySize + recordSize

// RecordSize estimates the bytes one finished entry of the given kind
// holds, counting its map slot.
func RecordSize(k Kind) uint64 {
	if k == MinimizerKind {
		return mapEntrySize + recordSize + minimizerSize
	}
	return mapEntrySize + recordSize + maximizerSize
}
