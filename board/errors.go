package board

import "fmt"

// ColumnFullError is returned when a piece is dropped into a full column.
type ColumnFullError struct {
	Column int
}

func (e *ColumnFullError) Error() string {
	return fmt.Sprintf("column %d is full", e.Column)
}

// GameAlreadyOverError is returned when a piece is dropped into a
// finished game.
type GameAlreadyOverError struct {
	State GameOverState
}

func (e *GameAlreadyOverError) Error() string {
	return fmt.Sprintf("game is already over (%s)", e.State)
}

type InvalidColumnError struct {
	Column int
}

func (e *InvalidColumnError) Error() string {
	return fmt.Sprintf("column %d is out of range [0, %d]", e.Column, MaxColumn)
}
