package progress

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// ETA fits a line through the most recent (elapsed, progress) samples and
// extrapolates it to completion.
type ETA struct {
	window  int
	elapsed []float64
	done    []float64
}

func NewETA(window int) *ETA {
	return &ETA{window: max(window, 2)}
}

func (e *ETA) Add(elapsed time.Duration, progress float64) {
	e.elapsed = append(e.elapsed, elapsed.Seconds())
	e.done = append(e.done, progress)
	if len(e.elapsed) > e.window {
		e.elapsed = e.elapsed[1:]
		e.done = e.done[1:]
	}
}

// Remaining returns the estimated time left after the last sample, and
// false while there is not enough forward progress to estimate it.
func (e *ETA) Remaining() (time.Duration, bool) {
	n := len(e.elapsed)
	if n < 2 {
		return 0, false
	}
	alpha, beta := stat.LinearRegression(e.elapsed, e.done, nil, false)
	if beta <= 0 {
		return 0, false
	}
	finish := (1 - alpha) / beta
	left := finish - e.elapsed[n-1]
	if left < 0 {
		left = 0
	}
	return time.Duration(left * float64(time.Second)), true
}
