// Package sortnet orders the children of a position with fixed comparator
// networks. Only the two widths the search produces are supported: seven
// columns, or four on a board that is its own mirror image.
package sortnet

import "fmt"

// Entry pairs a child's score with the column that produced it.
type Entry struct {
	Score int64
	Index int
}

// Comparator pairs for the optimal 4- and 7-input networks.
var (
	network4 = [...][2]int{
		{0, 1}, {2, 3},
		{0, 2}, {1, 3},
		{1, 2},
	}
	network7 = [...][2]int{
		{1, 2}, {3, 4}, {5, 6},
		{0, 2}, {3, 5}, {4, 6},
		{0, 1}, {4, 5}, {2, 6},
		{0, 4}, {1, 5},
		{0, 3}, {2, 5},
		{1, 3}, {2, 4},
		{2, 3},
	}
)

// Orderings used before scores are applied. HeuristicOrder leaves ties in
// column order; CenterFirstOrder visits the center column and then works
// outward, which is a decent ordering by itself when heuristics are off.
var (
	HeuristicOrder   = [7]int{0, 1, 2, 3, 4, 5, 6}
	CenterFirstOrder = [7]int{3, 2, 1, 0, 4, 5, 6}
)

// Sort sorts e in place by score, ascending or descending. len(e) must be
// 4 or 7.
func Sort(e []Entry, descending bool) {
	switch len(e) {
	case 4:
		apply(e, network4[:], descending)
	case 7:
		apply(e, network7[:], descending)
	default:
		panic(fmt.Sprintf("sortnet: no network for %d inputs", len(e)))
	}
}

func apply(e []Entry, network [][2]int, descending bool) {
	for _, c := range network {
		i, j := c[0], c[1]
		if (!descending && e[i].Score > e[j].Score) || (descending && e[i].Score < e[j].Score) {
			e[i], e[j] = e[j], e[i]
		}
	}
}
