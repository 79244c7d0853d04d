package cache

import (
	"github.com/domino14/connect4solver/board"
)

// SweepResult describes what one Sweep call did at one depth.
type SweepResult struct {
	Deleted uint64
	Freed   uint64
	// Cascade lists the child keys at depth+1 whose references were held
	// by deleted records. They must be released at depth+1 next.
	Cascade []board.Hash
}

// Sweep first releases the references in pending (keys at depth, usually
// the cascade of the previous depth's sweep), then deletes every record at
// depth that nobody references and nobody has claimed. An unreferenced
// unclaimed record is a reservation its parent gave up; Claim is only
// ever called by a holder of a reference.
func (c *Cache) Sweep(depth int, pending []board.Hash) SweepResult {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, k := range pending {
		releaseLocked(d, depth, k)
	}

	var res SweepResult
	size := RecordSize(KindAt(depth))
	for k, r := range d.entries {
		if r.refs != 0 || r.state == Claimed {
			continue
		}
		if r.state == Finished {
			res.Cascade = append(res.Cascade, Retained(r.payload)...)
			res.Freed += size
		} else {
			res.Freed += reservationSize
		}
		delete(d.entries, k)
		res.Deleted++
	}
	c.deleted.Add(res.Deleted)
	return res
}

// Recreate copies the table at depth into a freshly sized map. Go maps
// never shrink, so this is the only way to give bucket memory back after
// a large sweep.
func (c *Cache) Recreate(depth int) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := make(map[board.Hash]*Record, len(d.entries))
	for k, r := range d.entries {
		fresh[k] = r
	}
	d.entries = fresh
}
