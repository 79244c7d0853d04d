// Package cache holds the per-depth transposition tables the solver shares
// between its workers. A depth is the number of pieces on the board, so
// every move goes from one table to the next one down.
//
// Records are reference counted by the parents that depend on them and
// are only ever removed by Sweep, once unreferenced and unclaimed.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/domino14/connect4solver/board"
)

var (
	ErrWaitTimeout = errors.New("timed out waiting for a position to finish")
	ErrStopped     = errors.New("wait stopped")
)

type depthCache struct {
	mu      sync.Mutex
	entries map[board.Hash]*Record
	// signal is closed and replaced whenever a record at this depth
	// finishes or is released, waking everyone waiting on it.
	signal chan struct{}
}

func (d *depthCache) broadcastLocked() {
	close(d.signal)
	d.signal = make(chan struct{})
}

// Cache is a set of depth-indexed tables.
type Cache struct {
	depths []depthCache

	lookups atomic.Uint64
	hits    atomic.Uint64
	created atomic.Uint64
	deleted atomic.Uint64
	// added counts entries created since the last ResetAdded.
	added atomic.Uint64
}

// New creates tables for depths 0 through maxDepth inclusive.
func New(maxDepth int) *Cache {
	c := &Cache{depths: make([]depthCache, maxDepth+1)}
	for i := range c.depths {
		c.depths[i].entries = make(map[board.Hash]*Record)
		c.depths[i].signal = make(chan struct{})
	}
	log.Debug().Int("depths", len(c.depths)).Msg("created-move-cache")
	return c
}

// MaxDepth returns the deepest table index.
func (c *Cache) MaxDepth() int {
	return len(c.depths) - 1
}

func (c *Cache) at(depth int) *depthCache {
	if depth < 0 || depth >= len(c.depths) {
		panic(fmt.Sprintf("cache: depth %d out of range [0, %d]", depth, len(c.depths)-1))
	}
	return &c.depths[depth]
}

func (c *Cache) reserveLocked(d *depthCache, depth int, key board.Hash, symmetric bool) (*Record, bool) {
	c.lookups.Add(1)
	if r, ok := d.entries[key]; ok {
		c.hits.Add(1)
		r.refs++
		return r, false
	}
	r := &Record{
		refs:      1,
		owner:     noOwner,
		kind:      KindAt(depth),
		symmetric: symmetric,
	}
	d.entries[key] = r
	c.created.Add(1)
	c.added.Add(1)
	return r, true
}

// LookupOrReserve returns the record for key at depth, creating it if
// needed. Either way the caller now holds one reference to it and must
// eventually Release it or hand it to a finished parent.
func (c *Cache) LookupOrReserve(depth int, key board.Hash, symmetric bool) (*Record, bool) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	return c.reserveLocked(d, depth, key, symmetric)
}

// Request is one entry of a batched LookupOrReserveAll.
type Request struct {
	Key       board.Hash
	Symmetric bool

	Record  *Record
	Created bool
}

// LookupOrReserveAll is LookupOrReserve for several keys under a single
// acquisition of the depth lock.
func (c *Cache) LookupOrReserveAll(depth int, reqs []Request) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range reqs {
		reqs[i].Record, reqs[i].Created = c.reserveLocked(d, depth, reqs[i].Key, reqs[i].Symmetric)
	}
}

func releaseLocked(d *depthCache, depth int, key board.Hash) {
	r, ok := d.entries[key]
	if !ok {
		panic(fmt.Sprintf("cache: release of missing key %v at depth %d", key, depth))
	}
	if r.refs == 0 {
		panic(fmt.Sprintf("cache: reference count underflow for %v at depth %d", key, depth))
	}
	r.refs--
}

// Release drops one reference to key. It never deletes.
func (c *Cache) Release(depth int, key board.Hash) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	releaseLocked(d, depth, key)
}

// ReleaseAll drops one reference to each key.
func (c *Cache) ReleaseAll(depth int, keys []board.Hash) {
	if len(keys) == 0 {
		return
	}
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		releaseLocked(d, depth, k)
	}
}

// Claim makes worker the owner of an unclaimed record. It returns false if
// the record is finished or owned by another worker.
func (c *Cache) Claim(depth int, r *Record, worker int) bool {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch r.state {
	case Unclaimed:
		r.state = Claimed
		r.owner = int32(worker)
		return true
	case Claimed:
		if int(r.owner) == worker {
			panic(fmt.Sprintf("cache: worker %d claimed a record it already owns at depth %d", worker, depth))
		}
	}
	return false
}

func (c *Cache) finish(depth int, r *Record, worker int, movesToWin int, p Payload) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case r.state == Finished:
		panic(fmt.Sprintf("cache: record at depth %d finished twice", depth))
	case r.state != Claimed || int(r.owner) != worker:
		panic(fmt.Sprintf("cache: worker %d finished a record it does not own at depth %d (owner %d)",
			worker, depth, r.owner))
	case p != nil && p.Kind() != r.kind:
		panic(fmt.Sprintf("cache: %s payload for a %s record at depth %d", p.Kind(), r.kind, depth))
	}
	r.state = Finished
	r.owner = noOwner
	r.movesToWin = int8(movesToWin)
	r.payload = p
	d.broadcastLocked()
}

// FinishMaximizer records black's result. The record keeps the reference
// to best, if any; the caller must release every other child.
func (c *Cache) FinishMaximizer(depth int, r *Record, worker int, movesToWin int, best board.Hash, hasBest bool) {
	c.finish(depth, r, worker, movesToWin, Maximizer{Best: best, HasBest: hasBest})
}

// FinishMinimizer records red's result. The record keeps the references
// to all children.
func (c *Cache) FinishMinimizer(depth int, r *Record, worker int, movesToWin int, children []board.Hash) {
	m := Minimizer{N: uint8(len(children))}
	copy(m.Children[:], children)
	c.finish(depth, r, worker, movesToWin, m)
}

// FinishLost records that black cannot force a win. The record keeps no
// references.
func (c *Cache) FinishLost(depth int, r *Record, worker int) {
	c.finish(depth, r, worker, board.BlackLost, nil)
}

// ReleaseWithoutFinish hands a claimed record back so another worker can
// pick it up later.
func (c *Cache) ReleaseWithoutFinish(depth int, r *Record, worker int) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.state != Claimed || int(r.owner) != worker {
		panic(fmt.Sprintf("cache: worker %d released a record it does not own at depth %d", worker, depth))
	}
	r.state = Unclaimed
	r.owner = noOwner
	d.broadcastLocked()
}

// Peek returns a consistent copy of r.
func (c *Cache) Peek(depth int, r *Record) Snapshot {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	return r.snapshot()
}

// PeekKey returns a copy of the record stored under key, if any.
func (c *Cache) PeekKey(depth int, key board.Hash) (Snapshot, bool) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Each calls fn with a copy of every record at depth, holding the depth
// lock throughout. fn must not call back into the cache.
func (c *Cache) Each(depth int, fn func(key board.Hash, snap Snapshot)) {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, r := range d.entries {
		fn(k, r.snapshot())
	}
}

// WaitAny blocks until at least one of recs is no longer claimed. It gives
// up with ErrWaitTimeout after timeout and with ErrStopped as soon as stop
// reports true on a wake-up. The caller must hold references to recs.
func (c *Cache) WaitAny(ctx context.Context, depth int, recs []*Record, timeout time.Duration, stop func() bool) error {
	d := c.at(depth)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		d.mu.Lock()
		for _, r := range recs {
			if r.state != Claimed {
				d.mu.Unlock()
				return nil
			}
		}
		ch := d.signal
		d.mu.Unlock()

		if stop != nil && stop() {
			return ErrStopped
		}
		select {
		case <-ch:
		case <-timer.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BroadcastAll wakes every waiter at every depth so they recheck their
// stop conditions.
func (c *Cache) BroadcastAll() {
	for i := range c.depths {
		d := &c.depths[i]
		d.mu.Lock()
		d.broadcastLocked()
		d.mu.Unlock()
	}
}

// Size returns the number of entries at depth.
func (c *Cache) Size(depth int) int {
	d := c.at(depth)
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Sizes returns the number of entries at every depth.
func (c *Cache) Sizes() []int {
	s := make([]int, len(c.depths))
	for i := range s {
		s[i] = c.Size(i)
	}
	return s
}

type Stats struct {
	Lookups uint64
	Hits    uint64
	Created uint64
	Deleted uint64
	Added   uint64
}

func (c *Cache) Stats() Stats {
	return Stats{
		Lookups: c.lookups.Load(),
		Hits:    c.hits.Load(),
		Created: c.created.Load(),
		Deleted: c.deleted.Load(),
		Added:   c.added.Load(),
	}
}

// Misses is the number of lookups that created an entry.
func (s Stats) Misses() uint64 {
	return s.Lookups - s.Hits
}

// Entries is the number of live entries.
func (s Stats) Entries() uint64 {
	return s.Created - s.Deleted
}

// AddedSinceReset returns the number of entries created since the last
// ResetAdded.
func (c *Cache) AddedSinceReset() uint64 {
	return c.added.Load()
}

func (c *Cache) ResetAdded() {
	c.added.Store(0)
}
