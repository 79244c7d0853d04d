// Package collector frees finished, unreferenced cache entries when the
// process runs short of memory.
package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/config"
	"github.com/domino14/connect4solver/stats"
	"github.com/domino14/connect4solver/sysmem"
)

var ErrMemoryExhausted = errors.New("memory is still above the ceiling after a full collection pass")

// Share of each kind of entry a pass expects to be collectable. Black
// records are dropped by their parents more often than red ones, which
// keep every reply alive.
const (
	maximizerReclaimPercent = 70
	minimizerReclaimPercent = 50

	defaultCheckInterval = 2 * time.Second
)

type Options struct {
	// FixedCap, if nonzero, is the memory ceiling in bytes.
	FixedCap uint64
	// Margin is left free for the rest of the machine when the ceiling
	// is derived from available memory.
	Margin        uint64
	CheckInterval time.Duration
	MinBytes      uint64
	MinEntries    uint64
	// FloorDepth is the shallowest depth a pass may start sweeping from.
	FloorDepth   int
	RecreateMaps bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FixedCap:      uint64(cfg.GetInt(config.ConfigMemoryCapMB)) << 20,
		Margin:        uint64(cfg.GetInt(config.ConfigMemoryMarginMB)) << 20,
		CheckInterval: cfg.GetDuration(config.ConfigGCCheckInterval),
		MinBytes:      uint64(cfg.GetInt(config.ConfigGCMinBytes)),
		MinEntries:    uint64(cfg.GetInt(config.ConfigGCMinEntries)),
		FloorDepth:    cfg.GetInt(config.ConfigGCFloorDepth),
		RecreateMaps:  cfg.GetBool(config.ConfigGCRecreateMaps),
	}
}

// State is the collector's bookkeeping across passes.
type State struct {
	Runs             int             `yaml:"runs"`
	TotalDeleted     uint64          `yaml:"total_deleted"`
	TotalFreed       uint64          `yaml:"total_freed_bytes"`
	LastStartDepth   int             `yaml:"last_start_depth"`
	LastDepthScoured int             `yaml:"last_depth_scoured"`
	Pauses           stats.Statistic `yaml:"-"`
}

type Collector struct {
	cache *cache.Cache
	probe sysmem.Probe
	opts  Options

	ceiling atomic.Uint64
	used    atomic.Uint64
	over    atomic.Bool
	// allowance is how many entries may be added after a pass before the
	// next one is considered.
	allowance atomic.Uint64

	// running is held for the duration of a pass.
	running sync.Mutex

	mu    sync.Mutex
	state State
}

func New(c *cache.Cache, probe sysmem.Probe, opts Options) *Collector {
	if opts.FloorDepth < 1 {
		opts.FloorDepth = 1
	}
	if opts.FloorDepth > c.MaxDepth() {
		opts.FloorDepth = c.MaxDepth()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	col := &Collector{cache: c, probe: probe, opts: opts}
	col.Sample()
	log.Info().
		Uint64("ceiling-mb", col.ceiling.Load()>>20).
		Uint64("used-mb", col.used.Load()>>20).
		Msg("memory-ceiling")
	return col
}

// Sample reads the probe, recomputes the ceiling and reports whether the
// process is over it.
func (c *Collector) Sample() bool {
	used := c.probe.Used()
	ceiling := sysmem.Ceiling(c.probe, c.opts.FixedCap, c.opts.Margin)
	c.used.Store(used)
	c.ceiling.Store(ceiling)
	over := used > ceiling
	c.over.Store(over)
	return over
}

// Monitor samples memory every CheckInterval until ctx is done.
func (c *Collector) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.Sample() {
				log.Debug().
					Uint64("used-mb", c.used.Load()>>20).
					Uint64("ceiling-mb", c.ceiling.Load()>>20).
					Msg("memory-over-ceiling")
			}
		}
	}
}

// Used and Ceiling return the last sampled values, in bytes.
func (c *Collector) Used() uint64 { return c.used.Load() }
func (c *Collector) Ceiling() uint64 { return c.ceiling.Load() }

// MaybeCollect runs a pass if memory is over the ceiling and enough
// entries were added since the last one. Only one pass runs at a time;
// callers that lose the race return immediately.
func (c *Collector) MaybeCollect() error {
	if !c.over.Load() || c.cache.AddedSinceReset() <= c.allowance.Load() {
		return nil
	}
	if !c.running.TryLock() {
		return nil
	}
	defer c.running.Unlock()
	return c.collect()
}

// Collect runs a pass unconditionally, waiting for any pass in progress.
func (c *Collector) Collect() error {
	c.running.Lock()
	defer c.running.Unlock()
	return c.collect()
}

func reclaimable(c *cache.Cache, depth int) uint64 {
	kind := cache.KindAt(depth)
	pct := uint64(maximizerReclaimPercent)
	if kind == cache.MinimizerKind {
		pct = minimizerReclaimPercent
	}
	return uint64(c.Size(depth)) * cache.RecordSize(kind) * pct / 100
}

// startDepth picks where a pass begins: the shallowest depth needed for
// the estimated reclaimable bytes below it to cover want.
func (c *Collector) startDepth(want uint64) int {
	var est uint64
	for d := c.cache.MaxDepth(); d > c.opts.FloorDepth; d-- {
		est += reclaimable(c.cache, d)
		if est >= want {
			return d
		}
	}
	return c.opts.FloorDepth
}

func (c *Collector) collect() error {
	begin := time.Now()
	used, ceiling := c.used.Load(), c.ceiling.Load()
	want := c.opts.MinBytes
	if used > ceiling {
		want = max(want, used-ceiling)
	}
	start := c.startDepth(want)
	maxDepth := c.cache.MaxDepth()

	var deleted, freed uint64
	var pending []board.Hash
	d := start
	satisfied := false
	for ; d <= maxDepth; d++ {
		res := c.cache.Sweep(d, pending)
		pending = res.Cascade
		deleted += res.Deleted
		freed += res.Freed
		if c.opts.RecreateMaps && res.Deleted > 0 {
			c.cache.Recreate(d)
		}
		if freed >= c.opts.MinBytes && deleted >= c.opts.MinEntries {
			satisfied = true
			break
		}
	}
	last := min(d, maxDepth)
	if len(pending) > 0 {
		if last+1 > maxDepth {
			panic(fmt.Sprintf("collector: %d references cascade past depth %d", len(pending), maxDepth))
		}
		// The pass stops after one forward sweep; the children still owe
		// their parents' references.
		c.cache.ReleaseAll(last+1, pending)
	}

	c.cache.ResetAdded()
	c.allowance.Store(deleted / 2)
	runtime.GC()
	debug.FreeOSMemory()
	stillOver := c.Sample()
	pause := time.Since(begin)

	c.mu.Lock()
	c.state.Runs++
	c.state.TotalDeleted += deleted
	c.state.TotalFreed += freed
	c.state.LastStartDepth = start
	c.state.LastDepthScoured = last
	c.state.Pauses.PushDuration(pause)
	c.mu.Unlock()

	log.Info().
		Int("start-depth", start).
		Int("last-depth", last).
		Uint64("deleted", deleted).
		Uint64("freed-mb", freed>>20).
		Uint64("used-mb", c.used.Load()>>20).
		Uint64("ceiling-mb", c.ceiling.Load()>>20).
		Dur("pause", pause).
		Msg("collected-garbage")

	if stillOver && !satisfied && start == c.opts.FloorDepth {
		return fmt.Errorf("used %d MB, ceiling %d MB: %w",
			c.used.Load()>>20, c.ceiling.Load()>>20, ErrMemoryExhausted)
	}
	return nil
}

// State returns a copy of the collector's bookkeeping.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
