// Package progress reports on a running solve: periodic log lines, an
// optional NATS feed, and a YAML summary at the end.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/domino14/connect4solver/solver"
	"github.com/domino14/connect4solver/stats"
)

// Source is anything that can describe a solve in progress.
type Source interface {
	Status() solver.Status
}

// Sink receives every snapshot the reporter takes.
type Sink interface {
	Publish(Snapshot) error
}

// Snapshot is one progress report.
type Snapshot struct {
	Time           time.Time     `json:"time" yaml:"time"`
	Progress       float64       `json:"progress" yaml:"progress"`
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
	Remaining      time.Duration `json:"remaining,omitempty" yaml:"remaining,omitempty"`
	Nodes          uint64        `json:"nodes" yaml:"nodes"`
	Boards         uint64        `json:"boards" yaml:"boards"`
	NodesPerSecond float64       `json:"nodes_per_second" yaml:"nodes_per_second"`
	CacheHits      uint64        `json:"cache_hits" yaml:"cache_hits"`
	CacheMisses    uint64        `json:"cache_misses" yaml:"cache_misses"`
	Entries        int           `json:"entries" yaml:"entries"`
	UsedMB         uint64        `json:"used_mb" yaml:"used_mb"`
	CeilingMB      uint64        `json:"ceiling_mb" yaml:"ceiling_mb"`
	GCRuns         int           `json:"gc_runs" yaml:"gc_runs"`
	GCFreedMB      uint64        `json:"gc_freed_mb" yaml:"gc_freed_mb"`
	Routes         []string      `json:"routes" yaml:"routes"`
}

const defaultInterval = 10 * time.Second

type Reporter struct {
	src      Source
	interval time.Duration
	sinks    []Sink

	eta       *ETA
	rate      stats.Statistic
	lastNodes uint64
	lastTime  time.Duration
}

func NewReporter(src Source, interval time.Duration, sinks ...Sink) *Reporter {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reporter{
		src:      src,
		interval: interval,
		sinks:    sinks,
		eta:      NewETA(30),
	}
}

// Run reports every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report takes a snapshot, logs it and hands it to every sink.
func (r *Reporter) Report() Snapshot {
	snap := r.snapshot(r.src.Status())
	ev := log.Info().
		Str("progress", fmt.Sprintf("%.6f%%", snap.Progress*100)).
		Uint64("nodes", snap.Nodes).
		Float64("nodes-per-sec", snap.NodesPerSecond).
		Uint64("cache-hits", snap.CacheHits).
		Uint64("cache-misses", snap.CacheMisses).
		Int("entries", snap.Entries).
		Uint64("used-mb", snap.UsedMB).
		Uint64("ceiling-mb", snap.CeilingMB).
		Int("gc-runs", snap.GCRuns).
		Dur("elapsed", snap.Elapsed.Round(time.Second))
	if snap.Remaining > 0 {
		ev = ev.Dur("remaining", snap.Remaining.Round(time.Second))
	}
	ev.Msg("solve-progress")
	for i, route := range snap.Routes {
		log.Debug().Int("worker", i).Str("route", route).Msg("worker-route")
	}

	for _, s := range r.sinks {
		if err := s.Publish(snap); err != nil {
			log.Err(err).Msg("progress-publish-failed")
		}
	}
	return snap
}

func (r *Reporter) snapshot(st solver.Status) Snapshot {
	snap := Snapshot{
		Time:        time.Now(),
		Progress:    st.Progress,
		Elapsed:     st.Elapsed,
		Nodes:       st.Counters.Nodes,
		Boards:      st.Counters.Boards,
		CacheHits:   st.Cache.Hits,
		CacheMisses: st.Cache.Misses(),
		Entries:     st.Entries,
		UsedMB:      st.Used >> 20,
		CeilingMB:   st.Ceiling >> 20,
		Routes:      st.Routes,
	}
	if st.GC != nil {
		snap.GCRuns = st.GC.Runs
		snap.GCFreedMB = st.GC.TotalFreed >> 20
	}

	if dt := st.Elapsed - r.lastTime; dt > 0 {
		r.rate.Push(float64(st.Counters.Nodes-r.lastNodes) / dt.Seconds())
		snap.NodesPerSecond = r.rate.Last()
	}
	r.lastNodes, r.lastTime = st.Counters.Nodes, st.Elapsed

	r.eta.Add(st.Elapsed, st.Progress)
	if left, ok := r.eta.Remaining(); ok {
		snap.Remaining = left
	}
	return snap
}

// MeanRate is the average of the per-interval node rates seen so far.
func (r *Reporter) MeanRate() float64 {
	return r.rate.Mean()
}
