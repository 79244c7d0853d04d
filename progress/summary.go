package progress

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/domino14/connect4solver/solver"
	"github.com/domino14/connect4solver/stats"
)

// Summary is the YAML record of a finished run.
type Summary struct {
	Root       string          `yaml:"root"`
	MovesToWin int             `yaml:"moves_to_win"`
	BlackWins  bool            `yaml:"black_wins"`
	Line       []int           `yaml:"line,flow"`
	Elapsed    string          `yaml:"elapsed"`
	Counters   solver.Counters `yaml:"counters"`
	Cache      CacheSummary    `yaml:"cache"`
	GC         *GCSummary      `yaml:"gc,omitempty"`
	Settings   map[string]any  `yaml:"settings,omitempty"`
}

type CacheSummary struct {
	Lookups uint64 `yaml:"lookups"`
	Hits    uint64 `yaml:"hits"`
	Misses  uint64 `yaml:"misses"`
	Created uint64 `yaml:"created"`
	Deleted uint64 `yaml:"deleted"`
	Entries int    `yaml:"entries"`
	Sizes   []int  `yaml:"sizes,flow"`
}

type GCSummary struct {
	Runs             int           `yaml:"runs"`
	TotalDeleted     uint64        `yaml:"total_deleted"`
	TotalFreedMB     uint64        `yaml:"total_freed_mb"`
	LastDepthScoured int           `yaml:"last_depth_scoured"`
	PauseSeconds     stats.Summary `yaml:"pause_seconds"`
}

func NewSummary(res *solver.Result, st solver.Status, settings map[string]any) Summary {
	s := Summary{
		Root:       res.Root.Hash().String(),
		MovesToWin: res.MovesToWin,
		BlackWins:  res.BlackWins(),
		Line:       res.Line,
		Elapsed:    res.Elapsed.Round(time.Millisecond).String(),
		Counters:   res.Stats,
		Cache: CacheSummary{
			Lookups: st.Cache.Lookups,
			Hits:    st.Cache.Hits,
			Misses:  st.Cache.Misses(),
			Created: st.Cache.Created,
			Deleted: st.Cache.Deleted,
			Entries: st.Entries,
			Sizes:   st.Sizes,
		},
		Settings: settings,
	}
	if st.GC != nil {
		s.GC = &GCSummary{
			Runs:             st.GC.Runs,
			TotalDeleted:     st.GC.TotalDeleted,
			TotalFreedMB:     st.GC.TotalFreed >> 20,
			LastDepthScoured: st.GC.LastDepthScoured,
			PauseSeconds:     st.GC.Pauses.Summary(),
		}
	}
	return s
}

func WriteSummary(path string, s Summary) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}
