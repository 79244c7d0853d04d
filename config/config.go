package config

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ConfigThreads          = "threads"
	ConfigSplitDepth       = "split-depth"
	ConfigWaitTimeout      = "wait-timeout"
	ConfigMemoryCapMB      = "memory-cap-mb"
	ConfigMemoryMarginMB   = "memory-margin-mb"
	ConfigGCCheckInterval  = "gc-check-interval"
	ConfigGCMinBytes       = "gc-min-bytes"
	ConfigGCMinEntries     = "gc-min-entries"
	ConfigGCFloorDepth     = "gc-floor-depth"
	ConfigGCRecreateMaps   = "gc-recreate-maps"
	ConfigMoveOrder        = "move-order"
	ConfigMirrorKeys       = "mirror-keys"
	ConfigOpening          = "opening"
	ConfigProgressInterval = "progress-interval"
	ConfigProgressDepth    = "progress-depth"
	ConfigNatsURL          = "nats-url"
	ConfigNatsSubject      = "nats-subject"
	ConfigSummaryFile      = "summary-file"
	ConfigDebug            = "debug"
	ConfigCPUProfile       = "cpu-profile"
	ConfigMemProfile       = "mem-profile"
	ConfigConfigFile       = "config-file"
)

const (
	MoveOrderHeuristic   = "heuristic"
	MoveOrderCenterFirst = "center"
)

var ErrBadMoveOrder = errors.New("move-order must be heuristic or center")

// Config holds every tunable of a solver run. Values come, in increasing
// priority, from the defaults below, an optional YAML file, C4SOLVE_*
// environment variables and command-line flags.
type Config struct {
	*viper.Viper
	// Args holds whatever was left on the command line after flags.
	Args []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(ConfigThreads, runtime.NumCPU())
	v.SetDefault(ConfigSplitDepth, 14)
	v.SetDefault(ConfigWaitTimeout, 10*time.Second)
	v.SetDefault(ConfigMemoryCapMB, 0)
	v.SetDefault(ConfigMemoryMarginMB, 1024)
	v.SetDefault(ConfigGCCheckInterval, 2*time.Second)
	v.SetDefault(ConfigGCMinBytes, 64<<20)
	v.SetDefault(ConfigGCMinEntries, 500000)
	v.SetDefault(ConfigGCFloorDepth, 14)
	v.SetDefault(ConfigGCRecreateMaps, true)
	v.SetDefault(ConfigMoveOrder, MoveOrderHeuristic)
	v.SetDefault(ConfigMirrorKeys, true)
	v.SetDefault(ConfigOpening, []int{3})
	v.SetDefault(ConfigProgressInterval, 10*time.Second)
	v.SetDefault(ConfigProgressDepth, 14)
	v.SetDefault(ConfigNatsURL, "")
	v.SetDefault(ConfigNatsSubject, "c4solve.progress")
	v.SetDefault(ConfigSummaryFile, "")
	v.SetDefault(ConfigDebug, false)
	v.SetDefault(ConfigCPUProfile, "")
	v.SetDefault(ConfigMemProfile, "")
	v.SetDefault(ConfigConfigFile, "")
}

// DefaultConfig returns a configuration with only the defaults set. Tests
// use it directly and override what they need with Set.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	return &Config{Viper: v}
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("c4solve", pflag.ContinueOnError)
	fs.Int(ConfigThreads, runtime.NumCPU(), "number of search workers")
	fs.Int(ConfigSplitDepth, 14, "deepest ply at which idle workers may join a search")
	fs.Duration(ConfigWaitTimeout, 10*time.Second, "how long to wait on a contended position before logging")
	fs.Int(ConfigMemoryCapMB, 0, "fixed memory ceiling in MB; 0 derives it from available memory")
	fs.Int(ConfigMemoryMarginMB, 1024, "memory to leave free for the rest of the machine, in MB")
	fs.Duration(ConfigGCCheckInterval, 2*time.Second, "how often to sample process memory")
	fs.Int(ConfigGCMinBytes, 64<<20, "minimum bytes a collection pass should free")
	fs.Int(ConfigGCMinEntries, 500000, "minimum entries a collection pass should delete")
	fs.Int(ConfigGCFloorDepth, 14, "shallowest depth a collection pass starts from")
	fs.Bool(ConfigGCRecreateMaps, true, "rebuild swept cache maps to hand memory back")
	fs.String(ConfigMoveOrder, MoveOrderHeuristic, "child ordering: heuristic or center")
	fs.Bool(ConfigMirrorKeys, true, "share cache entries between mirrored positions")
	fs.IntSlice(ConfigOpening, []int{3}, "columns played before the search starts")
	fs.Duration(ConfigProgressInterval, 10*time.Second, "how often to report progress")
	fs.Int(ConfigProgressDepth, 14, "deepest ply whose completion updates the progress estimate")
	fs.String(ConfigNatsURL, "", "publish progress snapshots to this NATS server")
	fs.String(ConfigNatsSubject, "c4solve.progress", "NATS subject for progress snapshots")
	fs.String(ConfigSummaryFile, "", "write a YAML run summary to this file")
	fs.Bool(ConfigDebug, false, "debug logging")
	fs.String(ConfigCPUProfile, "", "write a CPU profile to this file")
	fs.String(ConfigMemProfile, "", "write a heap profile to this file")
	fs.String(ConfigConfigFile, "", "YAML file to read settings from")
	return fs
}

// Load builds the configuration from args (without the program name).
func (c *Config) Load(args []string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("c4solve")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	if f := v.GetString(ConfigConfigFile); f != "" {
		v.SetConfigFile(f)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", f, err)
		}
	}
	c.Viper = v
	c.Args = fs.Args()
	return c.Validate()
}

func (c *Config) Validate() error {
	switch c.GetString(ConfigMoveOrder) {
	case MoveOrderHeuristic, MoveOrderCenterFirst:
	default:
		return ErrBadMoveOrder
	}
	if c.GetInt(ConfigThreads) < 1 {
		c.Set(ConfigThreads, 1)
	}
	return nil
}

// SanitizedSettings returns all settings with credentials stripped, for
// logging.
func (c *Config) SanitizedSettings() map[string]any {
	s := c.AllSettings()
	if raw, ok := s[ConfigNatsURL].(string); ok && raw != "" {
		if u, err := url.Parse(raw); err == nil && u.User != nil {
			u.User = url.User("redacted")
			s[ConfigNatsURL] = u.String()
		}
	}
	return s
}
