package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/collector"
	"github.com/domino14/connect4solver/config"
	"github.com/domino14/connect4solver/progress"
	"github.com/domino14/connect4solver/shell"
	"github.com/domino14/connect4solver/solver"
	"github.com/domino14/connect4solver/sysmem"
)

var (
	GitVersion string
)

//go:embed c4solve.txt
var banner string

func main() {
	os.Exit(run(os.Args[1:]))
}

// run does everything main does and returns the exit code, so deferred
// cleanup and profile writes still happen when a solve fails.
func run(args []string) int {
	fmt.Println(banner)
	fmt.Println(GitVersion)

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	output.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("%s", i)
	}
	output.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("%s:", i)
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	cfg := &config.Config{}
	if err := cfg.Load(args); err != nil {
		log.Error().Err(err).Msg("loading-config")
		return 2
	}

	if cfg.GetBool(config.ConfigDebug) {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := log.Logger
	zerolog.DefaultContextLogger = &logger
	log.Debug().Msg("Debug logging is on")
	log.Info().Msgf("Loaded config: %v", cfg.SanitizedSettings())

	if cfg.GetString(config.ConfigCPUProfile) != "" {
		f, err := os.Create(cfg.GetString(config.ConfigCPUProfile))
		if err != nil {
			panic("could not create CPU profile: " + err.Error())
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			panic("could not start CPU profile: " + err.Error())
		}
		defer pprof.StopCPUProfile()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			log.Info().Msg("got quit signal...")
		case <-ctx.Done():
		}
		cancel()
		close(quit)
	}()

	c := cache.New(board.MaxDepth)
	gc := collector.New(c, sysmem.SystemProbe{}, collector.OptionsFromConfig(cfg))
	s := solver.New(solver.OptionsFromConfig(cfg), c, gc)

	code := 0
	mode := "solve"
	if len(cfg.Args) > 0 {
		mode = cfg.Args[0]
	}
	switch mode {
	case "shell":
		sc := shell.NewShellController(cfg, s, gc)
		go sc.Loop(ctx, sig)
		log.Info().Msg("started loop")
		<-quit
		sc.Cleanup()
	case "solve":
		err := solve(ctx, cfg, s)
		switch {
		case errors.Is(err, collector.ErrMemoryExhausted):
			log.Error().Err(err).Msg("out-of-memory")
			code = 1
		case err != nil:
			log.Error().Err(err).Msg("solve-failed")
			code = 1
		}
	default:
		log.Error().Str("mode", mode).Msg("unknown mode; use solve or shell")
		code = 2
	}

	if path := cfg.GetString(config.ConfigMemProfile); path != "" {
		if err := writeHeapProfile(path); err != nil {
			log.Error().Err(err).Msg("mem-profile")
			code = max(code, 1)
		}
	}
	log.Info().Int("code", code).Msg("shutting down")
	return code
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create memory profile: %w", err)
	}
	defer f.Close()
	memstats := &runtime.MemStats{}
	runtime.ReadMemStats(memstats)
	log.Info().Interface("memstats", memstats).Msg("memory-stats")
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("could not write memory profile: %w", err)
	}
	log.Info().Str("path", path).Msg("wrote memory profile")
	return nil
}

// solve runs the configured opening to completion while a reporter logs
// progress and, if a NATS server is configured, publishes it.
func solve(ctx context.Context, cfg *config.Config, s *solver.Solver) error {
	var sinks []progress.Sink
	if url := cfg.GetString(config.ConfigNatsURL); url != "" {
		ns, err := progress.DialNATS(url, cfg.GetString(config.ConfigNatsSubject))
		if err != nil {
			return err
		}
		defer func() {
			if err := ns.Close(); err != nil {
				log.Err(err).Msg("closing-nats")
			}
		}()
		sinks = append(sinks, ns)
	}
	rep := progress.NewReporter(s, cfg.GetDuration(config.ConfigProgressInterval), sinks...)

	g, gctx := errgroup.WithContext(ctx)
	repCtx, stopReporting := context.WithCancel(gctx)
	defer stopReporting()

	var res *solver.Result
	g.Go(func() error {
		return rep.Run(repCtx)
	})
	g.Go(func() error {
		defer stopReporting()
		var err error
		res, err = s.Run(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	rep.Report()
	fmt.Println(res)

	if path := cfg.GetString(config.ConfigSummaryFile); path != "" {
		sum := progress.NewSummary(res, s.Status(), cfg.SanitizedSettings())
		if err := progress.WriteSummary(path, sum); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("wrote-summary")
	}
	return nil
}
