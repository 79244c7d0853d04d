// Package shell is an interactive explorer for connect-four positions and
// the solver's move cache.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"

	"github.com/domino14/connect4solver/board"
	"github.com/domino14/connect4solver/cache"
	"github.com/domino14/connect4solver/collector"
	"github.com/domino14/connect4solver/config"
	"github.com/domino14/connect4solver/solver"
)

const historyFile = "/tmp/c4solve-readline.tmp"

var (
	errNoData            = errors.New("no data in line")
	errWrongOptionSyntax = errors.New("wrong format; all options need arguments")
	errQuit              = errors.New("quitting")
)

type shellcmd struct {
	cmd     string
	args    []string
	options map[string]string
}

type ShellController struct {
	l   *readline.Instance
	cfg *config.Config

	cache  *cache.Cache
	gc     *collector.Collector
	solver *solver.Solver

	// The current position is base with moves played on top. base is the
	// empty board unless the position came from a hash.
	base  board.BitBoard
	moves []int
	cur   board.BitBoard

	// solved holds the roots whose cache references the solver still
	// keeps, so they can be dropped before the next solve.
	solved     []board.BitBoard
	lastResult *solver.Result
}

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func showMessage(msg string, w io.Writer) {
	io.WriteString(w, msg)
	io.WriteString(w, "\n")
}

// NewShellController wires a controller to an interactive terminal.
func NewShellController(cfg *config.Config, s *solver.Solver, gc *collector.Collector) *ShellController {
	sc := newController(cfg, s, gc)
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[33mc4solve>\033[0m ",
		HistoryFile:     historyFile,
		EOFPrompt:       "exit",
		InterruptPrompt: "^C",
		AutoComplete:    NewShellCompleter(sc),

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	sc.l = l
	return sc
}

func newController(cfg *config.Config, s *solver.Solver, gc *collector.Collector) *ShellController {
	return &ShellController{
		cfg:    cfg,
		cache:  s.Cache(),
		gc:     gc,
		solver: s,
		base:   board.New(),
		cur:    board.New(),
	}
}

func (sc *ShellController) showMessage(msg string) {
	showMessage(msg, sc.l.Stdout())
}

func (sc *ShellController) showError(err error) {
	sc.showMessage("Error: " + err.Error())
}

func extractFields(line string) (*shellcmd, error) {
	fields, err := shellquote.Split(line)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errNoData
	}
	cmd := fields[0]
	var args []string
	options := map[string]string{}
	for idx := 1; idx < len(fields); idx++ {
		if strings.HasPrefix(fields[idx], "-") {
			if idx == len(fields)-1 {
				return nil, errWrongOptionSyntax
			}
			options[fields[idx][1:]] = fields[idx+1]
			idx++
			continue
		}
		args = append(args, fields[idx])
	}
	return &shellcmd{cmd: cmd, args: args, options: options}, nil
}

// Execute runs a single command line and returns what it has to say.
func (sc *ShellController) Execute(ctx context.Context, line string) (*Response, error) {
	cmd, err := extractFields(line)
	if err != nil {
		return nil, err
	}
	switch cmd.cmd {
	case "exit", "bye":
		return nil, errQuit
	case "help":
		return sc.help(cmd)
	case "new":
		return sc.newGame(cmd)
	case "play":
		return sc.play(cmd)
	case "undo":
		return sc.undo(cmd)
	case "show":
		return sc.show(cmd)
	case "hash":
		return sc.hash(cmd)
	case "fromhash":
		return sc.fromHash(cmd)
	case "mirror":
		return sc.mirror(cmd)
	case "random":
		return sc.random(cmd)
	case "solve":
		return sc.solve(ctx, cmd)
	case "eval":
		return sc.eval(cmd)
	case "line":
		return sc.line(cmd)
	case "stats":
		return sc.stats(cmd)
	case "cache":
		return sc.cacheInfo(cmd)
	case "gc":
		return sc.collect(cmd)
	default:
		log.Debug().Msgf("you said: %v", line)
		return nil, fmt.Errorf("command %v not found", cmd.cmd)
	}
}

func (sc *ShellController) Loop(ctx context.Context, sig chan os.Signal) {
	defer sc.l.Close()

	for {
		line, err := sc.l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				sig <- syscall.SIGINT
				break
			}
			continue
		} else if err == io.EOF {
			sig <- syscall.SIGINT
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		resp, err := sc.Execute(ctx, line)
		if errors.Is(err, errQuit) {
			sig <- syscall.SIGINT
			break
		}
		if err != nil {
			sc.showError(err)
			continue
		}
		if resp != nil && resp.message != "" {
			sc.showMessage(resp.message)
		}
	}
	log.Debug().Msgf("Exiting readline loop...")
}

// Cleanup drops every root reference the shell still holds.
func (sc *ShellController) Cleanup() {
	sc.forgetSolved()
}
