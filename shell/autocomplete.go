package shell

import (
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/domino14/connect4solver/board"
)

// ShellCompleter provides context-aware autocomplete for shell commands
type ShellCompleter struct {
	sc *ShellController
}

func NewShellCompleter(sc *ShellController) *ShellCompleter {
	return &ShellCompleter{sc: sc}
}

// CommandMetadata holds autocomplete information for a command
type CommandMetadata struct {
	Options []string
	Args    []string
}

var commandMetadata = map[string]CommandMetadata{
	"cache": {
		Options: []string{"-bins"},
	},
	"help": {
		Args: []string{"solve", "cache", "random", "gc"},
	},
}

var commandNames = []string{
	"help", "new", "play", "undo", "show", "hash", "fromhash", "mirror",
	"random", "solve", "eval", "line", "stats", "cache", "gc", "exit",
}

// playableColumns lists the columns that still have room in the current
// position.
func (c *ShellCompleter) playableColumns() []string {
	var cols []string
	for col := 0; col < board.Width; col++ {
		if c.sc.cur.ValidMove(col) {
			cols = append(cols, strconv.Itoa(col))
		}
	}
	return cols
}

// Do implements the readline.AutoCompleter interface.
func (c *ShellCompleter) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])

	fields, err := shellquote.Split(text)
	if err != nil {
		fields = strings.Fields(text)
	}
	endsWithSpace := len(text) > 0 && text[len(text)-1] == ' '

	var prefix string
	var completions []string

	if len(fields) == 0 || (len(fields) == 1 && !endsWithSpace) {
		if len(fields) == 1 {
			prefix = fields[0]
		}
		completions = commandNames
	} else {
		cmdName := fields[0]
		if !endsWithSpace {
			prefix = fields[len(fields)-1]
		}
		switch {
		case cmdName == "play":
			completions = c.playableColumns()
		default:
			if metadata, exists := commandMetadata[cmdName]; exists {
				if strings.HasPrefix(prefix, "-") || len(metadata.Args) == 0 {
					completions = metadata.Options
				} else {
					completions = metadata.Args
				}
			}
		}
	}

	var matches [][]rune
	for _, completion := range completions {
		if strings.HasPrefix(completion, prefix) {
			// Return only the part that needs to be added
			matches = append(matches, []rune(completion[len(prefix):]))
		}
	}
	return matches, len(prefix)
}
