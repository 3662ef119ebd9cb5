// Package logging configures the zerolog.Logger shared by a Router and its
// Connections, following the pretty-console/JSON-file split used by the
// rest of the pack's production servers.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Options configures New.
type Options struct {
	// Level is the minimum level that reaches any output.
	Level zerolog.Level
	// Pretty forces (or, if false, auto-detects from stdout being a tty)
	// the human-readable console writer instead of JSON lines.
	Pretty *bool
	// File, if non-empty, additionally writes JSON lines to this path.
	File string
}

// New builds a Logger per Options. Router/Connection code should derive
// component loggers from it with log.With().Str("component", ...).Logger()
// rather than constructing new roots.
func New(opts Options) (zerolog.Logger, error) {
	var writers []io.Writer

	pretty := opts.Pretty != nil && *opts.Pretty
	if opts.Pretty == nil {
		pretty = isatty.IsTerminal(os.Stdout.Fd())
	}
	if pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()})
	} else {
		writers = append(writers, os.Stdout)
	}

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(opts.Level).
		With().
		Timestamp().
		Logger()
	return logger, nil
}

// Component returns a child logger tagged with a component name, for the
// Router ("router") and each Connection ("conn", tagged further with its
// own ID by the caller).
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
