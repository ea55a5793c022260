package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Options control the process-wide logger built by Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Output string // stdout, stderr, or a file path
	Pretty bool   // human-readable console output instead of JSON
}

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Setup configures the root logger. Call once at startup before any
// component loggers are created.
func Setup(opts Options) error {
	var w io.Writer
	switch opts.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w = f
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}

	lvl := parseLevel(opts.Level)

	mu.Lock()
	root = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
	return nil
}

// For returns a logger tagged with the given component name. Components
// are stable identifiers like "grid", "executor" or "coordinator".
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
