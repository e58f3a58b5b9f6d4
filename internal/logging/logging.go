// Package logging builds the structured logger for the spawnmux daemon
// using stdlib slog. Diagnostics go to stderr: the control socket carries
// protocol traffic only, and stdout belongs to whatever the parent wired
// there.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/xid"
	"golang.org/x/term"
)

// LogConfig controls logger creation.
type LogConfig struct {
	Level  string    // "debug", "info", "warn", "error"
	Format string    // "auto" (default), "text", "json"
	Output io.Writer // defaults to os.Stderr
}

// New creates a configured *slog.Logger. Format "auto" picks text when
// the output is a terminal and json otherwise.
func New(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		if isTerminal(out) {
			handler = slog.NewTextHandler(out, opts)
		} else {
			handler = slog.NewJSONHandler(out, opts)
		}
	}

	return slog.New(handler)
}

// NewDaemon creates the daemon logger, stamping every record with a
// run id so interleaved runs can be told apart in shared logs.
func NewDaemon(cfg LogConfig) *slog.Logger {
	return New(cfg).With("run_id", xid.New().String())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
