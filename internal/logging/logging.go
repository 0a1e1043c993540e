// Package logging sets up the structured logger shared across the CLI.
package logging

import (
	"io"
	"log/slog"
)

// New returns a [*slog.Logger] writing JSON-formatted records to out. The
// CLI's --verbose flag selects debug; otherwise the logger stays at info,
// matching the teacher's CLI default of a higher floor than its services.
func New(out io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
