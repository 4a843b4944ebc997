package observability

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// serviceName is stamped onto every log line so shadowforged's logs are
// distinguishable from any other process shipping to the same sink.
const serviceName = "shadowforged"

// InitLogger initializes zerolog with sane defaults for the shadow-writing
// service. If logPath is non-empty, logs are written only to that file
// (append mode), not to stdout. If opening the file fails, logs fall back to
// stdout and an error is printed to stderr.
func InitLogger(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Str("service", serviceName).Logger()

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)

	// Redirect the standard library logger so a stray log.Print in a
	// vendored dependency still lands in the structured sink.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}
