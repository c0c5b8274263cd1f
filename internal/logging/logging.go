// Package logging sets up the process-wide zerolog logger the way both
// teacher binaries do it (cmd/client/main.go, cmd/server/main.go):
// a console writer when attached, a plain file writer when daemonized,
// and a --loglevel flag mapped onto zerolog.SetGlobalLevel.
package logging

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. If logFile is non-empty
// (§6: "only meaningful with -d"), output goes to that file instead of
// the console writer.
func Setup(level, logFile string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out *os.File = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("logging: open log file: %w", err)
		}
		out = f
		log.Logger = log.Output(out)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "DEBUG", "debug":
		return zerolog.DebugLevel, nil
	case "INFO", "info", "":
		return zerolog.InfoLevel, nil
	case "WARN", "warn":
		return zerolog.WarnLevel, nil
	case "ERROR", "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("logging: invalid --loglevel %q", level)
	}
}
