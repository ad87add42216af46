package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global logger. format is "console" or "json".
func SetupLogger(level, format string) error {
	return SetupLoggerWriter(os.Stderr, level, format)
}

func SetupLoggerWriter(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch strings.ToLower(format) {
	case "", "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w}).Level(lvl)
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	return nil
}
