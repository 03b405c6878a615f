package config

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Components derive children tagged
// with their module name.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "invalid log level %q", cfg.Level)
	}

	switch cfg.Format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
