// Package logging builds the zerolog loggers shared by every process.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/config"
)

// New creates the root logger. Development mode writes human-readable
// console output; anything else writes JSON lines. Every entry is also
// copied into ring when it is non-nil.
func New(cfg *config.Config, ring *Ring) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if ring != nil {
		out = zerolog.MultiLevelWriter(out, ring)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Module returns a child logger tagged with the module name.
func Module(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("module", name).Logger()
}
