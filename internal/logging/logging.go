// Package logging builds the zerolog.Logger used across the example
// msgserver binary, matching the config-driven level/format switch the rest
// of this codebase's services use.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/phnq-org/message/internal/config"
)

// New builds a zerolog.Logger from cfg.LogLevel/cfg.LogFormat. It also sets
// the zerolog global level, since library code (nats.go callbacks, transport
// packages) logs through whatever logger it's handed without re-checking a
// level of its own.
func New(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.LogFormat == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "phnq-message").
		Logger()
}
