// Package config loads runtime configuration for the example msgserver
// binary from environment variables (with an optional .env file for local
// development), the same way the rest of this codebase's ambient stack
// expects.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob for the example server.
//
// Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	Addr      string `env:"PHNQ_MESSAGE_ADDR" envDefault:":8080"`
	WSPath    string `env:"PHNQ_MESSAGE_WS_PATH" envDefault:"/ws"`
	NATSUrl   string `env:"PHNQ_MESSAGE_NATS_URL" envDefault:""`
	LogNATS   bool   `env:"PHNQ_MESSAGE_LOG_NATS" envDefault:"false"`
	SignSalt  string `env:"PHNQ_MESSAGE_SIGN_SALT" envDefault:""`

	ResponseTimeout time.Duration `env:"PHNQ_MESSAGE_RESPONSE_TIMEOUT" envDefault:"5s"`

	MaxConnectAttempts int           `env:"PHNQ_MESSAGE_MAX_CONNECT_ATTEMPTS" envDefault:"1"`
	ConnectTimeWait    time.Duration `env:"PHNQ_MESSAGE_CONNECT_TIME_WAIT" envDefault:"2s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"PHNQ_MESSAGE_METRICS_ADDR" envDefault:":9090"`
}

// Load reads configuration from an optional .env file and then from the
// process environment (which always takes priority), validating the result.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks Config for internally inconsistent or out-of-range values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PHNQ_MESSAGE_ADDR is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %q)", c.LogFormat)
	}

	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("PHNQ_MESSAGE_RESPONSE_TIMEOUT must be positive, got %s", c.ResponseTimeout)
	}

	return nil
}
