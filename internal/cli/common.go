// Package cli holds the cobra commands of the deskrelay binary.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/markus-barta/deskrelay/internal/config"
	"github.com/markus-barta/deskrelay/internal/store"
	"github.com/markus-barta/deskrelay/internal/store/postgres"
	"github.com/markus-barta/deskrelay/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// configPath is bound to the persistent --config flag.
var configPath string

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger: console output on stderr.
func newLogger(level string) zerolog.Logger {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
}

// openStore opens the configured store. The postgres handle is returned
// as well so callers can build a listener on it; it is nil for sqlite.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, *postgres.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	default:
		if cfg.Store.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700); err != nil {
				return nil, nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		st, err := sqlite.Open(cfg.Store.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	}
}
