package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/tripstudy/internal/config"
	"github.com/roach88/tripstudy/internal/engine"
	"github.com/roach88/tripstudy/internal/filelog"
	"github.com/roach88/tripstudy/internal/logging"
	"github.com/roach88/tripstudy/internal/store"
)

// loadConfig reads the config file named by --config (if any) plus the
// TRIPSTUDY_* environment. --verbose forces the debug level.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the log fan-out for cfg with console output on stderr.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Console: stderr,
		File:    cfg.Log.File,
		Journal: cfg.Log.Journal,
	})
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	return logger, closeLog, nil
}

// openStore opens the backend named in cfg.Storage.
func openStore(cfg config.StorageConfig) (engine.Store, error) {
	switch cfg.Backend {
	case config.BackendFiles:
		s, err := filelog.Open(cfg.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open data directory", err)
		}
		return s, nil
	case config.BackendSQLite:
		s, err := store.OpenWithDriver(cfg.Driver, cfg.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		return s, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown storage backend %q", cfg.Backend))
	}
}

// withController loads config, opens the store and runs fn with a
// controller over it. Logs go to stderr only.
func withController(opts *RootOptions, stderr io.Writer, fn func(*engine.Controller, engine.Store) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	ctrl, err := engine.New(st, engine.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create controller", err)
	}
	return fn(ctrl, st)
}
