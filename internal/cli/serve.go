package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tripstudy/internal/api"
	"github.com/roach88/tripstudy/internal/engine"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Host string
	Port int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the study HTTP API.

Storage, logging and the listen address come from the config file and the
TRIPSTUDY_* environment; --host and --port override the address.

Example:
  tripstudy serve --config tripstudy.yaml
  TRIPSTUDY_STORAGE_BACKEND=files TRIPSTUDY_STORAGE_PATH=./data tripstudy serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "listen port (overrides server.port)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}

	logger, closeLog, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("opening store", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path)
	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	metrics := api.NewMetrics()
	ctrl, err := engine.New(st,
		engine.WithLogger(logger),
		engine.WithObserver(metrics),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create controller", err)
	}

	server, err := api.NewServer(ctrl, metrics, logger, &api.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("server starting", "addr", cfg.Server.Addr())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on http://%s\n", cfg.Server.Addr())

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
