package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/thekeeper/internal/logsvc"
)

// shutdownTimeout bounds how long serve waits for in-flight requests.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Listen   string

	// Ready, if set, receives the bound address once the listener is up
	// (for testing with ":0").
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the log service",
		Long: `Run thekeeper log service over HTTP.

The service keeps the authoritative event log in a SQLite database
(creating it if it doesn't exist), assigns every ts and filters what each
actor may pull.

Example:
  keeper serve --service-db ./thekeeper.db --listen :8081
  keeper serve --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "service-db", "", "log service database path (default $KEEPER_SERVICE_DB)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default $KEEPER_LISTEN_ADDR)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	if err := opts.loadConfig(cmd); err != nil {
		return err
	}
	dbPath := firstNonEmpty(opts.Database, opts.Config.ServiceDB)
	addr := firstNonEmpty(opts.Listen, opts.Config.ListenAddr)

	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	logger.Info("opening database", "path", dbPath)
	st, err := logsvc.OpenStore(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	svc, err := logsvc.New(ctx, st, logsvc.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load log", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	logger.Info("log service listening", "addr", ln.Addr().String(), "db", dbPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Log service listening on %s\n", ln.Addr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}

	logger.Info("log service stopped gracefully")
	return nil
}

// NewCreateOrgaCommand creates the create-orga command.
func NewCreateOrgaCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "create-orga <handle>",
		Short: "Create an orga actor and print its share code",
		Long: `Create an orga actor directly in the log service database and print a
single-use code. Redeem the code on the orga's device to link it.

Run this against the service database, not through the HTTP API.

Example:
  keeper create-orga ORGA --service-db ./thekeeper.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.loadConfig(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := logsvc.OpenStore(firstNonEmpty(dbPath, rootOpts.Config.ServiceDB))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open database", err)
			}
			defer st.Close()

			logger := newLogger(rootOpts, cmd.ErrOrStderr())
			svc, err := logsvc.New(ctx, st, logsvc.WithLogger(logger))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load log", err)
			}

			out := newFormatter(rootOpts, cmd)
			code, err := svc.CreateOrga(ctx, args[0])
			if err != nil {
				return out.Fail("create-orga failed", err)
			}
			return out.Success(map[string]string{"handle": args[0], "code": code}, code)
		},
	}

	cmd.Flags().StringVar(&dbPath, "service-db", "", "log service database path (default $KEEPER_SERVICE_DB)")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
