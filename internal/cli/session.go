package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/thekeeper/internal/auth"
	"github.com/roach88/thekeeper/internal/engine"
	"github.com/roach88/thekeeper/internal/keys"
	"github.com/roach88/thekeeper/internal/logclient"
	"github.com/roach88/thekeeper/internal/projection"
	"github.com/roach88/thekeeper/internal/replica"
)

// session is an opened replica with its engine.
type session struct {
	store  *replica.Store
	engine *engine.Engine
	logger *slog.Logger
}

// newLogger returns a text logger on w, at debug level under --verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openSession opens the replica database, ensures the device keypair and
// opens the engine against the configured log service.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	if err := opts.loadConfig(cmd); err != nil {
		return nil, err
	}
	cfg := opts.Config
	logger := newLogger(opts, cmd.ErrOrStderr())

	st, err := replica.Open(cfg.ReplicaDB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open replica database", err)
	}

	kp, err := keys.NewManager(st, keys.WithLogger(logger)).EnsureKeyPair(ctx)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load device key", err)
	}

	client := logclient.New(cfg.LogURL, auth.New(nil), kp,
		logclient.WithLogger(logger),
		logclient.WithTTLs(cfg.ReadTTL, cfg.WriteTTL),
		logclient.WithRetry(cfg.RetryTries),
	)
	eng := engine.New(client, st, engine.WithLogger(logger))
	if err := eng.Open(ctx); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open replica", err)
	}

	logger.Debug("session opened", "db", cfg.ReplicaDB, "log_url", cfg.LogURL)
	return &session{store: st, engine: eng, logger: logger}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing replica database", "error", err)
	}
}

// ReplicaView is the JSON form of a replica.
type ReplicaView struct {
	Cursor     int64                 `json:"cursor"`
	Handle     string                `json:"handle,omitempty"`
	State      string                `json:"state"`
	Projection projection.Projection `json:"projection"`
}

func viewOf(r replica.Replica, state engine.State) ReplicaView {
	return ReplicaView{
		Cursor:     r.Cursor,
		Handle:     r.Handle,
		State:      state.String(),
		Projection: r.Projection,
	}
}
