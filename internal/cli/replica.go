package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/thekeeper/internal/engine"
	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/replica"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Give this device a handle on the log",
		Long: `Generate the device keypair if needed, seed a fresh handle on the log
service and run a full sync. A device that already has a handle only
syncs.

Examples:
  keeper init
  keeper init --db ./alice.db --log-url http://localhost:8081`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				r, err := s.engine.Bootstrap(ctx)
				if err != nil {
					return out.Fail("init failed", err)
				}
				view := viewOf(r, s.engine.State())
				return out.Success(view, fmt.Sprintf("Handle: %s (cursor %d)", r.Handle, r.Cursor))
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull the log past the local cursor",
		Long: `Pull new envelopes from the log service and fold them into the local
projection. --full discards the projection and replays the whole log.

Examples:
  keeper sync
  keeper sync --full --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				before := s.engine.Replica().Cursor
				sync := s.engine.SyncIncremental
				if full {
					sync = s.engine.SyncFull
				}
				r, err := sync(ctx)
				if err != nil {
					return out.Fail("sync failed", err)
				}
				out.VerboseLog("cursor %d -> %d", before, r.Cursor)
				return out.Success(viewOf(r, s.engine.State()), fmt.Sprintf("Synced to cursor %d", r.Cursor))
			})
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "replay the whole log")
	return cmd
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Data   string
	NoSync bool
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Append one event to the log",
		Long: `Append an event of the given kind with a JSON payload, then sync.

A SeedPlayer without a player_id gets a fresh random id.

Exit codes:
  0 - Event accepted
  1 - Event rejected by the log service or transport failure
  2 - Command error (unknown kind, malformed payload)

Examples:
  keeper submit SeedPlayer --data '{"handle":"H1"}'
  keeper submit PlayerPerson --data '{"player_id":"p-1","name":"Ada","age":"-18"}'
  keeper submit Reset --no-sync`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := buildEvent(args[0], opts.Data)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid event", err)
			}
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				return runSubmit(ctx, s, out, ev, opts.NoSync)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "{}", "event payload as JSON")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "do not sync after submitting")
	return cmd
}

func runSubmit(ctx context.Context, s *session, out *OutputFormatter, ev event.Event, noSync bool) error {
	events := []event.Event{ev}
	if noSync {
		if err := s.engine.Submit(ctx, events); err != nil {
			return out.Fail("submit failed", err)
		}
		return out.Success(map[string]any{"kind": ev.Kind()}, fmt.Sprintf("Submitted %s", ev.Kind()))
	}

	r, err := s.engine.SubmitAndSync(ctx, events)
	if err != nil {
		return out.Fail("submit failed", err)
	}
	return out.Success(viewOf(r, s.engine.State()),
		fmt.Sprintf("Submitted %s, synced to cursor %d", ev.Kind(), r.Cursor))
}

// buildEvent parses a kind and payload given on the command line.
func buildEvent(kind, data string) (event.Event, error) {
	ev, err := event.Parse(event.Kind(kind), []byte(data))
	if err != nil {
		return event.Event{}, err
	}
	if !ev.Known() {
		return event.Event{}, fmt.Errorf("unknown kind %q (want one of %v)", kind, event.Kinds)
	}
	if seed, ok := ev.Payload.(event.SeedPlayer); ok && seed.PlayerID == "" {
		seed.PlayerID = uuid.NewString()
		ev = event.New(seed)
	}
	if err := event.Validate(ev); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the local projection",
		Long: `Print the local replica without contacting the log service.

Examples:
  keeper show
  keeper show --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				view := viewOf(s.engine.Replica(), s.engine.State())
				return out.Success(view, renderReplica(view)...)
			})
		},
	}
}

// renderReplica lists the projection one player per block.
func renderReplica(v ReplicaView) []string {
	handle := v.Handle
	if handle == "" {
		handle = "(none)"
	}
	lines := []string{fmt.Sprintf("Handle: %s  Cursor: %d  State: %s", handle, v.Cursor, v.State)}
	if v.Projection.Permission != "" {
		lines = append(lines, "Permission: "+v.Projection.Permission)
	}
	for _, id := range v.Projection.PlayerIDs() {
		p := v.Projection.Players[id]
		name := strings.TrimSpace(p.Name + " " + p.Surname)
		lines = append(lines, fmt.Sprintf("Player %s [%s] %s %s", p.ID, p.Handle, name, p.Age))
		for _, ch := range v.Projection.CharactersOf(id) {
			skills, _ := json.Marshal(ch.Skills)
			lines = append(lines, fmt.Sprintf("  Character %s: %s (%s, %s) %s", ch.ID, ch.Name, ch.Race, ch.World, skills))
		}
	}
	return lines
}

// NewShareCommand creates the share command.
func NewShareCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "share <handle>",
		Short: "Issue a code that links another device to a handle",
		Long: `Ask the log service for a single-use share code for the player actor
owning handle. Only orga devices may share.

Example:
  keeper share H1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				code, err := s.engine.Share(ctx, args[0])
				if err != nil {
					return out.Fail("share failed", err)
				}
				return out.Success(map[string]string{"code": code}, code)
			})
		},
	}
}

// NewRedeemCommand creates the redeem command.
func NewRedeemCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <code>",
		Short: "Link this device with a share code",
		Long: `Redeem a share code so this device's key acts for the shared actor,
then resync from scratch. Redeeming the last redeemed code again does
nothing.

Example:
  keeper redeem 0f1c9a52-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				r, err := s.engine.Redeem(ctx, args[0])
				if err != nil {
					return out.Fail("redeem failed", err)
				}
				return out.Success(viewOf(r, s.engine.State()),
					fmt.Sprintf("Linked to %s (cursor %d)", r.Handle, r.Cursor))
			})
		},
	}
}

// NewForgetCommand creates the forget command.
func NewForgetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Drop the local replica but keep the device key",
		Long: `Delete the local cursor, handle and projection. The device keypair is
kept, so a later init recovers the handle this key seeded on the log
and replays the log from scratch.

Example:
  keeper forget
  keeper init`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				if err := s.store.Reset(ctx); err != nil {
					return out.Fail("forget failed", err)
				}
				return out.Success(viewOf(replica.New(), engine.StateUninitialized), "Replica forgotten; run init to resync")
			})
		},
	}
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *session, *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s, newFormatter(opts, cmd))
}
