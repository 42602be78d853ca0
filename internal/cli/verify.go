package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// VerifyResult holds the outcome of a verify run.
type VerifyResult struct {
	Cursor      int64  `json:"cursor"`
	Local       string `json:"local"`
	Replayed    string `json:"replayed"`
	Match       bool   `json:"match"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the log and compare with the local projection",
		Long: `Replay the log from scratch up to the local cursor and compare the
canonical fingerprint of the result with the local projection. The
replica is not modified.

Exit codes:
  0 - Projection matches the replayed log
  1 - Projection drifted (or the log could not be read)
  2 - Command error (database not found, etc.)

Examples:
  keeper verify
  keeper verify --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, func(ctx context.Context, s *session, out *OutputFormatter) error {
				report, err := s.engine.Verify(ctx)
				if err != nil {
					return out.Fail("verify failed", err)
				}

				result := VerifyResult{
					Cursor:   report.Cursor,
					Local:    report.Local,
					Replayed: report.Replayed,
					Match:    report.Match(),
				}
				if result.Match {
					result.Fingerprint = report.Local
				}

				if rootOpts.Format == "json" {
					return outputVerifyJSON(cmd, result)
				}
				return outputVerifyText(cmd, result, rootOpts.Verbose)
			})
		},
	}

	return cmd
}

// outputVerifyJSON outputs the verify result as JSON.
func outputVerifyJSON(cmd *cobra.Command, result VerifyResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}

	if !result.Match {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_DRIFT",
			Message: "projection does not match the replayed log",
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.Match {
		// Drift = exit code 1
		return NewExitError(ExitFailure, "projection does not match the replayed log")
	}
	return nil
}

// outputVerifyText outputs the verify result as text.
func outputVerifyText(cmd *cobra.Command, result VerifyResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Verified up to cursor %d\n", result.Cursor)
	if verbose || !result.Match {
		fmt.Fprintf(w, "  Local:    %s\n", result.Local)
		fmt.Fprintf(w, "  Replayed: %s\n", result.Replayed)
	}

	if result.Match {
		fmt.Fprintln(w, "✓ Projection matches the log")
		return nil
	}

	fmt.Fprintln(w, "✗ Projection drifted from the log")
	return NewExitError(ExitFailure, "projection does not match the replayed log")
}
