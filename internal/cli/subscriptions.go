package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/engine"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// SubscriptionsOptions holds flags for the subscriptions subcommands.
type SubscriptionsOptions struct {
	*RootOptions
	AgentsFile string
}

// NewSubscriptionsCommand creates the subscriptions command group.
func NewSubscriptionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Show and control subscription checkpoints",
		Long: `Show and control subscription checkpoints.

A paused subscription keeps its position and can be resumed; a stopped one
is final. Resuming a subscription in error_recovery clears its failure
count.`,
	}
	cmd.AddCommand(newSubscriptionsListCommand(rootOpts))
	for _, to := range []ir.CheckpointStatus{ir.CheckpointPaused, ir.CheckpointActive, ir.CheckpointStopped} {
		cmd.AddCommand(newSubscriptionTransitionCommand(rootOpts, to))
	}
	return cmd
}

func newSubscriptionsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubscriptionsOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "list",
		Short: "List every stored checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.Store.ListCheckpoints(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list checkpoints", err)
			}
			return newFormatter(cmd, opts.RootOptions).Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No checkpoints yet")
					return
				}
				table(w, "AGENT\tSUBSCRIPTION\tSTATUS\tPOSITION\tPROCESSED\tFAILURES\tUPDATED", func(tw io.Writer) {
					for _, c := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", c.AgentID, c.SubscriptionID, c.Status,
							c.LastProcessedPosition, c.EventsProcessed, c.ConsecutiveFailures,
							c.UpdatedAt.UTC().Format(time.RFC3339))
					}
				})
			})
		},
	}
}

func newSubscriptionTransitionCommand(rootOpts *RootOptions, to ir.CheckpointStatus) *cobra.Command {
	opts := &SubscriptionsOptions{RootOptions: rootOpts}
	verb := map[ir.CheckpointStatus]string{
		ir.CheckpointPaused:  "pause",
		ir.CheckpointActive:  "resume",
		ir.CheckpointStopped: "stop",
	}[to]

	cmd := &cobra.Command{
		Use:   verb + " <agent-id> <subscription-id>",
		Short: fmt.Sprintf("Move a subscription to %s", to),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPlatform(opts.RootOptions, platformOptions{AgentsFile: opts.AgentsFile, Relay: true})
			if err != nil {
				return err
			}
			defer s.Close()

			eng := s.Platform.Engine
			var cp ir.Checkpoint
			switch to {
			case ir.CheckpointPaused:
				cp, err = eng.Pause(cmd.Context(), args[0], args[1])
			case ir.CheckpointActive:
				cp, err = eng.Resume(cmd.Context(), args[0], args[1])
			default:
				cp, err = eng.Stop(cmd.Context(), args[0], args[1])
			}

			f := newFormatter(cmd, opts.RootOptions)
			switch {
			case engine.IsInvalidTransition(err):
				return f.Fail(CodeConflict, err.Error(), cp)
			case engine.IsUnknownSubscription(err):
				if ferr := f.Error(CodeNotFound, err.Error(), nil); ferr != nil {
					return ferr
				}
				return WrapExitError(ExitCommandError, verb+" failed", err)
			case err != nil:
				return WrapExitError(ExitCommandError, verb+" failed", err)
			}
			return f.Success(cp, func(w io.Writer) {
				fmt.Fprintf(w, "Subscription %s/%s is %s\n", cp.AgentID, cp.SubscriptionID, cp.Status)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentsFile, "agents", "", "agent definitions file")
	return cmd
}
