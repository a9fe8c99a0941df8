package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/engine"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// DeadLettersOptions holds flags for the deadletters subcommands.
type DeadLettersOptions struct {
	*RootOptions
	AgentID    string
	Status     string
	AgentsFile string
}

// NewDeadLettersCommand creates the deadletters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and resolve events quarantined by subscriptions",
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersReplayCommand(rootOpts))
	cmd.AddCommand(newDeadLettersIgnoreCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest failure first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := ir.DeadLetterStatus(opts.Status)
			switch status {
			case "", ir.DeadLetterPending, ir.DeadLetterReplayed, ir.DeadLetterIgnored:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", opts.Status))
			}
			s, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.Store.ListDeadLetters(cmd.Context(), opts.AgentID, status)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list dead letters", err)
			}
			return newFormatter(cmd, opts.RootOptions).Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No dead letters found")
					return
				}
				table(w, "AGENT\tSUBSCRIPTION\tEVENT\tPOSITION\tATTEMPTS\tSTATUS\tLAST FAILED\tERROR", func(tw io.Writer) {
					for _, dl := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n", dl.AgentID, dl.SubscriptionID,
							dl.EventID, dl.GlobalPosition, dl.AttemptCount, dl.Status,
							dl.LastFailedAt.UTC().Format(time.RFC3339), dl.Error)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "only this agent or subscriber")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only this status (pending|replayed|ignored)")
	return cmd
}

func newDeadLettersReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "replay <agent-id> <event-id>",
		Short: "Run a quarantined event through its subscription again",
		Long: `Run a pending dead letter through its subscription again. On success it
becomes replayed; on failure its attempt count grows and the command exits
with status 1. Agent subscriptions need the same --agents file as run.`,
		Example: `  libar deadletters replay fulfilment evt_0192f0c4-1d2e-7c3a-9f1e-5a6b7c8d9e0f
  libar deadletters replay restock evt_0192f0c4-... --agents agents.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPlatform(opts.RootOptions, platformOptions{AgentsFile: opts.AgentsFile, Relay: true})
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, opts.RootOptions)
			dl, err := s.Platform.Engine.ReplayDeadLetter(cmd.Context(), args[0], args[1])
			switch {
			case engine.IsDeadLetterNotPending(err), engine.IsUnknownSubscription(err):
				return f.Fail(CodeNotReplayed, err.Error(), dl)
			case err != nil && dl.AgentID == "":
				return notFound(f, "dead letter "+args[0]+"/"+args[1], err)
			case err != nil:
				return f.Fail(CodeNotReplayed, err.Error(), dl)
			}
			if err := drain(cmd, s); err != nil {
				return err
			}
			return f.Success(dl, func(w io.Writer) {
				fmt.Fprintf(w, "Dead letter %s/%s replayed\n", dl.AgentID, dl.EventID)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentsFile, "agents", "", "agent definitions file")
	return cmd
}

func newDeadLettersIgnoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeadLettersOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "ignore <agent-id> <event-id>",
		Short: "Resolve a dead letter without processing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPlatform(opts.RootOptions, platformOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, opts.RootOptions)
			dl, err := s.Platform.Engine.IgnoreDeadLetter(cmd.Context(), args[0], args[1])
			switch {
			case engine.IsDeadLetterNotPending(err):
				return f.Fail(CodeNotReplayed, err.Error(), dl)
			case err != nil:
				return notFound(f, "dead letter "+args[0]+"/"+args[1], err)
			}
			return f.Success(dl, func(w io.Writer) {
				fmt.Fprintf(w, "Dead letter %s/%s ignored\n", dl.AgentID, dl.EventID)
			})
		},
	}
}
