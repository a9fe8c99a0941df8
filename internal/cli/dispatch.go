package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// drainRounds bounds how long a one-shot command keeps the platform
// running to finish queued continuations.
const (
	drainRounds = 200
	drainPause  = 50 * time.Millisecond
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Payload       string
	CommandID     string
	CorrelationID string
	AgentsFile    string
	NoSettle      bool
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <command-type>",
		Short: "Send a command through the command bus",
		Long: `Send a command through the command bus.

The command is recorded in the idempotency ledger before its handler runs,
so repeating a dispatch with the same --id returns the first outcome.
Afterwards the subscription engine and DCB work queue are settled so the
sagas and agents reacting to the new events finish before the process
exits; --no-settle leaves that to a running "libar run".

Example:
  libar dispatch CreateProduct --payload '{"productId":"p-1","name":"Widget","initialStock":5}'
  libar dispatch SubmitOrder --id submit-ord-1 --payload '{"orderId":"ord-1"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchCommand(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "command payload as JSON")
	cmd.Flags().StringVar(&opts.CommandID, "id", "", "command id (generated when empty)")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id (generated when empty)")
	cmd.Flags().StringVar(&opts.AgentsFile, "agents", "", "agent definitions file")
	cmd.Flags().BoolVar(&opts.NoSettle, "no-settle", false, "do not run subscriptions after dispatch")

	return cmd
}

func dispatchCommand(opts *DispatchOptions, commandType string, cmd *cobra.Command) error {
	if !json.Valid([]byte(opts.Payload)) {
		return NewExitError(ExitCommandError, "invalid --payload JSON")
	}

	s, err := openPlatform(opts.RootOptions, platformOptions{AgentsFile: opts.AgentsFile, Relay: true})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Platform.Bus.Dispatch(cmd.Context(), ir.Command{
		CommandID:   opts.CommandID,
		CommandType: commandType,
		Payload:     json.RawMessage(opts.Payload),
		Metadata:    ir.CommandMetadata{CorrelationID: opts.CorrelationID},
	})
	f := newFormatter(cmd, opts.RootOptions)
	switch {
	case res.CommandStatus == ir.CommandFailed:
		return f.Fail(CodeFailed, fmt.Sprintf("%s failed", commandType), res)
	case err != nil:
		return WrapExitError(ExitCommandError, "dispatch failed", err)
	case res.CommandStatus == ir.CommandRejected:
		var re commandbus.RejectionError
		_ = json.Unmarshal(res.Result, &re)
		return f.Fail(CodeRejected, fmt.Sprintf("%s rejected: %s", commandType, re.Error()), res)
	}

	if !opts.NoSettle {
		if err := drain(cmd, s); err != nil {
			return err
		}
	}
	return f.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s", commandType, res.CommandStatus)
		if res.Status == ir.RecordDuplicate {
			fmt.Fprint(w, " (duplicate)")
		}
		fmt.Fprintf(w, "\n  result: %s\n", res.Result)
	})
}

// drain settles the platform: in-memory queue jobs would be lost when the
// process exits.
func drain(cmd *cobra.Command, s *session) error {
	rounds, err := s.Platform.Settle(cmd.Context(), drainRounds, func() { time.Sleep(drainPause) })
	if err != nil {
		return WrapExitError(ExitFailure, "failed to settle", err)
	}
	slog.Debug("platform settled", "rounds", rounds)
	return nil
}
