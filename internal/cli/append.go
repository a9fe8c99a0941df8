package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/idgen"
	"github.com/libar-dev/libar-platform/internal/ir"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	ExpectedVersion int64
	BoundedContext  string
	EventType       string
	Payload         string
	CorrelationID   string
	CausationID     string
	IdempotencyKey  string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <stream-type> <stream-id>",
		Short: "Append one event to a stream",
		Long: `Append one event to a stream under optimistic concurrency.

The append succeeds only if the stream is at --expected-version (0 for a new
stream). A version conflict writes nothing and exits with status 1. With
--idempotency-key a repeated append returns the original result.

Example:
  libar append Order ord-1 --expected-version 0 --context orders \
    --type OrderCreated --payload '{"orderId":"ord-1","customerId":"c-1"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", 0, "stream version the append expects")
	cmd.Flags().StringVar(&opts.BoundedContext, "context", "", "bounded context of the stream (required)")
	cmd.Flags().StringVar(&opts.EventType, "type", "", "event type (required)")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "event payload as JSON")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id (generated when empty)")
	cmd.Flags().StringVar(&opts.CausationID, "causation", "", "causation id")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "deduplicate on this key")
	_ = cmd.MarkFlagRequired("context")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runAppend(opts *AppendOptions, streamType, streamID string, cmd *cobra.Command) error {
	if !json.Valid([]byte(opts.Payload)) {
		return NewExitError(ExitCommandError, "invalid --payload JSON")
	}

	s, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.CorrelationID == "" {
		opts.CorrelationID = idgen.NewCorrelationID()
	}
	req := ir.AppendRequest{
		StreamType:      streamType,
		StreamID:        streamID,
		ExpectedVersion: opts.ExpectedVersion,
		BoundedContext:  opts.BoundedContext,
		CorrelationID:   opts.CorrelationID,
		CausationID:     opts.CausationID,
		Events: []ir.NewEvent{{
			EventID:        idgen.NewEventID(),
			EventType:      opts.EventType,
			Payload:        json.RawMessage(opts.Payload),
			IdempotencyKey: opts.IdempotencyKey,
		}},
	}

	var res ir.AppendResult
	if opts.IdempotencyKey != "" {
		res, err = s.Store.AppendIdempotent(cmd.Context(), req)
	} else {
		res, err = s.Store.AppendToStream(cmd.Context(), req)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "append failed", err)
	}

	f := newFormatter(cmd, opts.RootOptions)
	if res.Status == ir.AppendConflict {
		return f.Fail(CodeConflict,
			fmt.Sprintf("expected version %d, stream is at %d", opts.ExpectedVersion, res.CurrentVersion), res)
	}
	return f.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Appended %s to %s:%s\n", opts.EventType, streamType, streamID)
		fmt.Fprintf(w, "  version:  %d\n", res.NewVersion)
		for i, id := range res.EventIDs {
			fmt.Fprintf(w, "  event:    %s @ %d\n", id, res.GlobalPositions[i])
		}
		if res.Deduplicated {
			fmt.Fprintln(w, "  (deduplicated: an event with this idempotency key already exists)")
		}
	})
}
