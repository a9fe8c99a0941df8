package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// ReadOptions holds flags shared by the read subcommands.
type ReadOptions struct {
	*RootOptions
	From           int64
	Limit          int
	EventTypes     []string
	BoundedContext string
}

// ReadResult is the JSON shape of every read.
type ReadResult struct {
	Events []ir.StoredEvent `json:"events"`
	Count  int              `json:"count"`
	// Next is the cursor for the following page of a position read.
	Next int64 `json:"next,omitempty"`
}

// NewReadCommand creates the read command group.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read events by stream, global position or correlation",
	}
	cmd.AddCommand(newReadStreamCommand(rootOpts))
	cmd.AddCommand(newReadPositionCommand(rootOpts))
	cmd.AddCommand(newReadCorrelationCommand(rootOpts))
	return cmd
}

func newReadStreamCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "stream <stream-type> <stream-id>",
		Short: "Read one stream in version order",
		Long: `Read one stream in version order, starting at version --from.

Example:
  libar read stream Order ord-1
  libar read stream Product p-1 --from 10 --limit 5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, cmd, func(s *store.Store) ([]ir.StoredEvent, error) {
				return s.ReadStream(cmd.Context(), args[0], args[1], opts.From, opts.Limit)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.From, "from", 1, "first version to read")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum events to return")
	return cmd
}

func newReadPositionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "position",
		Short: "Read the global log in position order",
		Long: `Read the global log in position order, starting after --from.

The JSON output carries "next", the cursor to pass as --from for the
following page.

Example:
  libar read position --from 0 --limit 50
  libar read position --type OrderSubmitted --type OrderConfirmed
  libar read position --context inventory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, cmd, func(s *store.Store) ([]ir.StoredEvent, error) {
				return s.ReadFromPosition(cmd.Context(), store.PositionFilter{
					FromPosition:   opts.From,
					Limit:          opts.Limit,
					EventTypes:     opts.EventTypes,
					BoundedContext: opts.BoundedContext,
				})
			})
		},
	}
	cmd.Flags().Int64Var(&opts.From, "from", 0, "read positions after this one")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum events to return")
	cmd.Flags().StringArrayVar(&opts.EventTypes, "type", nil, "only these event types (repeatable)")
	cmd.Flags().StringVar(&opts.BoundedContext, "context", "", "only this bounded context")
	return cmd
}

func newReadCorrelationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "correlation <correlation-id>",
		Short: "Read every event of one correlated flow",
		Long: `Read every event sharing a correlation id, in position order.

Commands dispatched by sagas and agents keep the correlation id of the event
that triggered them, so this shows a whole business flow.

Example:
  libar read correlation corr_V1StGXR8_Z5jdHi6B`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, cmd, func(s *store.Store) ([]ir.StoredEvent, error) {
				return s.GetByCorrelation(cmd.Context(), args[0])
			})
		},
	}
}

func runRead(opts *ReadOptions, cmd *cobra.Command, read func(*store.Store) ([]ir.StoredEvent, error)) error {
	s, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	evs, err := read(s.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "read failed", err)
	}
	if evs == nil {
		evs = []ir.StoredEvent{}
	}
	res := ReadResult{Events: evs, Count: len(evs)}
	if len(evs) > 0 {
		res.Next = evs[len(evs)-1].GlobalPosition
	}
	return newFormatter(cmd, opts.RootOptions).Success(res, func(w io.Writer) {
		printEvents(w, evs, opts.Verbose)
	})
}

func printEvents(w io.Writer, evs []ir.StoredEvent, verbose bool) {
	if len(evs) == 0 {
		fmt.Fprintln(w, "No events found")
		return
	}
	table(w, "POSITION\tSTREAM\tVERSION\tTYPE\tCONTEXT\tTIME", func(tw io.Writer) {
		for _, ev := range evs {
			fmt.Fprintf(tw, "%d\t%s:%s\t%d\t%s\t%s\t%s\n",
				ev.GlobalPosition, ev.StreamType, ev.StreamID, ev.Version,
				ev.EventType, ev.BoundedContext, ev.Timestamp.UTC().Format(time.RFC3339Nano))
		}
	})
	if !verbose {
		return
	}
	fmt.Fprintln(w)
	for _, ev := range evs {
		fmt.Fprintf(w, "%s %s correlation=%s causation=%s\n  %s\n",
			ev.EventID, ev.EventType, ev.CorrelationID, ev.CausationID, ev.Payload)
	}
}
