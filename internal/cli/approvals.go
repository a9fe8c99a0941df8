package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
)

// ApprovalsOptions holds flags for the approvals subcommands.
type ApprovalsOptions struct {
	*RootOptions
	AgentID  string
	Status   string
	Limit    int
	Reviewer string
	Note     string
}

// NewApprovalsCommand creates the approvals command group.
func NewApprovalsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review agent decisions waiting for approval",
	}
	cmd.AddCommand(newApprovalsListCommand(rootOpts))
	cmd.AddCommand(newApprovalsReviewCommand(rootOpts, true))
	cmd.AddCommand(newApprovalsReviewCommand(rootOpts, false))
	cmd.AddCommand(newApprovalsExpireCommand(rootOpts))
	return cmd
}

func newApprovalsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApprovalsOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		Example: `  libar approvals list --status pending
  libar approvals list --agent restock --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := ir.ApprovalStatus(opts.Status)
			switch status {
			case "", ir.ApprovalPending, ir.ApprovalApproved, ir.ApprovalRejected, ir.ApprovalExpired:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", opts.Status))
			}
			s, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.Store.ListApprovals(cmd.Context(), store.ApprovalFilter{
				AgentID: opts.AgentID, Status: status, Limit: opts.Limit,
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list approvals", err)
			}
			if list == nil {
				list = []ir.Approval{}
			}
			return newFormatter(cmd, opts.RootOptions).Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No approvals found")
					return
				}
				table(w, "ID\tAGENT\tACTION\tCONFIDENCE\tSTATUS\tEXPIRES", func(tw io.Writer) {
					for _, a := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n", a.ApprovalID, a.AgentID,
							a.Action.Type, a.Confidence, a.Status, a.ExpiresAt.UTC().Format(time.RFC3339))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "only this agent")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only this status (pending|approved|rejected|expired)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum approvals to return")
	return cmd
}

func newApprovalsReviewCommand(rootOpts *RootOptions, approve bool) *cobra.Command {
	opts := &ApprovalsOptions{RootOptions: rootOpts}
	verb, short := "reject", "Reject a pending approval"
	if approve {
		verb, short = "approve", "Approve a pending approval and dispatch its action"
	}
	cmd := &cobra.Command{
		Use:     verb + " <approval-id>",
		Short:   short,
		Example: fmt.Sprintf("  libar approvals %s apr_V1StGXR8_Z5jdHi6B --reviewer alice --note \"checked stock\"", verb),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPlatform(opts.RootOptions, platformOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, opts.RootOptions)
			var (
				review store.ReviewResult
				data   any
			)
			if approve {
				res, err := s.Platform.Approvals.Approve(cmd.Context(), args[0], opts.Reviewer, opts.Note)
				if err != nil {
					return WrapExitError(ExitFailure, "approve failed", err)
				}
				review, data = res.Review, res
			} else {
				review, err = s.Platform.Approvals.Reject(cmd.Context(), args[0], opts.Reviewer, opts.Note)
				if err != nil {
					return WrapExitError(ExitFailure, "reject failed", err)
				}
				data = review
			}
			if review.Status != store.ReviewOK {
				return f.Fail(CodeReview, review.Message, data)
			}
			return f.Success(data, func(w io.Writer) {
				fmt.Fprintf(w, "Approval %s %s by %s\n", args[0], review.Approval.Status, opts.Reviewer)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Reviewer, "reviewer", "", "who is reviewing (required)")
	cmd.Flags().StringVar(&opts.Note, "note", "", "review note")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func newApprovalsExpireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApprovalsOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire every overdue pending approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openPlatform(opts.RootOptions, platformOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Platform.Approvals.Expire(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "expire failed", err)
			}
			return newFormatter(cmd, opts.RootOptions).Success(map[string]int{"expired": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Expired %d approval(s)\n", n)
			})
		},
	}
}
