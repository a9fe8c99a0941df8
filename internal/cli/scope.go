package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/ir"
)

// ScopeOptions holds flags for the scope subcommands.
type ScopeOptions struct {
	*RootOptions
	Expected int64
	Streams  []string
}

// NewScopeCommand creates the scope command group.
func NewScopeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Inspect and commit DCB scopes",
		Long: `Inspect and commit DCB scopes.

A scope key has the form tenant:{tenantId}:{scopeType}:{scopeId}. A scope
that was never committed has version 0.`,
	}
	cmd.AddCommand(newScopeShowCommand(rootOpts))
	cmd.AddCommand(newScopeCommitCommand(rootOpts))
	return cmd
}

func newScopeShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScopeOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "show <scope-key>",
		Short: "Show a scope's version and member streams",
		Example: `  libar scope show tenant:acme:reservation:ord-1`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseScopeKey(args[0])
			if err != nil {
				return err
			}
			s, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			f := newFormatter(cmd, opts.RootOptions)
			scope, err := s.Store.GetScope(cmd.Context(), key)
			if err != nil {
				return notFound(f, "scope "+string(key), err)
			}
			return f.Success(scope, func(w io.Writer) {
				fmt.Fprintf(w, "Scope %s\n", scope.ScopeKey)
				fmt.Fprintf(w, "  version: %d\n", scope.CurrentVersion)
				fmt.Fprintf(w, "  streams: %s\n", strings.Join(scope.StreamIDs, ", "))
				fmt.Fprintf(w, "  updated: %s\n", scope.UpdatedAt.UTC().Format(time.RFC3339Nano))
			})
		},
	}
}

func newScopeCommitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScopeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "commit <scope-key>",
		Short: "Bump a scope's version under optimistic concurrency",
		Long: `Commit a scope: if it is at --expected its version is bumped by one and
--stream ids are merged into its members. A stale --expected is a conflict
and exits with status 1.`,
		Example: `  libar scope commit tenant:acme:reservation:ord-1 --expected 0 --stream p-1 --stream p-2`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseScopeKey(args[0])
			if err != nil {
				return err
			}
			s, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.Store.CommitScope(cmd.Context(), key, opts.Expected, opts.Streams)
			if err != nil {
				return WrapExitError(ExitCommandError, "scope commit failed", err)
			}
			f := newFormatter(cmd, opts.RootOptions)
			if res.Status == ir.ScopeCommitConflict {
				return f.Fail(CodeConflict,
					fmt.Sprintf("expected version %d, scope is at %d", opts.Expected, res.CurrentVersion), res)
			}
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Committed %s at version %d\n", key, res.NewVersion)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Expected, "expected", 0, "version the commit expects")
	cmd.Flags().StringArrayVar(&opts.Streams, "stream", nil, "stream id to add to the scope (repeatable)")
	return cmd
}

func parseScopeKey(s string) (ir.ScopeKey, error) {
	key := ir.ScopeKey(s)
	if err := key.Validate(); err != nil {
		return "", WrapExitError(ExitCommandError, "invalid scope key", err)
	}
	return key, nil
}
