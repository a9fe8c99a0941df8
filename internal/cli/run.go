package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/libar-dev/libar-platform/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	AgentsFile  string
	ExpireEvery time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the subscription engine, DCB work queue and relay",
		Long: `Run the platform until interrupted.

The subscription engine polls the global log for the order fulfilment saga,
every agent in --agents and, when events.nats_url is set, the NATS relay.
The DCB work queue executes delayed conflict retries, and overdue approvals
are expired every --expire-every. Tracing is exported when
telemetry.otel_endpoint is set.

Example:
  libar run --db ./libar.db --agents ./agents.yaml
  LIBAR_NATS_URL=nats://localhost:4222 libar run --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlatform(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.AgentsFile, "agents", "", "agent definitions file")
	cmd.Flags().DurationVar(&opts.ExpireEvery, "expire-every", time.Minute, "approval expiry sweep period (0 disables)")

	return cmd
}

func runPlatform(opts *RunOptions, cmd *cobra.Command) error {
	cfg := opts.settings()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.Tracing())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		flushCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdown(flushCtx); err != nil {
			slog.Warn("error flushing traces", "error", err)
		}
	}()

	s, err := openPlatform(opts.RootOptions, platformOptions{AgentsFile: opts.AgentsFile, Relay: true})
	if err != nil {
		return err
	}
	defer s.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	subs := s.Platform.Engine.Subscriptions()
	slog.Info("platform starting", "db", cfg.Store.Path, "subscriptions", len(subs),
		"agents", len(s.Platform.Agents.List()))
	fmt.Fprintln(cmd.OutOrStdout(), "Platform started. Processing events...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := s.Platform.Run(ctx, opts.ExpireEvery); err != nil {
		return WrapExitError(ExitFailure, "platform error", err)
	}

	slog.Info("platform stopped gracefully")
	return nil
}
