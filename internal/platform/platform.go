// Package platform wires the event store, command bus, DCB retry engine,
// work queue, subscription engine and the bounded contexts into one
// runnable unit. The CLI builds it over a file database; the scenario
// harness builds it over an in-memory one with a fake clock.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/libar-dev/libar-platform/internal/agent"
	"github.com/libar-dev/libar-platform/internal/commandbus"
	"github.com/libar-dev/libar-platform/internal/config"
	"github.com/libar-dev/libar-platform/internal/contexts/inventory"
	"github.com/libar-dev/libar-platform/internal/contexts/orders"
	"github.com/libar-dev/libar-platform/internal/dcb"
	"github.com/libar-dev/libar-platform/internal/engine"
	"github.com/libar-dev/libar-platform/internal/events"
	"github.com/libar-dev/libar-platform/internal/schema"
	"github.com/libar-dev/libar-platform/internal/store"
	"github.com/libar-dev/libar-platform/internal/workqueue"
)

// Clock is satisfied by testutil.FakeClock and the system clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Options tune New. The zero value runs on the system clock with no relay
// and no agents.
type Options struct {
	Config *config.Config
	Clock  Clock
	// EventIDs and JobIDs replace the random id sources.
	EventIDs func() string
	JobIDs   func() string
	// Publisher receives relayed events. Nil disables the relay.
	Publisher events.Publisher
	Agents    []agent.Definition
}

// Platform is a fully wired instance.
type Platform struct {
	Store     *store.Store
	Schemas   *schema.Registry
	Bus       *commandbus.Bus
	Ops       *dcb.Registry
	Queue     *workqueue.Queue
	Retry     *dcb.RetryEngine
	Engine    *engine.Engine
	Orders    *orders.Service
	Inventory *inventory.Service
	Agents    *agent.Registry
	Approvals *agent.Approvals

	clock Clock
}

// New wires every component over st. It does not start any goroutine.
func New(st *store.Store, opts Options) (*Platform, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var schemaOpts []schema.Option
	schemaOpts = append(schemaOpts, schema.WithStrict())
	if opts.EventIDs != nil {
		schemaOpts = append(schemaOpts, schema.WithIDGenerator(opts.EventIDs))
	}
	schemas := schema.NewRegistry(schemaOpts...)
	if err := orders.RegisterSchemas(schemas); err != nil {
		return nil, err
	}
	if err := inventory.RegisterSchemas(schemas); err != nil {
		return nil, err
	}

	queueOpts := []workqueue.Option{
		workqueue.WithParallelism(cfg.WorkQueue.Parallelism),
		workqueue.WithRetryPolicy(cfg.WorkQueue.RetryPolicy()),
	}
	var engineOpts []engine.EngineOption
	if opts.Clock != nil {
		queueOpts = append(queueOpts, workqueue.WithClock(opts.Clock))
		engineOpts = append(engineOpts, engine.WithClock(opts.Clock))
	}
	if opts.JobIDs != nil {
		queueOpts = append(queueOpts, workqueue.WithIDGenerator(opts.JobIDs))
	}
	engineOpts = append(engineOpts,
		engine.WithPollInterval(cfg.Engine.PollInterval),
		engine.WithBatchSize(cfg.Engine.BatchSize),
		engine.WithFailureThreshold(cfg.Engine.FailureThreshold),
	)

	p := &Platform{
		Store:   st,
		Schemas: schemas,
		Bus:     commandbus.New(st),
		Ops:     dcb.NewRegistry(),
		Queue:   workqueue.New(queueOpts...),
		Engine:  engine.New(st, engineOpts...),
		Agents:  agent.NewRegistry(),
		clock:   opts.Clock,
	}
	p.Retry = dcb.NewRetryEngine(p.Ops, p.Queue,
		dcb.WithMaxAttempts(cfg.DCB.MaxAttempts),
		dcb.WithBackoff(cfg.DCB.Backoff()))

	p.Orders = orders.New(st, schemas)
	p.Inventory = inventory.New(st, schemas, p.Retry,
		inventory.WithReservationStrategy(cfg.IDs.Strategy()))

	if err := p.wire(cfg, opts); err != nil {
		p.Queue.Close()
		return nil, err
	}
	return p, nil
}

func (p *Platform) wire(cfg *config.Config, opts Options) error {
	if err := p.Retry.Register(p.Queue); err != nil {
		return fmt.Errorf("register retry handler: %w", err)
	}
	if err := p.Inventory.RegisterOperations(p.Ops); err != nil {
		return err
	}
	if err := p.Orders.RegisterCommands(p.Bus); err != nil {
		return err
	}
	if err := p.Inventory.RegisterCommands(p.Bus); err != nil {
		return err
	}
	if err := p.Engine.Register(orders.NewFulfilment(p.Bus).Subscription()); err != nil {
		return err
	}

	for _, def := range opts.Agents {
		if err := p.Agents.Register(def); err != nil {
			return err
		}
	}
	var execOpts []agent.ExecutorOption
	if p.clock != nil {
		execOpts = append(execOpts, agent.WithExecutorClock(p.clock.Now))
	}
	if err := agent.NewHandler(p.Store, agent.NewExecutor(execOpts...), p.Bus).RegisterAll(p.Engine, p.Agents); err != nil {
		return err
	}
	p.Approvals = agent.NewApprovals(p.Store, p.Bus)

	if opts.Publisher != nil {
		relay := events.NewRelay(opts.Publisher, cfg.Events.SubjectPrefix)
		if err := p.Engine.Register(relay.Subscription()); err != nil {
			return err
		}
	}
	return nil
}

// Run drives the engine and the work queue until ctx is cancelled. A
// positive expireEvery also sweeps overdue approvals on that period.
func (p *Platform) Run(ctx context.Context, expireEvery time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Engine.Run(ctx) })
	g.Go(func() error { return p.Queue.Run(ctx) })
	if expireEvery > 0 {
		g.Go(func() error { return p.expireLoop(ctx, expireEvery) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Platform) expireLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := p.Approvals.Expire(ctx); err != nil {
				slog.Warn("approval expiry failed", "event", "approval_expiry_failed", "error", err)
			}
		}
	}
}

// Settle polls the engine and drains ready queue jobs until both are idle.
// Delayed jobs are released by advancing the clock with advance, which
// may be nil when no fake clock is in use. It returns how many rounds ran.
func (p *Platform) Settle(ctx context.Context, maxRounds int, advance func()) (int, error) {
	for round := 1; round <= maxRounds; round++ {
		polled, err := p.Engine.Poll(ctx)
		if err != nil {
			return round, err
		}
		ran, err := p.Queue.RunPending(ctx)
		if err != nil {
			return round, err
		}
		if polled > 0 || ran > 0 {
			continue
		}
		if p.Queue.Len() == 0 || advance == nil {
			return round, nil
		}
		advance()
	}
	return maxRounds, fmt.Errorf("platform did not settle after %d rounds", maxRounds)
}

// Close stops the work queue. The store is owned by the caller.
func (p *Platform) Close() {
	p.Queue.Close()
	p.Engine.Close()
}
