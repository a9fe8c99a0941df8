package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/ir"
	"github.com/libar-dev/libar-platform/internal/store"
	"github.com/libar-dev/libar-platform/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed appends one event per id to its own Order stream.
func seed(t *testing.T, s *store.Store, eventType string, ids ...string) []ir.StoredEvent {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		res, err := s.AppendToStream(ctx, testutil.Append("Order", id, 0, testutil.Event(id, eventType, `{"id":"`+id+`"}`)))
		require.NoError(t, err)
		require.Equal(t, ir.AppendSuccess, res.Status)
	}
	events, err := s.ReadFromPosition(ctx, store.PositionFilter{})
	require.NoError(t, err)
	return events
}

// projection writes a snapshot per event and fails for ids in failOn.
func projection(failOn ...string) MutationFunc {
	bad := make(map[string]bool)
	for _, id := range failOn {
		bad[id] = true
	}
	return func(ctx context.Context, tx *store.Tx, ev ir.StoredEvent) error {
		if err := tx.PutSnapshot(ctx, ir.Snapshot{Context: "proj", EntityID: ev.EventID, Version: ev.Version, State: ev.Payload}); err != nil {
			return err
		}
		if bad[ev.EventID] {
			return errors.New("cannot project " + ev.EventID)
		}
		return nil
	}
}

func hasSnapshot(t *testing.T, s *store.Store, id string) bool {
	t.Helper()
	_, err := s.GetSnapshot(context.Background(), "proj", id)
	if store.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestEngine_MutationAppliesEachEventOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	events := seed(t, s, "OrderCreated", "ord-1", "ord-2", "ord-3")

	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "orders", projection())))

	n, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = e.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "checkpoint already past every event")

	cp, err := e.Checkpoint(ctx, "projector", "orders")
	require.NoError(t, err)
	assert.Equal(t, events[2].GlobalPosition, cp.LastProcessedPosition)
	assert.Equal(t, "ord-3", cp.LastEventID)
	assert.Equal(t, int64(3), cp.EventsProcessed)
	for _, id := range []string{"ord-1", "ord-2", "ord-3"} {
		assert.True(t, hasSnapshot(t, s, id))
	}
}

func TestEngine_TwoEnginesShareCheckpoint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1", "ord-2")

	var applied atomic.Int32
	count := func(context.Context, *store.Tx, ir.StoredEvent) error {
		applied.Add(1)
		return nil
	}
	a, b := New(s), New(s)
	require.NoError(t, a.Register(NewMutation("projector", "orders", count)))
	require.NoError(t, b.Register(NewMutation("projector", "orders", count)))

	_, err := a.Poll(ctx)
	require.NoError(t, err)
	_, err = b.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), applied.Load())
}

func TestEngine_FiltersByEventType(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1")
	seed(t, s, "OrderCancelled", "ord-2")

	var seen []string
	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "cancellations",
		func(_ context.Context, _ *store.Tx, ev ir.StoredEvent) error {
			seen = append(seen, ev.EventID)
			return nil
		}, "OrderCancelled")))

	_, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord-2"}, seen)
}

func TestEngine_FailureDeadLettersAndMovesOn(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	events := seed(t, s, "OrderCreated", "ord-1", "ord-2", "ord-3")

	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "orders", projection("ord-2"))))

	n, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.False(t, hasSnapshot(t, s, "ord-2"), "failed handler writes roll back")
	assert.True(t, hasSnapshot(t, s, "ord-3"))

	dl, err := s.GetDeadLetter(ctx, "projector", "ord-2")
	require.NoError(t, err)
	assert.Equal(t, ir.DeadLetterPending, dl.Status)
	assert.Equal(t, "orders", dl.SubscriptionID)
	assert.Equal(t, events[1].GlobalPosition, dl.GlobalPosition)
	assert.Contains(t, dl.Error, "cannot project ord-2")

	cp, err := e.Checkpoint(ctx, "projector", "orders")
	require.NoError(t, err)
	assert.Equal(t, events[2].GlobalPosition, cp.LastProcessedPosition)
	assert.Equal(t, int64(2), cp.EventsProcessed)
	assert.Zero(t, cp.ConsecutiveFailures, "success resets the failure streak")
}

func TestEngine_PanicIsDeadLettered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1")

	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "orders",
		func(context.Context, *store.Tx, ir.StoredEvent) error { panic("nil map") })))

	_, err := e.Poll(ctx)
	require.NoError(t, err)
	dl, err := s.GetDeadLetter(ctx, "projector", "ord-1")
	require.NoError(t, err)
	assert.Contains(t, dl.Error, "nil map")
}

func TestEngine_ThresholdTripsErrorRecovery(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1", "ord-2", "ord-3", "ord-4")

	e := New(s, WithFailureThreshold(2))
	require.NoError(t, e.Register(NewMutation("projector", "orders", projection("ord-1", "ord-2"))))

	n, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "batch stops at the tripping failure")

	cp, err := e.Checkpoint(ctx, "projector", "orders")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointErrorRecovery, cp.Status)
	assert.Equal(t, 2, cp.ConsecutiveFailures)

	n, err = e.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "error_recovery is skipped")

	cp, err = e.Resume(ctx, "projector", "orders")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointActive, cp.Status)
	assert.Zero(t, cp.ConsecutiveFailures)

	n, err = e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, hasSnapshot(t, s, "ord-4"))
}

func TestEngine_PauseResumeStop(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1")

	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "orders", projection())))

	cp, err := e.Pause(ctx, "projector", "orders")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointPaused, cp.Status)

	n, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.Pause(ctx, "projector", "orders")
	assert.True(t, IsInvalidTransition(err), "paused cannot pause again")

	_, err = e.Resume(ctx, "projector", "orders")
	require.NoError(t, err)
	n, err = e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cp, err = e.Stop(ctx, "projector", "orders")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointStopped, cp.Status)

	_, err = e.Resume(ctx, "projector", "orders")
	assert.True(t, IsInvalidTransition(err), "stopped is final")

	_, err = e.Pause(ctx, "projector", "missing")
	assert.True(t, IsUnknownSubscription(err))
}

func TestEngine_ActionEffectCommitsWithCheckpoint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1", "ord-2")

	var after []string
	e := New(s)
	require.NoError(t, e.Register(NewAction("notifier", "orders", func(_ context.Context, ev ir.StoredEvent) (Effect, error) {
		return Effect{
			Apply: func(ctx context.Context, tx *store.Tx) error {
				return tx.PutSnapshot(ctx, ir.Snapshot{Context: "proj", EntityID: ev.EventID, Version: 1, State: ev.Payload})
			},
			AfterCommit: func(context.Context) error {
				after = append(after, ev.EventID)
				if ev.EventID == "ord-2" {
					return errors.New("broker down")
				}
				return nil
			},
		}, nil
	})))

	n, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ord-1", "ord-2"}, after)
	assert.True(t, hasSnapshot(t, s, "ord-2"))

	dls, err := s.ListDeadLetters(ctx, "notifier", "")
	require.NoError(t, err)
	assert.Empty(t, dls, "after-commit failures are logged, not dead-lettered")
}

func TestEngine_ActionErrorSkipsEffect(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1")

	var applied bool
	e := New(s)
	require.NoError(t, e.Register(NewAction("analyzer", "orders", func(context.Context, ir.StoredEvent) (Effect, error) {
		return Effect{Apply: func(context.Context, *store.Tx) error { applied = true; return nil }}, errors.New("model timeout")
	})))

	_, err := e.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, applied)
	dl, err := s.GetDeadLetter(ctx, "analyzer", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "model timeout", dl.Error)
}

func TestEngine_ReplayDeadLetter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1")

	var broken atomic.Bool
	broken.Store(true)
	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "orders", func(ctx context.Context, tx *store.Tx, ev ir.StoredEvent) error {
		if broken.Load() {
			return errors.New("still broken")
		}
		return projection()(ctx, tx, ev)
	})))

	_, err := e.Poll(ctx)
	require.NoError(t, err)

	dl, err := e.ReplayDeadLetter(ctx, "projector", "ord-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still broken")
	assert.Equal(t, 2, dl.AttemptCount)
	assert.Equal(t, ir.DeadLetterPending, dl.Status)

	broken.Store(false)
	dl, err = e.ReplayDeadLetter(ctx, "projector", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, ir.DeadLetterReplayed, dl.Status)
	assert.True(t, hasSnapshot(t, s, "ord-1"))

	_, err = e.ReplayDeadLetter(ctx, "projector", "ord-1")
	assert.True(t, IsDeadLetterNotPending(err))
}

func TestEngine_IgnoreDeadLetter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "OrderCreated", "ord-1")

	e := New(s)
	require.NoError(t, e.Register(NewMutation("projector", "orders", projection("ord-1"))))
	_, err := e.Poll(ctx)
	require.NoError(t, err)

	dl, err := e.IgnoreDeadLetter(ctx, "projector", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, ir.DeadLetterIgnored, dl.Status)

	_, err = e.IgnoreDeadLetter(ctx, "projector", "ord-1")
	assert.True(t, IsDeadLetterNotPending(err))
	_, err = e.ReplayDeadLetter(ctx, "projector", "ord-1")
	assert.True(t, IsDeadLetterNotPending(err))
}

func TestEngine_RegisterValidation(t *testing.T) {
	e := New(setupTestStore(t))
	noop := func(context.Context, *store.Tx, ir.StoredEvent) error { return nil }

	require.NoError(t, e.Register(NewMutation("a", "s", noop)))
	assert.Error(t, e.Register(NewMutation("a", "s", noop)), "duplicate")
	assert.Error(t, e.Register(NewMutation("", "s", noop)))
	assert.Error(t, e.Register(Subscription{AgentID: "a", ID: "t", Kind: KindAction, Mutation: noop}))
	assert.Error(t, e.Register(Subscription{AgentID: "a", ID: "u"}))
	assert.Len(t, e.Subscriptions(), 1)
}

func TestEngine_RunDrainsAndStopsOnClose(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s, "OrderCreated", "ord-1", "ord-2")
	clock := testutil.NewFakeClock(testEpoch)

	processed := make(chan string, 8)
	e := New(s, WithClock(clock), WithPollInterval(time.Minute))
	require.NoError(t, e.Register(NewMutation("projector", "orders", func(_ context.Context, _ *store.Tx, ev ir.StoredEvent) error {
		processed <- ev.EventID
		return nil
	})))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	assert.Equal(t, "ord-1", <-processed)
	assert.Equal(t, "ord-2", <-processed)

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond, "idle loop waits on the clock")
	seed(t, s, "OrderCreated", "ord-3")
	e.Notify()
	assert.Equal(t, "ord-3", <-processed)

	e.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := New(setupTestStore(t), WithClock(testutil.NewFakeClock(testEpoch)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
