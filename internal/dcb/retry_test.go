package dcb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libar-dev/libar-platform/internal/testutil"
	"github.com/libar-dev/libar-platform/internal/workqueue"
)

// enqueueCall is one recorded Enqueue.
type enqueueCall struct {
	Handler string
	Args    json.RawMessage
	Opts    workqueue.Options
}

// fakeEnqueuer records enqueues without running them.
type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, handler string, args json.RawMessage, opts workqueue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, enqueueCall{Handler: handler, Args: args, Opts: opts})
	return fmt.Sprintf("job-%d", len(f.calls)), nil
}

func (f *fakeEnqueuer) last(t *testing.T) enqueueCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

var fixedBackoff = BackoffOptions{Initial: 100 * time.Millisecond, Base: 2, Max: 30 * time.Second, Jitter: NoJitter}

// completions records CompletionFunc invocations.
type completions struct {
	mu      sync.Mutex
	results []Result
}

func (c *completions) fn(_ context.Context, _ Request, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, res)
}

func (c *completions) all() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func TestRetryEngine_AlwaysConflictingGivesUpAfterMaxAttempts(t *testing.T) {
	const maxAttempts = 3
	reg := NewRegistry()
	done := &completions{}
	var seenVersions []int64
	require.NoError(t, reg.Register("reserve", func(_ context.Context, expected int64, _ json.RawMessage) (Result, error) {
		seenVersions = append(seenVersions, expected)
		return Conflict(testScope, expected, expected+10), nil
	}, done.fn))

	q := &fakeEnqueuer{}
	engine := NewRetryEngine(reg, q, WithMaxAttempts(maxAttempts), WithBackoff(fixedBackoff))
	ctx := context.Background()

	res, err := engine.Execute(ctx, Request{Operation: "reserve", ScopeKey: testScope, Args: json.RawMessage(`{"orderId":"ord-1"}`)})
	require.NoError(t, err)
	require.Equal(t, StatusDeferred, res.Status)

	// Drive queued continuations by hand.
	for i := 0; i < maxAttempts; i++ {
		call := q.last(t)
		out, err := engine.handle(ctx, call.Args)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(out, &res))
	}

	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, CodeMaxRetriesExceeded, res.Code)
	assert.Len(t, q.calls, maxAttempts, "exactly one enqueue per retry")

	wantDelays := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, call := range q.calls {
		assert.Equal(t, RetryHandler, call.Handler)
		assert.Equal(t, "dcb:"+string(testScope), call.Opts.Key)
		assert.Equal(t, wantDelays[i], call.Opts.RunAfter)

		var req Request
		require.NoError(t, json.Unmarshal(call.Args, &req))
		assert.Equal(t, i+1, req.Attempt)
		assert.JSONEq(t, `{"orderId":"ord-1"}`, string(req.Args), "args carried unchanged")
	}
	assert.Equal(t, []int64{0, 10, 20, 30}, seenVersions, "each retry expects the version the conflict reported")

	got := done.all()
	require.Len(t, got, 1, "completion fires once, on the terminal outcome")
	assert.Equal(t, CodeMaxRetriesExceeded, got[0].Code)
}

func TestRetryEngine_ZeroMaxAttemptsRejectsImmediately(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("op", func(_ context.Context, expected int64, _ json.RawMessage) (Result, error) {
		return Conflict(testScope, expected, 1), nil
	}, nil))
	q := &fakeEnqueuer{}
	engine := NewRetryEngine(reg, q, WithMaxAttempts(0))

	res, err := engine.Execute(context.Background(), Request{Operation: "op", ScopeKey: testScope})
	require.NoError(t, err)
	assert.Equal(t, CodeMaxRetriesExceeded, res.Code)
	assert.Empty(t, q.calls)
}

func TestRetryEngine_SuccessAndRejectionPassThrough(t *testing.T) {
	tests := []struct {
		name   string
		result Result
	}{
		{"success", Success(json.RawMessage(`{"ok":true}`), []string{"evt-1"}, 4)},
		{"rejected", Rejected("INSUFFICIENT_STOCK", "p-2")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			done := &completions{}
			calls := 0
			require.NoError(t, reg.Register("op", func(context.Context, int64, json.RawMessage) (Result, error) {
				calls++
				return tt.result, nil
			}, done.fn))
			q := &fakeEnqueuer{}
			engine := NewRetryEngine(reg, q)

			res, err := engine.Execute(context.Background(), Request{Operation: "op", ScopeKey: testScope})
			require.NoError(t, err)
			assert.Equal(t, tt.result, res)
			assert.Equal(t, 1, calls)
			assert.Empty(t, q.calls, "never retried")
			assert.Equal(t, []Result{tt.result}, done.all())
		})
	}
}

func TestRetryEngine_ErrorsAreNotInterpreted(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("storage unavailable")
	done := &completions{}
	require.NoError(t, reg.Register("op", func(context.Context, int64, json.RawMessage) (Result, error) {
		return Result{}, boom
	}, done.fn))
	q := &fakeEnqueuer{}
	engine := NewRetryEngine(reg, q)

	_, err := engine.Execute(context.Background(), Request{Operation: "op", ScopeKey: testScope})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, q.calls)
	assert.Empty(t, done.all())
}

func TestRetryEngine_EnqueueFailurePropagates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("op", func(_ context.Context, expected int64, _ json.RawMessage) (Result, error) {
		return Conflict(testScope, expected, 1), nil
	}, nil))
	engine := NewRetryEngine(reg, &fakeEnqueuer{err: workqueue.ErrClosed})

	_, err := engine.Execute(context.Background(), Request{Operation: "op", ScopeKey: testScope})
	assert.ErrorIs(t, err, workqueue.ErrClosed)
}

func TestRetryEngine_Validation(t *testing.T) {
	reg := NewRegistry()
	op := func(context.Context, int64, json.RawMessage) (Result, error) { return Result{Status: "weird"}, nil }
	require.NoError(t, reg.Register("op", op, nil))
	assert.Error(t, reg.Register("op", op, nil))
	assert.Error(t, reg.Register("", op, nil))
	assert.Equal(t, []string{"op"}, reg.Names())

	engine := NewRetryEngine(reg, &fakeEnqueuer{})
	_, err := engine.Execute(context.Background(), Request{Operation: "missing", ScopeKey: testScope})
	assert.Error(t, err)
	_, err = engine.Execute(context.Background(), Request{Operation: "op", ScopeKey: "bad"})
	assert.Error(t, err)
	_, err = engine.Execute(context.Background(), Request{Operation: "op", ScopeKey: testScope})
	assert.Error(t, err, "unknown status")
}

// TestRetryEngine_ResolvesConflictThroughQueue runs a real store and work
// queue: a caller holding a stale scope version is deferred, and the
// continuation succeeds against the version the conflict reported.
func TestRetryEngine_ResolvesConflictThroughQueue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedProduct(t, s, "p-1", 10)

	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := workqueue.New(workqueue.WithClock(clock))
	reg := NewRegistry()
	done := &completions{}

	type reserveArgs struct {
		Product string `json:"product"`
		Qty     int    `json:"qty"`
	}
	require.NoError(t, reg.Register("reserve", ScopedOperation(s, func(a reserveArgs, _ int64) (Command[stock], error) {
		return reserveCommand(0, a.Qty, a.Product), nil
	}), done.fn))

	engine := NewRetryEngine(reg, q, WithMaxAttempts(3), WithBackoff(fixedBackoff))
	require.NoError(t, engine.Register(q))

	// Someone else commits first.
	first, err := engine.Execute(ctx, Request{Operation: "reserve", ScopeKey: testScope, Args: json.RawMessage(`{"product":"p-1","qty":2}`)})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, first.Status)

	// This caller still holds version 0.
	res, err := engine.Execute(ctx, Request{Operation: "reserve", ScopeKey: testScope, Args: json.RawMessage(`{"product":"p-1","qty":3}`)})
	require.NoError(t, err)
	require.Equal(t, StatusDeferred, res.Status)
	assert.Equal(t, int64(1), res.ExpectedVersion)
	assert.Equal(t, 100*time.Millisecond, res.RetryAfter)

	n, err := q.RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "continuation waits for its backoff")

	clock.Advance(100 * time.Millisecond)
	n, err = q.RunPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := done.all()
	require.Len(t, got, 2)
	assert.Equal(t, StatusSuccess, got[1].Status)
	assert.Equal(t, int64(2), got[1].NewVersion)

	snap, err := s.GetSnapshot(ctx, "inventory", "p-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"available":5}`, string(snap.State))

	scope, err := s.GetScope(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), scope.CurrentVersion)
}
