package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/libar-dev/libar-platform/internal/idgen"
)

var (
	// ErrUnknownHandler is returned when enqueuing a handler that was never registered.
	ErrUnknownHandler = errors.New("workqueue: unknown handler")
	// ErrClosed is returned when enqueuing after Close.
	ErrClosed = errors.New("workqueue: closed")
)

// Handler processes one job. A returned error is subject to the queue's
// retry policy.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Options control how a job is scheduled.
type Options struct {
	// Key serializes jobs: at most one job per key runs at a time, in
	// enqueue order.
	Key string
	// RunAfter delays the first attempt.
	RunAfter time.Duration
	// OnComplete names a handler to enqueue with the job's Completion.
	OnComplete string
	// Context is passed through untouched to the OnComplete handler.
	Context json.RawMessage
}

// Enqueuer schedules named handlers.
type Enqueuer interface {
	Enqueue(ctx context.Context, handler string, args json.RawMessage, opts Options) (string, error)
}

// CompletionStatus is the terminal outcome of a job.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionFailed  CompletionStatus = "failed"
)

// Completion is the argument passed to an OnComplete handler.
type Completion struct {
	JobID    string           `json:"job_id"`
	Handler  string           `json:"handler"`
	Status   CompletionStatus `json:"status"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Attempts int              `json:"attempts"`
	Context  json.RawMessage  `json:"context,omitempty"`
}

// Clock abstracts time so delayed jobs can be driven by a fake clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RetryPolicy governs handlers that return an error.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts    int
	InitialBackoff time.Duration
	Base           float64
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy retries a failing handler twice.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	Base:           2,
	MaxBackoff:     10 * time.Second,
}

// delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.Base
	if base < 1 {
		base = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(base, float64(attempt))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Stats counts job outcomes.
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64
	Retried   int64
}

type job struct {
	id       string
	handler  string
	args     json.RawMessage
	opts     Options
	runAt    time.Time
	seq      uint64
	attempts int
}

// Queue is an in-process work queue. The zero value is not usable; call New.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	pending     []*job // ordered by seq
	runningKeys map[string]bool
	inflight    int
	seq         uint64
	closed      bool
	stats       Stats

	parallelism int
	policy      RetryPolicy
	clock       Clock
	newID       func() string

	signal chan struct{} // buffered, size 1
	wg     sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithParallelism bounds how many jobs run at once in Run.
func WithParallelism(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.parallelism = n
		}
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithClock injects a clock for delays.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithIDGenerator replaces the job id generator.
func WithIDGenerator(next func() string) Option {
	return func(q *Queue) { q.newID = next }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		handlers:    make(map[string]Handler),
		runningKeys: make(map[string]bool),
		parallelism: 4,
		policy:      DefaultRetryPolicy,
		clock:       systemClock{},
		newID:       func() string { return idgen.MustWithPrefix("job_") },
		signal:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register binds a handler to name. Registering a name twice is an error.
func (q *Queue) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("workqueue: register requires a name and handler")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.handlers[name]; exists {
		return fmt.Errorf("workqueue: handler %q already registered", name)
	}
	q.handlers[name] = h
	return nil
}

// Enqueue schedules handler with args and returns the job id.
func (q *Queue) Enqueue(ctx context.Context, handler string, args json.RawMessage, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(handler, args, opts, false)
}

// enqueueLocked adds a job. Completions are accepted after Close so that
// draining jobs still report their outcome.
func (q *Queue) enqueueLocked(handler string, args json.RawMessage, opts Options, completion bool) (string, error) {
	if q.closed && !completion {
		return "", ErrClosed
	}
	if _, ok := q.handlers[handler]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownHandler, handler)
	}
	if opts.OnComplete != "" {
		if _, ok := q.handlers[opts.OnComplete]; !ok {
			return "", fmt.Errorf("%w: onComplete %q", ErrUnknownHandler, opts.OnComplete)
		}
	}

	q.seq++
	j := &job{
		id:      q.newID(),
		handler: handler,
		args:    args,
		opts:    opts,
		runAt:   q.clock.Now().Add(opts.RunAfter),
		seq:     q.seq,
	}
	q.pending = append(q.pending, j)
	q.stats.Enqueued++
	q.notify()

	slog.Debug("job enqueued", "job", j.id, "handler", handler, "key", opts.Key, "run_after", opts.RunAfter)
	return j.id, nil
}

// notify signals availability; the buffer of 1 coalesces signals.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// takeReadyLocked removes and returns the first due job whose key is free
// and not held by an earlier pending job.
func (q *Queue) takeReadyLocked(now time.Time) *job {
	seen := make(map[string]bool)
	for i, j := range q.pending {
		if k := j.opts.Key; k != "" {
			if q.runningKeys[k] || seen[k] {
				continue
			}
			seen[k] = true
		}
		if j.runAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		if j.opts.Key != "" {
			q.runningKeys[j.opts.Key] = true
		}
		q.inflight++
		return j
	}
	return nil
}

// nextWakeLocked returns how long until the earliest eligible delayed job
// is due, or false if nothing is waiting on time.
func (q *Queue) nextWakeLocked(now time.Time) (time.Duration, bool) {
	seen := make(map[string]bool)
	var (
		earliest time.Time
		found    bool
	)
	for _, j := range q.pending {
		if k := j.opts.Key; k != "" {
			if q.runningKeys[k] || seen[k] {
				continue
			}
			seen[k] = true
		}
		if !found || j.runAt.Before(earliest) {
			earliest = j.runAt
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return earliest.Sub(now), true
}

// Run processes jobs until ctx is cancelled or the queue is closed and
// drained. In-flight jobs are awaited before Run returns.
func (q *Queue) Run(ctx context.Context) error {
	slog.Info("workqueue starting", "parallelism", q.parallelism)
	for {
		q.mu.Lock()
		if q.closed && len(q.pending) == 0 && q.inflight == 0 {
			q.mu.Unlock()
			slog.Info("workqueue stopping: closed and drained")
			return nil
		}
		if q.inflight < q.parallelism {
			if j := q.takeReadyLocked(q.clock.Now()); j != nil {
				q.mu.Unlock()
				q.wg.Add(1)
				go func() {
					defer q.wg.Done()
					q.execute(ctx, j)
				}()
				continue
			}
		}
		wait, timed := q.nextWakeLocked(q.clock.Now())
		saturated := q.inflight >= q.parallelism
		q.mu.Unlock()

		// A saturated pool is woken by a finishing job, not by time.
		var timer <-chan time.Time
		if timed && !saturated {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			slog.Info("workqueue stopping: context cancelled")
			q.wg.Wait()
			return ctx.Err()
		case <-q.signal:
		case <-timer:
		}
	}
}

// RunPending executes due jobs one at a time on the calling goroutine until
// none is due, and returns how many attempts ran. Retries scheduled in the
// future are left pending.
func (q *Queue) RunPending(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		q.mu.Lock()
		j := q.takeReadyLocked(q.clock.Now())
		q.mu.Unlock()
		if j == nil {
			return n, nil
		}
		q.execute(ctx, j)
		n++
	}
}

// execute runs one attempt, then requeues or completes the job and frees
// its key.
func (q *Queue) execute(ctx context.Context, j *job) {
	q.mu.Lock()
	h := q.handlers[j.handler]
	q.mu.Unlock()

	j.attempts++
	result, err := invoke(ctx, h, j.args)

	q.mu.Lock()
	defer func() {
		if j.opts.Key != "" {
			delete(q.runningKeys, j.opts.Key)
		}
		q.inflight--
		q.mu.Unlock()
		q.notify()
	}()

	maxAttempts := max(q.policy.MaxAttempts, 1)
	if err != nil && j.attempts < maxAttempts && ctx.Err() == nil {
		delay := q.policy.delay(j.attempts - 1)
		j.runAt = q.clock.Now().Add(delay)
		q.insertLocked(j)
		q.stats.Retried++
		slog.Warn("job failed, retrying",
			"job", j.id, "handler", j.handler, "attempt", j.attempts, "delay", delay, "error", err)
		return
	}

	c := Completion{
		JobID:    j.id,
		Handler:  j.handler,
		Attempts: j.attempts,
		Context:  j.opts.Context,
	}
	if err != nil {
		q.stats.Failed++
		c.Status = CompletionFailed
		c.Error = err.Error()
		slog.Error("job failed permanently",
			"event", "job_failed", "job", j.id, "handler", j.handler, "attempts", j.attempts, "error", err)
	} else {
		q.stats.Succeeded++
		c.Status = CompletionSuccess
		c.Result = result
	}

	if j.opts.OnComplete == "" {
		return
	}
	args, merr := json.Marshal(c)
	if merr != nil {
		slog.Error("encode completion", "job", j.id, "error", merr)
		return
	}
	if _, eerr := q.enqueueLocked(j.opts.OnComplete, args, Options{}, true); eerr != nil {
		slog.Error("enqueue completion", "job", j.id, "on_complete", j.opts.OnComplete, "error", eerr)
	}
}

// insertLocked puts a retried job back at its original place in seq order.
func (q *Queue) insertLocked(j *job) {
	i := sort.Search(len(q.pending), func(i int) bool { return q.pending[i].seq > j.seq })
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = j
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns a snapshot of job counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops accepting jobs. Run returns once pending jobs drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notify()
}

var _ Enqueuer = (*Queue)(nil)
