// Package broker implements the Task Broker (spec §4.3): a reliable FIFO
// queue carrying stage invocations between the orchestrator and workers,
// with per-task retry metadata. The orchestrator's control flow depends
// only on the Broker interface (Design Note "Broker abstraction") — never
// on a specific backend — so production code runs against Redis while
// tests run against an in-process queue.
package broker

import (
	"context"
	"time"
)

// Task is one enqueued unit of work. Name identifies the handler
// (run_pipeline, run_asr, run_translate, run_tts, run_mix,
// run_package, finalize_job); Args carries the handler's arguments as a
// JSON-serializable map.
type Task struct {
	ID      string
	Name    string
	Args    map[string]any
	Retries int // attempts already made, incremented before each retry
}

// RetryPolicy is a value supplied at handler registration (Design Note
// "Retry policy"), not a decoration on the task or handler type.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	Jitter     bool
}

// DefaultRetryPolicy matches spec §5: max_retries=3, exponential backoff
// capped at 60 seconds, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 2 * time.Second, Cap: 60 * time.Second, Jitter: true}
}

// RetryState is the explicit state passed to a handler so it can compute
// (attempt, will_retry) without consulting broker internals.
type RetryState struct {
	Attempt    int // 1-indexed; this is the Nth attempt
	MaxRetries int
}

// WillRetry reports whether another attempt remains after this one fails.
func (r RetryState) WillRetry() bool {
	return r.Attempt <= r.MaxRetries
}

// HandlerFunc processes one task invocation. Returning a non-nil error
// signals failure; the broker decides whether to retry based on the
// registered RetryPolicy and passes the resulting RetryState on the next
// invocation via ctx (see WithRetryState).
type HandlerFunc func(ctx context.Context, task Task) error

// Broker is the contract the orchestrator requires of any queue backend.
type Broker interface {
	// Enqueue submits a task and returns its broker-assigned ID. Reliable
	// at-least-once: a crash between enqueue and ack may redeliver.
	Enqueue(ctx context.Context, taskName string, args map[string]any) (string, error)

	// RegisterHandler binds a handler function to a task name with a
	// retry policy. Must be called before Run.
	RegisterHandler(taskName string, fn HandlerFunc, policy RetryPolicy)

	// Run blocks, pulling tasks and dispatching to registered handlers,
	// until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases broker resources.
	Close() error
}

type retryStateKey struct{}

// WithRetryState attaches a RetryState to ctx for a handler invocation.
func WithRetryState(ctx context.Context, rs RetryState) context.Context {
	return context.WithValue(ctx, retryStateKey{}, rs)
}

// RetryStateFromContext retrieves the RetryState bound by WithRetryState.
func RetryStateFromContext(ctx context.Context) (RetryState, bool) {
	rs, ok := ctx.Value(retryStateKey{}).(RetryState)
	return rs, ok
}

// Backoff computes the delay before attempt n (1-indexed) under policy p,
// without jitter applied — callers add jitter themselves so tests can
// assert on the deterministic base sequence.
func Backoff(p RetryPolicy, attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}
