package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	p := RetryPolicy{Base: 2 * time.Second, Cap: 10 * time.Second}

	assert.Equal(t, 2*time.Second, Backoff(p, 1))
	assert.Equal(t, 4*time.Second, Backoff(p, 2))
	assert.Equal(t, 8*time.Second, Backoff(p, 3))
	assert.Equal(t, 10*time.Second, Backoff(p, 4), "must cap rather than keep doubling")
	assert.Equal(t, 10*time.Second, Backoff(p, 10))
}

func TestRetryStateWillRetry(t *testing.T) {
	assert.True(t, RetryState{Attempt: 1, MaxRetries: 3}.WillRetry())
	assert.True(t, RetryState{Attempt: 3, MaxRetries: 3}.WillRetry())
	assert.False(t, RetryState{Attempt: 4, MaxRetries: 3}.WillRetry())
}

func TestRetryStateContextRoundTrip(t *testing.T) {
	ctx := WithRetryState(context.Background(), RetryState{Attempt: 2, MaxRetries: 3})
	rs, ok := RetryStateFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, rs.Attempt)

	_, ok = RetryStateFromContext(context.Background())
	assert.False(t, ok)
}

func TestInMemoryEnqueueDispatchesToHandler(t *testing.T) {
	b := NewInMemory(4)
	var got Task
	done := make(chan struct{})

	b.RegisterHandler("greet", func(ctx context.Context, task Task) error {
		got = task
		close(done)
		return nil
	}, DefaultRetryPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	id, err := b.Enqueue(ctx, "greet", map[string]any{"name": "world"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	assert.Equal(t, "greet", got.Name)
	assert.Equal(t, "world", got.Args["name"])
}

func TestInMemoryRetriesFailedTaskUntilExhausted(t *testing.T) {
	b := NewInMemory(4)
	var attempts int64
	policy := RetryPolicy{MaxRetries: 2, Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}

	var wg sync.WaitGroup
	wg.Add(3) // initial attempt + 2 retries

	b.RegisterHandler("flaky", func(ctx context.Context, task Task) error {
		atomic.AddInt64(&attempts, 1)
		wg.Done()
		return assertError
	}, policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	_, err := b.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)

	waitOrTimeout(t, &wg, time.Second)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

var assertError = &stubError{"handler failed"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for retries")
	}
}
