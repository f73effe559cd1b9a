package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemory is a buffered-channel FIFO broker for tests and local
// single-process runs (Design Note: "an in-process queue for tests").
// Concurrent access to the handler table is guarded by a mutex, the same
// pattern the teacher's coordinator.Coordinator uses for its device map.
type InMemory struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
	queue    chan Task
	retries  map[string]int // taskID -> attempts made so far
	retryMu  sync.Mutex
}

type registeredHandler struct {
	fn     HandlerFunc
	policy RetryPolicy
}

// NewInMemory creates an in-process broker with the given queue depth.
func NewInMemory(bufferSize int) *InMemory {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &InMemory{
		handlers: make(map[string]registeredHandler),
		queue:    make(chan Task, bufferSize),
		retries:  make(map[string]int),
	}
}

func (b *InMemory) Enqueue(ctx context.Context, taskName string, args map[string]any) (string, error) {
	id := uuid.NewString()
	task := Task{ID: id, Name: taskName, Args: args}
	select {
	case b.queue <- task:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *InMemory) RegisterHandler(taskName string, fn HandlerFunc, policy RetryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[taskName] = registeredHandler{fn: fn, policy: policy}
}

func (b *InMemory) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-b.queue:
			if !ok {
				return nil
			}
			b.dispatch(ctx, task)
		}
	}
}

func (b *InMemory) dispatch(ctx context.Context, task Task) {
	b.mu.RLock()
	h, ok := b.handlers[task.Name]
	b.mu.RUnlock()
	if !ok {
		return
	}

	b.retryMu.Lock()
	attempt := b.retries[task.ID] + 1
	b.retries[task.ID] = attempt
	b.retryMu.Unlock()

	rs := RetryState{Attempt: attempt, MaxRetries: h.policy.MaxRetries}
	handlerCtx := WithRetryState(ctx, rs)

	if err := h.fn(handlerCtx, task); err != nil {
		if rs.WillRetry() {
			wait := Backoff(h.policy, attempt)
			if h.policy.Jitter {
				wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
			}
			go func() {
				select {
				case <-time.After(wait):
					task.Retries = attempt
					_ = enqueueRaw(ctx, b, task)
				case <-ctx.Done():
				}
			}()
		}
	}
}

func enqueueRaw(ctx context.Context, b *InMemory, task Task) error {
	select {
	case b.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InMemory) Close() error {
	close(b.queue)
	return nil
}
