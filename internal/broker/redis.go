package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// wireTask is the JSON envelope pushed onto the Redis list.
type wireTask struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
	Retries int            `json:"retries"`
}

// incrRetryScript atomically increments and returns the retry counter for a
// task, so two racing consumers never double-count an attempt.
const incrRetryScript = `
local n = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[1])
return n
`

// Redis is a list-based FIFO broker (RPUSH producer / BLPOP consumer),
// backing production deployments (Design Note "Broker abstraction").
// Connectivity errors are routed through a gobreaker.CircuitBreaker so a
// flapping Redis does not pin every worker goroutine in a retry storm.
type Redis struct {
	client  *redis.Client
	queue   string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]registeredHandler

	incrSHA string
}

// NewRedis constructs a Redis broker. url is a standard redis:// connection
// string; queue names the list key used as the task FIFO.
func NewRedis(ctx context.Context, url, queue string, logger *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-redis",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	sha, err := client.ScriptLoad(ctx, incrRetryScript).Result()
	if err != nil {
		return nil, err
	}

	return &Redis{
		client:   client,
		queue:    queue,
		breaker:  cb,
		logger:   logger,
		handlers: make(map[string]registeredHandler),
		incrSHA:  sha,
	}, nil
}

func (b *Redis) Enqueue(ctx context.Context, taskName string, args map[string]any) (string, error) {
	id := uuid.NewString()
	wt := wireTask{ID: id, Name: taskName, Args: args}
	payload, err := json.Marshal(wt)
	if err != nil {
		return "", err
	}
	_, err = b.breaker.Execute(func() (any, error) {
		return nil, b.client.RPush(ctx, b.queue, payload).Err()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *Redis) RegisterHandler(taskName string, fn HandlerFunc, policy RetryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[taskName] = registeredHandler{fn: fn, policy: policy}
}

// Run blocks on BLPOP against the queue, dispatching each popped task to its
// registered handler until ctx is cancelled.
func (b *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := b.breaker.Execute(func() (any, error) {
			return b.client.BLPop(ctx, 5*time.Second, b.queue).Result()
		})
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, gobreaker.ErrOpenState) {
				time.Sleep(time.Second)
				continue
			}
			b.logger.Error("broker poll failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		pair, ok := res.([]string)
		if !ok || len(pair) != 2 {
			continue
		}

		var wt wireTask
		if err := json.Unmarshal([]byte(pair[1]), &wt); err != nil {
			b.logger.Error("malformed task payload", "error", err)
			continue
		}
		b.dispatch(ctx, wt)
	}
}

func (b *Redis) dispatch(ctx context.Context, wt wireTask) {
	b.mu.RLock()
	h, ok := b.handlers[wt.Name]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("no handler registered for task", "task_name", wt.Name)
		return
	}

	attempt, err := b.incrRetryCounter(ctx, wt.ID)
	if err != nil {
		b.logger.Error("retry counter increment failed", "error", err)
		attempt = wt.Retries + 1
	}

	rs := RetryState{Attempt: attempt, MaxRetries: h.policy.MaxRetries}
	handlerCtx := WithRetryState(ctx, rs)

	if err := h.fn(handlerCtx, Task{ID: wt.ID, Name: wt.Name, Args: wt.Args, Retries: wt.Retries}); err != nil {
		if rs.WillRetry() {
			wait := Backoff(h.policy, attempt)
			if h.policy.Jitter {
				wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
			}
			go func() {
				time.Sleep(wait)
				wt.Retries = attempt
				payload, merr := json.Marshal(wt)
				if merr != nil {
					return
				}
				_, _ = b.breaker.Execute(func() (any, error) {
					return nil, b.client.RPush(context.Background(), b.queue, payload).Err()
				})
			}()
		} else {
			b.logger.Error("task exhausted retries", "task_id", wt.ID, "task_name", wt.Name, "error", err)
		}
	}
}

// incrRetryCounter atomically bumps the per-task attempt counter stored at
// retry:<taskID>, expiring it after an hour so completed tasks don't leak
// keys.
func (b *Redis) incrRetryCounter(ctx context.Context, taskID string) (int, error) {
	key := "retry:" + taskID
	res, err := b.client.EvalSha(ctx, b.incrSHA, []string{key}, 3600).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected script result type")
	}
	return int(n), nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}

var _ Broker = (*Redis)(nil)
var _ Broker = (*InMemory)(nil)
