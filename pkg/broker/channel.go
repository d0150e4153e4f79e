package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds how hard Publish tries before giving up.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a Channel is built without options.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// ChannelStats counts publish outcomes for one channel.
type ChannelStats struct {
	Published int64
	Retried   int64
	Dropped   int64
	Malformed int64
}

// Channel is a typed view over a named broker channel.
type Channel[T any] struct {
	name   string
	cache  Cache
	retry  RetryPolicy
	logger *zap.Logger

	published atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
}

// ChannelOption configures a Channel.
type ChannelOption func(*channelOptions)

type channelOptions struct {
	retry  RetryPolicy
	logger *zap.Logger
}

// WithRetry overrides the publish retry policy.
func WithRetry(p RetryPolicy) ChannelOption {
	return func(o *channelOptions) { o.retry = p }
}

// WithLogger sets the logger used for drops and decode failures.
func WithLogger(l *zap.Logger) ChannelOption {
	return func(o *channelOptions) { o.logger = l }
}

// NewChannel binds a typed channel to the transport.
func NewChannel[T any](cache Cache, name string, opts ...ChannelOption) *Channel[T] {
	o := channelOptions{retry: DefaultRetryPolicy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Channel[T]{name: name, cache: cache, retry: o.retry, logger: o.logger}
}

// Name returns the transport channel name.
func (c *Channel[T]) Name() string { return c.name }

// Publish hands msg to the transport, retrying transient failures with
// exponential backoff. When the budget is exhausted the message is dropped,
// counted, and ErrBrokerUnavailable is returned.
func (c *Channel[T]) Publish(ctx context.Context, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", c.name, err)
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			c.retried.Add(1)
		}
		err := c.cache.Publish(ctx, c.name, payload)
		if err != nil && !errors.Is(err, ErrBrokerUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, c.retry.backOff(ctx)); err != nil {
		c.dropped.Add(1)
		c.logger.Error("Dropping message after publish retries",
			zap.String("channel", c.name), zap.Int("attempts", attempt), zap.Error(err))
		if errors.Is(err, ErrBrokerUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	c.published.Add(1)
	return nil
}

// Subscribe invokes handler for every message published after it returns.
// Messages that fail to decode are logged and skipped.
func (c *Channel[T]) Subscribe(ctx context.Context, handler func(context.Context, T)) (Subscription, error) {
	return c.cache.Subscribe(ctx, c.name, func(ctx context.Context, payload []byte) {
		var msg T
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.malformed.Add(1)
			c.logger.Warn("Skipping malformed message", zap.String("channel", c.name), zap.Error(err))
			return
		}
		handler(ctx, msg)
	})
}

// Stats returns current counters.
func (c *Channel[T]) Stats() ChannelStats {
	return ChannelStats{
		Published: c.published.Load(),
		Retried:   c.retried.Load(),
		Dropped:   c.dropped.Load(),
		Malformed: c.malformed.Load(),
	}
}

// Get decodes the JSON value stored under key. The bool is false when absent.
func Get[T any](ctx context.Context, cache Cache, key string) (T, bool, error) {
	var v T
	raw, err := cache.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value as JSON under key. A zero ttl keeps it until removed.
func Set[T any](ctx context.Context, cache Cache, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return cache.Set(ctx, key, raw, ttl)
}
