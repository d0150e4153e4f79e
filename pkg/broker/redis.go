package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Compile-time check to ensure RedisCache implements Cache
var _ Cache = (*RedisCache)(nil)

// RedisCache implements Cache on Redis keys and Redis pub/sub.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*redisSubscription]struct{}
}

func NewRedisCache(client *redis.Client, channelPrefix string, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: channelPrefix,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return b, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisCache) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("remove", err)
	}
	return nil
}

// Publish returns once Redis has accepted the message.
func (r *RedisCache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection for the channel and waits for
// Redis to confirm it. One goroutine drains it, so the handler sees messages in
// publish order. go-redis resubscribes after a reconnect.
func (r *RedisCache) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	name := r.prefix + channel
	ps := r.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, unavailable("subscribe", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{ps: ps, cancel: cancel, done: make(chan struct{}), owner: r}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			handler(runCtx, []byte(msg.Payload))
		}
	}()

	r.logger.Debug("Subscribed", zap.String("channel", name))
	return sub, nil
}

// Close stops all subscriptions and closes the client.
func (r *RedisCache) Close() error {
	r.mu.Lock()
	subs := make([]*redisSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return r.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	owner  *RedisCache
	once   sync.Once
	err    error
}

// Close unsubscribes and waits for the in-flight handler call to return.
func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.ps.Close()
		<-s.done

		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	})
	return s.err
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrBrokerUnavailable, op, err)
}
