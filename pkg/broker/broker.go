// Package broker provides typed publish/subscribe channels over a cache/broker
// transport. Delivery is at-least-once per subscriber; consumers must be idempotent.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBrokerUnavailable is returned when the transport cannot be reached.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrNotFound is returned by Get for absent keys.
	ErrNotFound = errors.New("key not found")
)

// Handler receives raw payloads for one subscription, one at a time, in publish order.
type Handler func(ctx context.Context, payload []byte)

// Subscription is an active registration on a channel.
type Subscription interface {
	Close() error
}

// Cache is the cache/broker port the core depends on.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is live. Messages published
	// before that point are not delivered.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// Channel names used by the pipeline.
const (
	ChannelPrices        = "prices"
	ChannelAlertsFired   = "alerts.fired"
	ChannelWatchlist     = "watchlist"
	ChannelSubscriptions = "subscriptions"
)
