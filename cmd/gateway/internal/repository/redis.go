package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shubham-shewale/stock-alerts/pkg/broker"
)

const (
	keyPrefix  = "stock:"
	viewPrefix = "watchlist:"
)

// Compile-time check to ensure RedisStore implements PriceStore
var _ PriceStore = (*RedisStore)(nil)

// RedisStore reads snapshots with MGET and keeps watchlist views behind the
// cache port.
type RedisStore struct {
	client  *redis.Client
	cache   broker.Cache
	viewTTL time.Duration
}

func NewRedisStore(client *redis.Client, cache broker.Cache, viewTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		cache:   cache,
		viewTTL: viewTTL,
	}
}

// GetSnapshots fetches the latest static price for a list of symbols (MGET)
func (r *RedisStore) GetSnapshots(ctx context.Context, symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = keyPrefix + sym
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) GetWatchlistView(ctx context.Context, userID string) ([]string, bool, error) {
	return broker.Get[[]string](ctx, r.cache, viewPrefix+userID)
}

func (r *RedisStore) SetWatchlistView(ctx context.Context, userID string, symbols []string) error {
	return broker.Set(ctx, r.cache, viewPrefix+userID, symbols, r.viewTTL)
}

func (r *RedisStore) InvalidateWatchlistView(ctx context.Context, userID string) error {
	return r.cache.Remove(ctx, viewPrefix+userID)
}
