package processor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

// Logger abstracts the logging library
type Logger interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	Sync() error
}

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// RedisClient abstracts the snapshot storage connection
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Pipeline() redis.Pipeliner
	Close() error
}

// Pipeliner abstracts the Redis pipeline operations
type Pipeliner interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// PricePublisher is the price channel the alert engine listens on.
type PricePublisher interface {
	Publish(ctx context.Context, msg models.PriceUpdate) error
}

// Stats counts what happened to consumed ticks.
type Stats struct {
	Consumed   int64 `json:"consumed"`
	Invalid    int64 `json:"invalid"`
	Duplicates int64 `json:"duplicates"`
	Stored     int64 `json:"stored"`
	Published  int64 `json:"published"`
	Failed     int64 `json:"failed"`
}
