package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/generator/internal/generator"
	"github.com/shubham-shewale/stock-alerts/pkg/config"
)

var basePrices = map[string]decimal.Decimal{
	"AAPL": decimal.NewFromInt(150),
	"GOOG": decimal.NewFromInt(2800),
	"TSLA": decimal.NewFromInt(700),
	"AMZN": decimal.NewFromInt(3400),
	"ACME": decimal.NewFromInt(50),
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ensure the topic exists before writing
	dialer := generator.DialerAdapter{Dialer: &kafka.Dialer{Timeout: 10 * time.Second}}
	generator.NewTopicCreator(logger, dialer, generator.SystemClock{}).Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{}, // same symbol, same partition
		// Send batches to reduce network IO
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}

	stepper := generator.NewRandomStepper(time.Now().UnixNano())
	gen := generator.NewStockGenerator(logger, writer, cfg.Generator.Tickers, basePrices, stepper, generator.SystemClock{}, cfg.Generator.Interval)

	gen.Run(ctx)
	logger.Info("Shutdown signal received")

	// Flush Kafka Buffer
	if err := writer.Close(); err != nil {
		logger.Error("Error closing Kafka writer", zap.Error(err))
	} else {
		logger.Info("Kafka writer closed cleanly")
	}
}
