package generator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

var (
	defaultBasePrice = decimal.NewFromInt(100)
	minPrice         = decimal.New(1, -2)
	// MaxStep bounds one tick's price move.
	MaxStep = decimal.NewFromInt(5)
)

// StockGenerator random-walks each ticker's price and writes ticks keyed by symbol.
type StockGenerator struct {
	logger      *zap.Logger
	writer      KafkaWriter
	tickers     []string
	prices      map[string]decimal.Decimal
	stepper     Stepper
	clock       Clock
	interval    time.Duration
	seqCounters map[string]int64
}

func NewStockGenerator(
	logger *zap.Logger,
	writer KafkaWriter,
	tickers []string,
	basePrices map[string]decimal.Decimal,
	stepper Stepper,
	clock Clock,
	interval time.Duration,
) *StockGenerator {
	prices := make(map[string]decimal.Decimal, len(tickers))
	for _, sym := range tickers {
		p, ok := basePrices[sym]
		if !ok {
			p = defaultBasePrice
		}
		prices[sym] = p
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &StockGenerator{
		logger:      logger,
		writer:      writer,
		tickers:     tickers,
		prices:      prices,
		stepper:     stepper,
		clock:       clock,
		interval:    interval,
		seqCounters: make(map[string]int64),
	}
}

func (sg *StockGenerator) Run(ctx context.Context) {
	sg.logger.Info("Generator Started", zap.Strings("tickers", sg.tickers))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if len(sg.tickers) == 0 {
				sg.clock.Sleep(1 * time.Second)
				continue
			}

			update := sg.Next()
			payload, err := json.Marshal(update)
			if err != nil {
				sg.logger.Error("JSON Marshal Error", zap.Error(err))
				continue
			}

			err = sg.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(update.Symbol), // Key ensures partition ordering
				Value: payload,
			})
			if err != nil {
				sg.logger.Error("Kafka Write Error", zap.Error(err))
			} else {
				sg.logger.Debug("Sent update", zap.String("symbol", update.Symbol), zap.Stringer("price", update.Price))
			}

			sg.clock.Sleep(sg.interval)
		}
	}
}

// Next moves one ticker by at most MaxStep and returns its tick.
func (sg *StockGenerator) Next() models.StockUpdate {
	symbol := sg.tickers[sg.stepper.Pick(len(sg.tickers))]
	step := decimal.Min(decimal.Max(sg.stepper.Step(MaxStep), MaxStep.Neg()), MaxStep)

	price := sg.prices[symbol].Add(step).Round(2)
	if price.LessThan(minPrice) {
		price = minPrice
	}
	sg.prices[symbol] = price
	sg.seqCounters[symbol]++

	return models.StockUpdate{
		Symbol:    symbol,
		Price:     price,
		Timestamp: sg.clock.Now().UnixMicro(),
		SeqID:     sg.seqCounters[symbol],
	}
}
