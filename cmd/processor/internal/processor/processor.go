package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/pkg/config"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

const (
	snapshotPrefix     = "stock:"
	defaultLaneBuffer  = 100
	defaultSnapshotTTL = time.Hour
)

type Processor struct {
	logger      Logger
	rdb         RedisClient
	reader      KafkaReader
	prices      PricePublisher
	numWorkers  int
	laneBuffer  int
	snapshotTTL time.Duration

	consumed, invalid, duplicates atomic.Int64
	stored, published, failed     atomic.Int64
}

func NewProcessor(cfg *config.Config, logger Logger, rdb RedisClient, reader KafkaReader, prices PricePublisher) *Processor {
	p := &Processor{
		logger:      logger,
		rdb:         rdb,
		reader:      reader,
		prices:      prices,
		numWorkers:  cfg.Processor.NumWorkers,
		laneBuffer:  cfg.Processor.LaneBuffer,
		snapshotTTL: cfg.Broker.SnapshotTTL,
	}
	if p.numWorkers < 1 {
		p.numWorkers = 1
	}
	if p.laneBuffer < 1 {
		p.laneBuffer = defaultLaneBuffer
	}
	if p.snapshotTTL <= 0 {
		p.snapshotTTL = defaultSnapshotTTL
	}
	return p
}

// Run consumes until ctx is cancelled, then drains every lane.
func (p *Processor) Run(ctx context.Context) error {
	lanes := make([]chan []byte, p.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < p.numWorkers; i++ {
		lanes[i] = make(chan []byte, p.laneBuffer)
		wg.Add(1)
		go p.worker(i, lanes[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.consume(ctx, lanes)
	}()

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping processor...")

	// lanes are closed only once nothing can send on them
	<-readerDone
	for _, ch := range lanes {
		close(ch)
	}
	p.logger.Info("Waiting for workers to drain...")
	wg.Wait()

	return nil
}

func (p *Processor) consume(ctx context.Context, lanes []chan []byte) {
	p.logger.Info("Processor Started", zap.Int("workers", len(lanes)))
	for {
		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return
			}
			p.logger.Error("Kafka Read Error", zap.Error(err))
			continue
		}
		p.consumed.Add(1)

		// Deterministic Sharding: Same symbol always goes to same worker
		workerID := getWorkerID(m.Key, len(lanes))

		// Blocking: every tick may be a crossing, so backpressure reaches Kafka instead of dropping
		select {
		case lanes[workerID] <- m.Value:
		case <-ctx.Done():
			return
		}
	}
}

// lane state is owned by a single worker goroutine
type lane struct {
	lastSeq   map[string]int64
	lastPrice map[string]decimal.Decimal
}

func (p *Processor) worker(id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	// Background context prevents cancellation mid-Redis write
	ctx := context.Background()

	st := lane{
		lastSeq:   make(map[string]int64),
		lastPrice: make(map[string]decimal.Decimal),
	}

	for payload := range msgs {
		var update models.StockUpdate
		if err := json.Unmarshal(payload, &update); err != nil || update.Symbol == "" {
			p.invalid.Add(1)
			p.logger.Error("JSON Unmarshal Error", zap.Error(err), zap.ByteString("payload", payload))
			continue
		}

		oldPrice, known := st.lastPrice[update.Symbol]
		if !known {
			// after a restart Kafka redelivers uncommitted ticks the snapshot already covers
			if snap, ok := p.seed(ctx, update.Symbol); ok {
				oldPrice, known = snap.Price, true
				st.lastPrice[update.Symbol] = snap.Price
				st.lastSeq[update.Symbol] = snap.SeqID
			}
		}

		if update.SeqID <= st.lastSeq[update.Symbol] {
			p.duplicates.Add(1)
			p.logger.Debug("Skipping duplicate update", zap.String("symbol", update.Symbol), zap.Int64("seq_id", update.SeqID))
			continue
		}

		if err := p.store(ctx, update.Symbol, payload); err != nil {
			p.failed.Add(1)
			p.logger.Error("Redis Pipeline Error", zap.Error(err), zap.String("symbol", update.Symbol))
			continue
		}
		p.stored.Add(1)
		st.lastSeq[update.Symbol] = update.SeqID
		st.lastPrice[update.Symbol] = update.Price

		if !known {
			p.logger.Debug("First price for symbol", zap.String("symbol", update.Symbol), zap.Int("worker_id", id))
			continue
		}

		msg := models.PriceUpdate{
			SymbolID:  update.Symbol,
			OldPrice:  oldPrice,
			NewPrice:  update.Price,
			Timestamp: update.Time(),
		}
		if err := p.prices.Publish(ctx, msg); err != nil {
			p.failed.Add(1)
			p.logger.Error("Price publish failed", zap.Error(err), zap.String("symbol", update.Symbol))
			continue
		}
		p.published.Add(1)
		p.logger.Debug("Processed", zap.String("symbol", update.Symbol), zap.Int("worker_id", id), zap.Int64("seq_id", update.SeqID))
	}
}

// seed recovers the last stored tick (price and SeqID) after a restart.
func (p *Processor) seed(ctx context.Context, symbol string) (models.StockUpdate, bool) {
	raw, err := p.rdb.Get(ctx, snapshotPrefix+symbol).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("Snapshot lookup failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return models.StockUpdate{}, false
	}
	var snap models.StockUpdate
	if err := json.Unmarshal(raw, &snap); err != nil {
		p.logger.Warn("Corrupt snapshot", zap.String("symbol", symbol), zap.Error(err))
		return models.StockUpdate{}, false
	}
	return snap, true
}

func (p *Processor) store(ctx context.Context, symbol string, payload []byte) error {
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, snapshotPrefix+symbol, payload, p.snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store snapshot %s: %w", symbol, err)
	}
	return nil
}

func (p *Processor) Stats() Stats {
	return Stats{
		Consumed:   p.consumed.Load(),
		Invalid:    p.invalid.Load(),
		Duplicates: p.duplicates.Load(),
		Stored:     p.stored.Load(),
		Published:  p.published.Load(),
		Failed:     p.failed.Load(),
	}
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
