package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/generator/internal/generator"
	"github.com/shubham-shewale/stock-alerts/cmd/generator/internal/testutils"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

func TestGenerator_ComponentWiring(t *testing.T) {
	// This test simulates the "Main" loop but with a fake output
	logger := zap.NewNop()
	mockWriter := &testutils.MockKafkaWriter{}

	// MockClock.Sleep just advances time, so the loop runs as fast as CPU allows
	mockClock := &testutils.MockClock{CurrentTime: time.Now()}
	stepper := &testutils.MockStepper{Index: 0, Steps: []decimal.Decimal{decimal.NewFromInt(4)}}

	tickers := []string{"MSFT", "GOOG"}
	basePrices := map[string]decimal.Decimal{"MSFT": decimal.NewFromInt(300), "GOOG": decimal.NewFromInt(2000)}

	gen := generator.NewStockGenerator(logger, mockWriter, tickers, basePrices, stepper, mockClock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond) // Let it generate a few
		cancel()
	}()

	gen.Run(ctx)

	mockWriter.Mu.Lock()
	defer mockWriter.Mu.Unlock()

	if len(mockWriter.Messages) == 0 {
		t.Fatal("Generator failed to produce any messages in component test")
	}

	// Index 0 -> MSFT, +4 per tick
	var lastSeq int64
	prev := decimal.NewFromInt(300)
	for _, msg := range mockWriter.Messages {
		if string(msg.Key) != "MSFT" {
			t.Fatalf("Expected MSFT based on MockStepper, got %s", string(msg.Key))
		}
		var u models.StockUpdate
		if err := json.Unmarshal(msg.Value, &u); err != nil {
			t.Fatal(err)
		}
		if u.SeqID != lastSeq+1 {
			t.Fatalf("SeqID jumped from %d to %d", lastSeq, u.SeqID)
		}
		if !u.Price.Sub(prev).Equal(decimal.NewFromInt(4)) {
			t.Fatalf("step %s -> %s is not +4", prev, u.Price)
		}
		lastSeq, prev = u.SeqID, u.Price
	}
}

func TestGenerator_WriteFailureKeepsRunning(t *testing.T) {
	mockWriter := &testutils.MockKafkaWriter{ShouldFail: true}
	mockClock := &testutils.MockClock{CurrentTime: time.Now()}
	gen := generator.NewStockGenerator(zap.NewNop(), mockWriter, []string{"MSFT"}, nil,
		&testutils.MockStepper{}, mockClock, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := mockClock.CurrentTime
	gen.Run(ctx)

	if !mockClock.CurrentTime.After(start.Add(time.Second)) {
		t.Error("generator should keep ticking after write errors")
	}
}
