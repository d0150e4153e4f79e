package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/stock-alerts/cmd/generator/internal/generator"
)

// ErrKafka is returned by failing mocks.
var ErrKafka = errors.New("kafka error")

type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return ErrKafka
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error { return nil }

// MockClock advances instantly on Sleep.
type MockClock struct {
	CurrentTime time.Time
}

func (m *MockClock) Now() time.Time        { return m.CurrentTime }
func (m *MockClock) Sleep(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }

// MockStepper always picks Index and replays Steps in a loop (zero when empty).
type MockStepper struct {
	Index int
	Steps []decimal.Decimal
	// Limits records the bound passed to every Step call.
	Limits []decimal.Decimal
	next   int
}

func (m *MockStepper) Pick(n int) int { return m.Index }

func (m *MockStepper) Step(limit decimal.Decimal) decimal.Decimal {
	m.Limits = append(m.Limits, limit)
	if len(m.Steps) == 0 {
		return decimal.Zero
	}
	s := m.Steps[m.next%len(m.Steps)]
	m.next++
	return s
}

// MockKafkaConn records topic creation requests.
type MockKafkaConn struct {
	CreatedTopics []kafka.TopicConfig
	// NotReady makes ReadPartitions report no partitions.
	NotReady bool
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	m.CreatedTopics = append(m.CreatedTopics, topics...)
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.NotReady {
		return nil, nil
	}
	return []kafka.Partition{{ID: 0}}, nil
}

// MockKafkaDialer hands out ConnSpy for every address not in Down.
type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Down    map[string]bool
	Dialed  []string
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (generator.KafkaConn, error) {
	m.Dialed = append(m.Dialed, address)
	if m.Down[address] {
		return nil, ErrKafka
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}
