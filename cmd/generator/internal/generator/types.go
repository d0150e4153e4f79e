package generator

import (
	"context"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Clock paces the generator and stamps ticks.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Stepper drives the random walk: which ticker moves next and by how much.
type Stepper interface {
	// Pick returns an index in [0, n).
	Pick(n int) int
	// Step returns a whole-cent move in [-limit, limit].
	Step(limit decimal.Decimal) decimal.Decimal
}

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaDialer interface {
	DialContext(ctx context.Context, network, address string) (KafkaConn, error)
}

// KafkaConn is the admin subset of *kafka.Conn used to create the tick topic.
type KafkaConn interface {
	Controller() (kafka.Broker, error)
	Close() error
	CreateTopics(topics ...kafka.TopicConfig) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
}

type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// RandomStepper moves prices by a uniformly random number of cents.
type RandomStepper struct{ rnd *rand.Rand }

func NewRandomStepper(seed int64) *RandomStepper {
	return &RandomStepper{rnd: rand.New(rand.NewSource(seed))}
}

func (s *RandomStepper) Pick(n int) int { return s.rnd.Intn(n) }

func (s *RandomStepper) Step(limit decimal.Decimal) decimal.Decimal {
	cents := limit.Shift(2).IntPart()
	if cents <= 0 {
		return decimal.Zero
	}
	return decimal.New(s.rnd.Int63n(2*cents+1)-cents, -2)
}

// connAdapter narrows *kafka.Conn to KafkaConn.
type connAdapter struct{ *kafka.Conn }

// DialerAdapter narrows *kafka.Dialer to KafkaDialer.
type DialerAdapter struct{ *kafka.Dialer }

func (d DialerAdapter) DialContext(ctx context.Context, network, address string) (KafkaConn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return connAdapter{Conn: conn}, nil
}
