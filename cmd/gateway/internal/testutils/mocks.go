package testutils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

var ErrMockTransport = errors.New("mock transport failure")

// MockClient simulates a connected websocket session
type MockClient struct {
	IDVal     string
	UserIDVal string
	Messages  []protocol.WSResponse        // Stores decoded JSON messages
	Delivered []models.NotificationMessage // Stores pushed notifications
	States    []models.SessionState        // Stores mirrored status
	Closed    bool
	// Fail makes every Deliver return ErrMockTransport.
	Fail bool
	// Block makes Deliver wait for ctx cancellation, like a stuck consumer.
	Block bool
	Delay time.Duration
	// DelayFirst holds back only the first delivery.
	DelayFirst time.Duration

	calls       int
	inFlight    int
	MaxInFlight int
	Mu          sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.WSResponse, 0)}
}

func NewMockSession(id, userID string) *MockClient {
	c := NewMockClient(id)
	c.UserIDVal = userID
	return c
}

func (m *MockClient) ID() string     { return m.IDVal }
func (m *MockClient) UserID() string { return m.UserIDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

func (m *MockClient) SendJSON(v interface{}) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	// If it's a response, store it
	if resp, ok := v.(protocol.WSResponse); ok {
		m.Messages = append(m.Messages, resp)
	}
}

func (m *MockClient) Status(state models.SessionState) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.States = append(m.States, state)
}

func (m *MockClient) Deliver(ctx context.Context, msg models.NotificationMessage) error {
	m.Mu.Lock()
	m.inFlight++
	if m.inFlight > m.MaxInFlight {
		m.MaxInFlight = m.inFlight
	}
	fail, block, delay := m.Fail, m.Block, m.Delay
	if m.calls == 0 && m.DelayFirst > 0 {
		delay = m.DelayFirst
	}
	m.calls++
	m.Mu.Unlock()

	defer func() {
		m.Mu.Lock()
		m.inFlight--
		m.Mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return ErrMockTransport
	}

	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Delivered = append(m.Delivered, msg)
	return nil
}

func (m *MockClient) Notifications() []models.NotificationMessage {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]models.NotificationMessage(nil), m.Delivered...)
}

func (m *MockClient) StatusHistory() []models.SessionState {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]models.SessionState(nil), m.States...)
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

func (m *MockClient) LastMessage() protocol.WSResponse {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.WSResponse{}
	}
	return m.Messages[len(m.Messages)-1]
}

// MockPriceStore simulates the Redis snapshot/view store
type MockPriceStore struct {
	Snapshots map[string]string
	Views     map[string][]string
	Mu        sync.Mutex
}

func NewMockStore() *MockPriceStore {
	return &MockPriceStore{
		Snapshots: map[string]string{"AAPL": `{"symbol":"AAPL","price":"150"}`},
		Views:     make(map[string][]string),
	}
}

func (m *MockPriceStore) GetSnapshots(ctx context.Context, symbols []string) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []string
	for _, s := range symbols {
		if snap, ok := m.Snapshots[s]; ok {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *MockPriceStore) GetWatchlistView(ctx context.Context, userID string) ([]string, bool, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	v, ok := m.Views[userID]
	return v, ok, nil
}

func (m *MockPriceStore) SetWatchlistView(ctx context.Context, userID string, symbols []string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Views[userID] = append([]string(nil), symbols...)
	return nil
}

func (m *MockPriceStore) InvalidateWatchlistView(ctx context.Context, userID string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	delete(m.Views, userID)
	return nil
}

func (m *MockPriceStore) HasView(userID string) bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	_, ok := m.Views[userID]
	return ok
}

// RecordingPublisher captures published messages instead of sending them.
type RecordingPublisher[T any] struct {
	Mu   sync.Mutex
	Msgs []T
	Err  error
}

func (p *RecordingPublisher[T]) Publish(ctx context.Context, msg T) error {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Msgs = append(p.Msgs, msg)
	return nil
}

func (p *RecordingPublisher[T]) Published() []T {
	p.Mu.Lock()
	defer p.Mu.Unlock()
	return append([]T(nil), p.Msgs...)
}

// FakeClock is a settable time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
