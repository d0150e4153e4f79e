package tracker_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/tracker"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

func TestTracker_ConnectDisconnect(t *testing.T) {
	var offline []string
	tr := tracker.New(time.Minute, zap.NewNop(), tracker.WithOfflineHook(func(u string) { offline = append(offline, u) }))
	conn := testutils.NewMockSession("s1", "u1")

	if err := tr.OnConnect(context.Background(), "s1", "u1", conn, nil); err != nil {
		t.Fatalf("OnConnect: %v", err)
	}
	if got := tr.ActiveSessions("u1"); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("ActiveSessions = %v, want [s1]", got)
	}
	want := []models.SessionState{models.StateConnecting, models.StateConnected}
	if got := conn.StatusHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("status history = %v, want %v", got, want)
	}

	tr.OnDisconnect("s1")
	if got := tr.ActiveSessions("u1"); len(got) != 0 {
		t.Errorf("ActiveSessions after disconnect = %v", got)
	}
	if !reflect.DeepEqual(offline, []string{"u1"}) {
		t.Errorf("offline signals = %v, want [u1]", offline)
	}
	if s, ok := tr.Session("s1"); ok || s.State != models.StateDisconnected {
		t.Errorf("Session after disconnect = %+v ok:%v", s, ok)
	}
}

func TestTracker_UnknownDisconnectIsNoop(t *testing.T) {
	tr := tracker.New(time.Minute, zap.NewNop())
	tr.OnDisconnect("never-seen")
	tr.OnDisconnect("never-seen")

	if err := tr.CompleteConnect("never-seen"); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Errorf("CompleteConnect on unknown = %v, want ErrInvalidTransition", err)
	}
}

func TestTracker_OfflineOnlyAfterLastSession(t *testing.T) {
	var offline []string
	tr := tracker.New(time.Minute, zap.NewNop(), tracker.WithOfflineHook(func(u string) { offline = append(offline, u) }))
	ctx := context.Background()

	tr.OnConnect(ctx, "phone", "u1", testutils.NewMockSession("phone", "u1"), nil)
	tr.OnConnect(ctx, "laptop", "u1", testutils.NewMockSession("laptop", "u1"), nil)

	tr.OnDisconnect("phone")
	if len(offline) != 0 {
		t.Fatalf("user went offline with a session left: %v", offline)
	}
	tr.OnDisconnect("laptop")
	if len(offline) != 1 {
		t.Fatalf("offline signals = %v, want one", offline)
	}
}

func TestTracker_HandshakeFailure(t *testing.T) {
	tr := tracker.New(time.Minute, zap.NewNop())
	conn := testutils.NewMockSession("s1", "u1")
	boom := errors.New("handshake failed")

	err := tr.OnConnect(context.Background(), "s1", "u1", conn, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("OnConnect = %v, want handshake error", err)
	}
	if got := tr.ActiveSessions("u1"); len(got) != 0 {
		t.Errorf("failed handshake left sessions %v", got)
	}
	want := []models.SessionState{models.StateConnecting, models.StateDisconnected}
	if got := conn.StatusHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("status history = %v, want %v", got, want)
	}
}

func TestTracker_ConnectingIsNotActive(t *testing.T) {
	tr := tracker.New(time.Minute, zap.NewNop())
	tr.BeginConnect("s1", "u1", testutils.NewMockSession("s1", "u1"))

	if got := tr.ActiveSessions("u1"); len(got) != 0 {
		t.Errorf("connecting session listed as active: %v", got)
	}
	if err := tr.CompleteConnect("s1"); err != nil {
		t.Fatalf("CompleteConnect: %v", err)
	}
	if err := tr.CompleteConnect("s1"); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Errorf("second CompleteConnect = %v, want ErrInvalidTransition", err)
	}
	// FailConnect on a connected session is not a valid transition
	tr.FailConnect("s1")
	if got := tr.ActiveSessions("u1"); len(got) != 1 {
		t.Errorf("FailConnect removed a connected session")
	}
}

func TestTracker_ReusedSessionIDReplacesOldConnection(t *testing.T) {
	tr := tracker.New(time.Minute, zap.NewNop())
	ctx := context.Background()
	old := testutils.NewMockSession("s1", "u1")
	fresh := testutils.NewMockSession("s1", "u1")

	tr.OnConnect(ctx, "s1", "u1", old, nil)
	tr.OnConnect(ctx, "s1", "u1", fresh, nil)

	if !old.IsClosed() {
		t.Error("old representation should be closed")
	}
	conns := tr.Connections("u1")
	if len(conns) != 1 || conns[0] != fresh {
		t.Fatalf("Connections = %v, want only the fresh connection", conns)
	}

	// late disconnect from the old transport must not evict the new one
	tr.Release("s1", old)
	if got := tr.ActiveSessions("u1"); len(got) != 1 {
		t.Errorf("stale release evicted the live session")
	}
	tr.Release("s1", fresh)
	if got := tr.ActiveSessions("u1"); len(got) != 0 {
		t.Errorf("ActiveSessions = %v after release", got)
	}
}

func TestTracker_ReusedSessionIDByOtherUserTakesOldUserOffline(t *testing.T) {
	var offline []string
	tr := tracker.New(time.Minute, zap.NewNop(), tracker.WithOfflineHook(func(u string) { offline = append(offline, u) }))
	ctx := context.Background()

	tr.OnConnect(ctx, "s1", "u1", testutils.NewMockSession("s1", "u1"), nil)
	tr.OnConnect(ctx, "s1", "u2", testutils.NewMockSession("s1", "u2"), nil)

	if !reflect.DeepEqual(offline, []string{"u1"}) {
		t.Errorf("offline = %v, want [u1]", offline)
	}
	if got := tr.ActiveSessions("u1"); len(got) != 0 {
		t.Errorf("u1 still has sessions %v", got)
	}
	if got := tr.ActiveSessions("u2"); len(got) != 1 {
		t.Errorf("u2 sessions = %v", got)
	}
}

func TestTracker_ExpireStale(t *testing.T) {
	clock := testutils.NewFakeClock(time.Unix(1000, 0))
	tr := tracker.New(30*time.Second, zap.NewNop(), tracker.WithClock(clock.Now))
	ctx := context.Background()

	idle := testutils.NewMockSession("idle", "u1")
	busy := testutils.NewMockSession("busy", "u1")
	tr.OnConnect(ctx, "idle", "u1", idle, nil)
	tr.OnConnect(ctx, "busy", "u1", busy, nil)

	clock.Advance(20 * time.Second)
	tr.Touch("busy")
	clock.Advance(20 * time.Second)

	if n := tr.ExpireStale(); n != 1 {
		t.Fatalf("ExpireStale = %d, want 1", n)
	}
	if !idle.IsClosed() || busy.IsClosed() {
		t.Error("only the idle session should be closed")
	}
	if got := tr.ActiveSessions("u1"); !reflect.DeepEqual(got, []string{"busy"}) {
		t.Errorf("ActiveSessions = %v, want [busy]", got)
	}
}

func TestTracker_ConcurrentChurn(t *testing.T) {
	// Run with `go test -race ./...`
	tr := tracker.New(time.Minute, zap.NewNop())
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			user := fmt.Sprintf("u%d", i%5)
			tr.OnConnect(ctx, id, user, testutils.NewMockSession(id, user), nil)
			tr.OnDisconnect(id)
			tr.OnDisconnect(id)
			tr.OnConnect(ctx, id, user, testutils.NewMockSession(id, user), nil)
		}(i)
	}
	wg.Wait()

	total := 0
	for u := 0; u < 5; u++ {
		total += len(tr.ActiveSessions(fmt.Sprintf("u%d", u)))
	}
	if total != 50 {
		t.Errorf("active sessions = %d, want 50", total)
	}
}
