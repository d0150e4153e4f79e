package engine_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/engine"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/registry"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/stock-alerts/pkg/alertstore"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

// feed turns a price sequence into consecutive updates, one second apart.
func feed(symbol string, prices ...string) []models.PriceUpdate {
	out := make([]models.PriceUpdate, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out = append(out, models.PriceUpdate{
			SymbolID:  symbol,
			OldPrice:  d(prices[i-1]),
			NewPrice:  d(prices[i]),
			Timestamp: t0.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

type harness struct {
	engine *engine.Engine
	store  *alertstore.MemoryStore
	fired  *testutils.RecordingPublisher[models.FiredAlertEvent]
	watch  *testutils.RecordingPublisher[models.WatchlistEvent]
}

func newHarness(t *testing.T, store alertstore.Store, opts ...engine.Option) *harness {
	t.Helper()
	h := &harness{
		fired: &testutils.RecordingPublisher[models.FiredAlertEvent]{},
		watch: &testutils.RecordingPublisher[models.WatchlistEvent]{},
	}
	if store == nil {
		h.store = alertstore.NewMemoryStore()
		store = h.store
	}
	opts = append(opts, engine.WithWatchlist(h.watch))
	h.engine = engine.New(engine.Config{Lanes: 4, LaneBuffer: 16}, store, h.fired, zap.NewNop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.engine.Stop()
	})
	return h
}

func (h *harness) run(t *testing.T, updates []models.PriceUpdate) []string {
	t.Helper()
	var firedAt []string
	for _, u := range updates {
		fired, err := h.engine.Process(context.Background(), u)
		if err != nil {
			t.Fatalf("Process(%v): %v", u, err)
		}
		for range fired {
			firedAt = append(firedAt, u.NewPrice.String())
		}
	}
	return firedAt
}

func mustCreate(t *testing.T, s *alertstore.MemoryStore, user, sym string, dir models.Direction, threshold string) models.AlertRule {
	t.Helper()
	r, err := s.Create(context.Background(), models.AlertRule{
		UserID: user, SymbolID: sym, Direction: dir, Threshold: d(threshold), Active: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestEngine_FiresOncePerCrossing(t *testing.T) {
	tests := []struct {
		name      string
		dir       models.Direction
		threshold string
		prices    []string
		want      []string
	}{
		{"above rearms after drop", models.DirectionAbove, "100", []string{"90", "95", "101", "98", "102"}, []string{"101", "102"}},
		{"above stays fired while over", models.DirectionAbove, "100", []string{"90", "101", "105", "103", "110"}, []string{"101"}},
		{"above touching threshold stays fired", models.DirectionAbove, "100", []string{"99", "100.5", "100", "100.5"}, []string{"100.5"}},
		{"above oscillating at threshold", models.DirectionAbove, "100", []string{"99", "101", "100", "101", "100", "101"}, []string{"101"}},
		{"below touching threshold stays fired", models.DirectionBelow, "50", []string{"51", "49.5", "50", "49.5"}, []string{"49.5"}},
		{"below", models.DirectionBelow, "50", []string{"55", "49", "48", "51", "47"}, []string{"49", "47"}},
		{"no crossing", models.DirectionBelow, "50", []string{"55", "52", "50", "53"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			mustCreate(t, h.store, "u1", "ACME", tt.dir, tt.threshold)

			got := h.run(t, feed("ACME", tt.prices...))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("fired at %v, want %v", got, tt.want)
			}
			if n := len(h.fired.Published()); n != len(tt.want) {
				t.Errorf("published %d events, want %d", n, len(tt.want))
			}
		})
	}
}

func TestEngine_EventAndStoreState(t *testing.T) {
	h := newHarness(t, nil)
	rule := mustCreate(t, h.store, "u1", "ACME", models.DirectionAbove, "50")

	h.run(t, feed("ACME", "48", "52"))

	events := h.fired.Published()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.AlertID != rule.AlertID || ev.UserID != "u1" || ev.SymbolID != "ACME" || ev.Direction != models.DirectionAbove {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.TriggerPrice.Equal(d("52")) {
		t.Errorf("trigger price = %s, want 52", ev.TriggerPrice)
	}

	stored, _ := h.store.Get(context.Background(), rule.AlertID)
	if stored.LastFiredAt == nil || !stored.LastFiredAt.Equal(ev.FiredAt) {
		t.Errorf("LastFiredAt = %v, want %v", stored.LastFiredAt, ev.FiredAt)
	}
	if n := len(h.watch.Published()); n != 1 {
		t.Errorf("watchlist events = %d, want 1", n)
	}
}

func TestEngine_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	mustCreate(t, h.store, "u1", "ACME", models.DirectionAbove, "100")

	updates := feed("ACME", "95", "101", "98")
	// 95->101 arrives twice, the second time after the re-arming drop
	replay := []models.PriceUpdate{updates[0], updates[0], updates[1], updates[0]}
	h.run(t, replay)

	seen := make(map[string]int)
	for _, ev := range h.fired.Published() {
		seen[ev.DedupKey()]++
	}
	if len(seen) != 1 {
		t.Fatalf("distinct fired events = %d, want 1", len(seen))
	}
	if got := h.engine.Stats().Fired; got != 1 {
		t.Errorf("Stats().Fired = %d, want 1", got)
	}
}

func TestEngine_ReplayAfterRestartUsesLastFiredAt(t *testing.T) {
	store := alertstore.NewMemoryStore()
	mustCreate(t, store, "u1", "ACME", models.DirectionAbove, "100")
	updates := feed("ACME", "95", "101")

	first := newHarness(t, store)
	first.run(t, updates)

	// a fresh engine has no lane state but the store remembers the firing
	second := newHarness(t, store)
	second.run(t, updates)

	if n := len(second.fired.Published()); n != 0 {
		t.Errorf("replayed update fired %d times after restart", n)
	}
}

func TestEngine_DistinctSymbolsIndependent(t *testing.T) {
	// Run with `go test -race ./...`
	h := newHarness(t, nil)
	const symbols = 16
	for i := 0; i < symbols; i++ {
		mustCreate(t, h.store, "u1", fmt.Sprintf("S%02d", i), models.DirectionAbove, "100")
	}

	var wg sync.WaitGroup
	for i := 0; i < symbols; i++ {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for _, u := range feed(sym, "90", "95", "101", "98", "102") {
				if _, err := h.engine.Process(context.Background(), u); err != nil {
					t.Error(err)
				}
			}
		}(fmt.Sprintf("S%02d", i))
	}
	wg.Wait()

	perSymbol := make(map[string][]string)
	for _, ev := range h.fired.Published() {
		perSymbol[ev.SymbolID] = append(perSymbol[ev.SymbolID], ev.TriggerPrice.String())
	}
	for i := 0; i < symbols; i++ {
		sym := fmt.Sprintf("S%02d", i)
		if got := perSymbol[sym]; !reflect.DeepEqual(got, []string{"101", "102"}) {
			t.Errorf("%s fired at %v, want [101 102]", sym, got)
		}
	}
}

func TestEngine_OnPriceUpdateQueuesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	mustCreate(t, h.store, "u1", "ACME", models.DirectionAbove, "100")

	for _, u := range feed("ACME", "90", "95", "101", "98", "102") {
		if err := h.engine.OnPriceUpdate(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	testutils.Eventually(t, func() bool { return len(h.fired.Published()) == 2 }, "two firings")

	events := h.fired.Published()
	if !events[0].TriggerPrice.Equal(d("101")) || !events[1].TriggerPrice.Equal(d("102")) {
		t.Errorf("events out of order: %v, %v", events[0].TriggerPrice, events[1].TriggerPrice)
	}
}

// staleStore deactivates the rule between the read and the write.
type staleStore struct {
	*alertstore.MemoryStore
}

func (s staleStore) RecordFired(ctx context.Context, alertID string, at time.Time) error {
	s.MemoryStore.SetActive(ctx, alertID, false)
	return s.MemoryStore.RecordFired(ctx, alertID, at)
}

func TestEngine_StaleRuleWriteStillDelivers(t *testing.T) {
	mem := alertstore.NewMemoryStore()
	rule := mustCreate(t, mem, "u1", "ACME", models.DirectionAbove, "100")
	h := newHarness(t, staleStore{mem})

	h.run(t, feed("ACME", "95", "101"))

	if n := len(h.fired.Published()); n != 1 {
		t.Fatalf("published %d events, want 1", n)
	}
	stored, _ := mem.Get(context.Background(), rule.AlertID)
	if stored.LastFiredAt != nil {
		t.Error("stale write should not be persisted")
	}
	if got := h.engine.Stats().StaleWrites; got != 1 {
		t.Errorf("StaleWrites = %d, want 1", got)
	}
}

// invalidStore returns one malformed rule next to the real ones.
type invalidStore struct {
	*alertstore.MemoryStore
}

func (s invalidStore) ListActiveForSymbol(ctx context.Context, sym string) ([]models.AlertRule, error) {
	rules, err := s.MemoryStore.ListActiveForSymbol(ctx, sym)
	bad := models.AlertRule{AlertID: "0-bad", UserID: "u9", SymbolID: sym, Direction: "sideways", Threshold: d("1"), Active: true}
	return append([]models.AlertRule{bad}, rules...), err
}

func TestEngine_InvalidRuleSkipped(t *testing.T) {
	mem := alertstore.NewMemoryStore()
	mustCreate(t, mem, "u1", "ACME", models.DirectionAbove, "100")
	h := newHarness(t, invalidStore{mem})

	h.run(t, feed("ACME", "95", "101"))

	if n := len(h.fired.Published()); n != 1 {
		t.Errorf("published %d events, want 1", n)
	}
	if got := h.engine.Stats().InvalidRules; got != 1 {
		t.Errorf("InvalidRules = %d, want 1", got)
	}
}

func TestEngine_SkipsSymbolsWithoutSubscribers(t *testing.T) {
	reg := registry.New()
	h := newHarness(t, nil, engine.WithInterest(reg))
	mustCreate(t, h.store, "u1", "ACME", models.DirectionAbove, "100")

	h.run(t, feed("ACME", "95", "101"))
	if n := len(h.fired.Published()); n != 0 {
		t.Fatalf("unwatched symbol fired %d alerts", n)
	}

	reg.AddSubscription("u1", "ACME")
	h.run(t, []models.PriceUpdate{{SymbolID: "ACME", OldPrice: d("99"), NewPrice: d("101"), Timestamp: t0.Add(time.Minute)}})
	if n := len(h.fired.Published()); n != 1 {
		t.Errorf("watched symbol fired %d alerts, want 1", n)
	}

	stats := h.engine.Stats()
	if stats.Skipped != 1 || stats.Evaluated != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEngine_PublishFailureCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.fired.Err = errors.New("broker unavailable")
	mustCreate(t, h.store, "u1", "ACME", models.DirectionAbove, "100")

	h.run(t, feed("ACME", "95", "101"))

	if got := h.engine.Stats().PublishFailures; got != 1 {
		t.Errorf("PublishFailures = %d, want 1", got)
	}
}

func TestEngine_StoppedRejectsUpdates(t *testing.T) {
	e := engine.New(engine.Config{Lanes: 1}, alertstore.NewMemoryStore(), &testutils.RecordingPublisher[models.FiredAlertEvent]{}, zap.NewNop())
	e.Start(context.Background())
	e.Stop()

	err := e.OnPriceUpdate(context.Background(), feed("ACME", "1", "2")[0])
	if !errors.Is(err, engine.ErrStopped) {
		t.Errorf("OnPriceUpdate after Stop = %v, want ErrStopped", err)
	}
}
