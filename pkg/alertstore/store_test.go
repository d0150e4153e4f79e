package alertstore_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/stock-alerts/pkg/alertstore"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

func newRule(user, symbol string, dir models.Direction, threshold string) models.AlertRule {
	return models.AlertRule{
		UserID:    user,
		SymbolID:  symbol,
		Direction: dir,
		Threshold: decimal.RequireFromString(threshold),
		Active:    true,
	}
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, store alertstore.Store) {
	ctx := context.Background()
	// unique symbols keep runs against a shared database independent
	sym := "T" + uuid.NewString()[:8]
	other := "O" + uuid.NewString()[:8]

	a, err := store.Create(ctx, newRule("u1", sym, models.DirectionAbove, "100"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.AlertID == "" {
		t.Fatal("Create should assign an id")
	}
	b, _ := store.Create(ctx, newRule("u2", sym, models.DirectionBelow, "90.5"))
	inactive := newRule("u1", sym, models.DirectionAbove, "120")
	inactive.Active = false
	store.Create(ctx, inactive)
	store.Create(ctx, newRule("u1", other, models.DirectionAbove, "1"))

	t.Run("ListActiveForSymbol", func(t *testing.T) {
		rules, err := store.ListActiveForSymbol(ctx, sym)
		if err != nil {
			t.Fatalf("ListActiveForSymbol: %v", err)
		}
		if len(rules) != 2 {
			t.Fatalf("got %d active rules, want 2", len(rules))
		}
		for _, r := range rules {
			if !r.Active || r.SymbolID != sym {
				t.Errorf("unexpected rule %+v", r)
			}
		}
	})

	t.Run("Get keeps decimal threshold", func(t *testing.T) {
		got, err := store.Get(ctx, b.AlertID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Threshold.Equal(decimal.RequireFromString("90.5")) {
			t.Errorf("threshold = %s, want 90.5", got.Threshold)
		}
	})

	t.Run("RecordFired on active rule", func(t *testing.T) {
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		if err := store.RecordFired(ctx, a.AlertID, at); err != nil {
			t.Fatalf("RecordFired: %v", err)
		}
		got, _ := store.Get(ctx, a.AlertID)
		if got.LastFiredAt == nil || !got.LastFiredAt.Equal(at) {
			t.Errorf("LastFiredAt = %v, want %v", got.LastFiredAt, at)
		}
	})

	t.Run("RecordFired rejects deactivated rule", func(t *testing.T) {
		if err := store.SetActive(ctx, b.AlertID, false); err != nil {
			t.Fatalf("SetActive: %v", err)
		}
		err := store.RecordFired(ctx, b.AlertID, time.Now())
		if !errors.Is(err, alertstore.ErrStaleRuleWrite) {
			t.Errorf("RecordFired = %v, want ErrStaleRuleWrite", err)
		}
		after, _ := store.Get(ctx, b.AlertID)
		if after.LastFiredAt != nil {
			t.Error("stale write must not be applied")
		}
	})

	t.Run("RecordFired rejects deleted rule", func(t *testing.T) {
		if err := store.Delete(ctx, a.AlertID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := store.RecordFired(ctx, a.AlertID, time.Now()); !errors.Is(err, alertstore.ErrStaleRuleWrite) {
			t.Errorf("RecordFired = %v, want ErrStaleRuleWrite", err)
		}
		if _, err := store.Get(ctx, a.AlertID); !errors.Is(err, alertstore.ErrNotFound) {
			t.Errorf("Get after delete = %v, want ErrNotFound", err)
		}
		if err := store.Delete(ctx, a.AlertID); !errors.Is(err, alertstore.ErrNotFound) {
			t.Errorf("second Delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("Create rejects invalid rule", func(t *testing.T) {
		bad := newRule("u1", sym, "sideways", "10")
		if _, err := store.Create(ctx, bad); !errors.Is(err, models.ErrInvalidAlertRule) {
			t.Errorf("Create = %v, want ErrInvalidAlertRule", err)
		}
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, alertstore.NewMemoryStore())
}

func TestGormStore_Contract(t *testing.T) {
	dsn := os.Getenv("ALERTSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("ALERTSTORE_TEST_DSN not set")
	}
	store, err := alertstore.OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	runStoreContract(t, store)
}

func TestMemoryStore_ListForUser(t *testing.T) {
	store := alertstore.NewMemoryStore()
	ctx := context.Background()
	store.Create(ctx, newRule("u1", "AAPL", models.DirectionAbove, "1"))
	store.Create(ctx, newRule("u1", "TSLA", models.DirectionBelow, "2"))
	store.Create(ctx, newRule("u2", "AAPL", models.DirectionAbove, "3"))

	rules, _ := store.ListForUser(ctx, "u1")
	if len(rules) != 2 {
		t.Errorf("got %d rules for u1, want 2", len(rules))
	}
}

func TestMemoryStore_ConcurrentDeactivateAndFire(t *testing.T) {
	store := alertstore.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		r, _ := store.Create(ctx, newRule("u1", "AAPL", models.DirectionAbove, "10"))

		var wg sync.WaitGroup
		var fireErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			fireErr = store.RecordFired(ctx, r.AlertID, time.Now())
		}()
		go func() {
			defer wg.Done()
			store.SetActive(ctx, r.AlertID, false)
		}()
		wg.Wait()

		got, _ := store.Get(ctx, r.AlertID)
		// either the write landed before deactivation, or it was rejected
		if fireErr == nil && got.LastFiredAt == nil {
			t.Fatal("accepted write was lost")
		}
		if errors.Is(fireErr, alertstore.ErrStaleRuleWrite) && got.LastFiredAt != nil {
			t.Fatal("rejected write was applied")
		}
	}
}
