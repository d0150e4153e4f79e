// Package watchlist applies watchlist changes to the subscription registry and
// tells the user's other sessions about them.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/registry"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

// ErrUnknownSymbol is returned for tickers outside the tradable set.
var ErrUnknownSymbol = errors.New("unknown symbol")

type Publisher interface {
	Publish(ctx context.Context, msg models.SubscriptionEvent) error
}

type Service struct {
	registry *registry.Registry
	views    repository.ViewCache
	events   Publisher
	tickers  map[string]bool
	logger   *zap.Logger

	mu       sync.Mutex
	versions map[string]*viewVersion

	beforeViewWrite func()
}

// viewVersion counts watchlist changes so List never caches a view read
// before a concurrent change.
type viewVersion struct {
	mu sync.Mutex
	n  uint64
}

// NewService builds the service. An empty ticker list accepts any symbol.
func NewService(reg *registry.Registry, views repository.ViewCache, events Publisher, tickers []string, logger *zap.Logger) *Service {
	valid := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		valid[Normalize(t)] = true
	}
	return &Service{
		registry: reg,
		views:    views,
		events:   events,
		tickers:  valid,
		logger:   logger,
		versions: make(map[string]*viewVersion),
	}
}

// Normalize upper-cases and trims a ticker.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Valid reports whether the symbol can be watched.
func (s *Service) Valid(symbol string) bool {
	if symbol == "" {
		return false
	}
	return len(s.tickers) == 0 || s.tickers[symbol]
}

// Add subscribes the user. It reports whether the watchlist changed.
func (s *Service) Add(ctx context.Context, userID, symbol string) (bool, error) {
	symbol = Normalize(symbol)
	if !s.Valid(symbol) {
		return false, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	if !s.registry.AddSubscription(userID, symbol) {
		return false, nil
	}
	s.changed(ctx, userID, symbol, models.SubscriptionAdded)
	return true, nil
}

// Remove unsubscribes the user. It reports whether the watchlist changed.
func (s *Service) Remove(ctx context.Context, userID, symbol string) (bool, error) {
	symbol = Normalize(symbol)
	if !s.registry.RemoveSubscription(userID, symbol) {
		return false, nil
	}
	s.changed(ctx, userID, symbol, models.SubscriptionRemoved)
	return true, nil
}

// RemoveAll clears the watchlist and returns the removed symbols.
func (s *Service) RemoveAll(ctx context.Context, userID string) []string {
	removed := s.registry.RemoveAll(userID)
	for _, sym := range removed {
		s.changed(ctx, userID, sym, models.SubscriptionRemoved)
	}
	return removed
}

// List returns the user's symbols, from the cached view when present.
func (s *Service) List(ctx context.Context, userID string) []string {
	if view, ok, err := s.views.GetWatchlistView(ctx, userID); err == nil && ok {
		return view
	} else if err != nil {
		s.logger.Warn("Watchlist view read failed", zap.String("user_id", userID), zap.Error(err))
	}

	vv := s.version(userID)
	vv.mu.Lock()
	seen := vv.n
	vv.mu.Unlock()

	symbols := s.registry.SymbolsForUser(userID)
	if s.beforeViewWrite != nil {
		s.beforeViewWrite()
	}

	vv.mu.Lock()
	defer vv.mu.Unlock()
	if vv.n != seen {
		return symbols
	}
	if err := s.views.SetWatchlistView(ctx, userID, symbols); err != nil {
		s.logger.Warn("Watchlist view write failed", zap.String("user_id", userID), zap.Error(err))
	}
	return symbols
}

func (s *Service) version(userID string) *viewVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	vv, ok := s.versions[userID]
	if !ok {
		vv = &viewVersion{}
		s.versions[userID] = vv
	}
	return vv
}

// changed invalidates the cached view and syncs the user's sessions. Both are
// best effort: the registry is already updated.
func (s *Service) changed(ctx context.Context, userID, symbol string, action models.SubscriptionAction) {
	vv := s.version(userID)
	vv.mu.Lock()
	vv.n++
	err := s.views.InvalidateWatchlistView(ctx, userID)
	vv.mu.Unlock()
	if err != nil {
		s.logger.Warn("Watchlist view invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}

	ev := models.SubscriptionEvent{
		UserID:   userID,
		SymbolID: symbol,
		Action:   action,
		Symbols:  s.registry.SymbolsForUser(userID),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Error("Failed to publish subscription change", zap.String("user_id", userID), zap.Error(err))
	}
}
