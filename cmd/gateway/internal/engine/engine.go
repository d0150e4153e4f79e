// Package engine evaluates alert rules against price updates.
//
// Updates are routed to lanes by symbol hash. A lane is one goroutine, so all
// updates for a symbol are evaluated in order and never concurrently, while
// different lanes run in parallel. Armed/fired state lives in the lane.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/pkg/alertstore"
	"github.com/shubham-shewale/stock-alerts/pkg/broker"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

// ErrStopped is returned for updates offered after Stop.
var ErrStopped = errors.New("engine stopped")

// Publisher sends events of one type to a channel.
type Publisher[T any] interface {
	Publish(ctx context.Context, msg T) error
}

// Interest tells the engine whether anyone watches a symbol.
type Interest interface {
	HasSubscribers(symbolID string) bool
}

// PriceSource is the price channel the engine consumes.
type PriceSource interface {
	Subscribe(ctx context.Context, handler func(context.Context, models.PriceUpdate)) (broker.Subscription, error)
}

type Config struct {
	Lanes      int
	LaneBuffer int
}

type Stats struct {
	Evaluated       int64
	Skipped         int64
	Fired           int64
	InvalidRules    int64
	StaleWrites     int64
	StoreErrors     int64
	PublishFailures int64
}

type job struct {
	update models.PriceUpdate
	done   chan []models.FiredAlertEvent
}

type ruleState struct {
	fired   bool
	firedAt time.Time
}

type lane struct {
	id    int
	queue chan job
	// symbol -> alertID -> state. Only the lane goroutine touches it.
	rules map[string]map[string]ruleState
}

type Engine struct {
	store     alertstore.Store
	fired     Publisher[models.FiredAlertEvent]
	watchlist Publisher[models.WatchlistEvent]
	interest  Interest
	logger    *zap.Logger

	lanes []*lane
	quit  chan struct{}
	wg    sync.WaitGroup
	start sync.Once
	stop  sync.Once

	evaluated       atomic.Int64
	skipped         atomic.Int64
	firedCount      atomic.Int64
	invalidRules    atomic.Int64
	staleWrites     atomic.Int64
	storeErrors     atomic.Int64
	publishFailures atomic.Int64
}

type Option func(*Engine)

// WithInterest skips evaluation for symbols nobody watches.
func WithInterest(i Interest) Option {
	return func(e *Engine) { e.interest = i }
}

// WithWatchlist publishes a WatchlistEvent for every evaluated update.
func WithWatchlist(p Publisher[models.WatchlistEvent]) Option {
	return func(e *Engine) { e.watchlist = p }
}

func New(cfg Config, store alertstore.Store, fired Publisher[models.FiredAlertEvent], logger *zap.Logger, opts ...Option) *Engine {
	if cfg.Lanes < 1 {
		cfg.Lanes = 1
	}
	if cfg.LaneBuffer < 0 {
		cfg.LaneBuffer = 0
	}

	e := &Engine{
		store:  store,
		fired:  fired,
		logger: logger,
		lanes:  make([]*lane, cfg.Lanes),
		quit:   make(chan struct{}),
	}
	for i := range e.lanes {
		e.lanes[i] = &lane{
			id:    i,
			queue: make(chan job, cfg.LaneBuffer),
			rules: make(map[string]map[string]ruleState),
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the lane goroutines until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.start.Do(func() {
		for _, l := range e.lanes {
			e.wg.Add(1)
			go e.run(ctx, l)
		}
		e.logger.Info("Alert engine started", zap.Int("lanes", len(e.lanes)))
	})
}

// Stop halts the lanes and waits for in-flight evaluations to finish.
// Queued updates that have not started are discarded.
func (e *Engine) Stop() {
	e.stop.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// SubscribeTo feeds every update on the price channel into the engine.
func (e *Engine) SubscribeTo(ctx context.Context, prices PriceSource) (broker.Subscription, error) {
	return prices.Subscribe(ctx, func(ctx context.Context, u models.PriceUpdate) {
		if err := e.OnPriceUpdate(ctx, u); err != nil {
			e.logger.Warn("Price update not evaluated", zap.String("symbol", u.SymbolID), zap.Error(err))
		}
	})
}

// OnPriceUpdate queues the update on its symbol's lane. It blocks while the
// lane is full.
func (e *Engine) OnPriceUpdate(ctx context.Context, u models.PriceUpdate) error {
	return e.enqueue(ctx, job{update: u})
}

// Process evaluates the update and returns the alerts it fired.
func (e *Engine) Process(ctx context.Context, u models.PriceUpdate) ([]models.FiredAlertEvent, error) {
	done := make(chan []models.FiredAlertEvent, 1)
	if err := e.enqueue(ctx, job{update: u, done: done}); err != nil {
		return nil, err
	}
	select {
	case fired := <-done:
		return fired, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.quit:
		return nil, ErrStopped
	}
}

func (e *Engine) enqueue(ctx context.Context, j job) error {
	select {
	case <-e.quit:
		return ErrStopped
	default:
	}

	l := e.lanes[laneFor(j.update.SymbolID, len(e.lanes))]
	select {
	case l.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrStopped
	}
}

func (e *Engine) run(ctx context.Context, l *lane) {
	defer e.wg.Done()
	for {
		select {
		case j := <-l.queue:
			fired := e.evaluate(ctx, l, j.update)
			if j.done != nil {
				j.done <- fired
			}
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, l *lane, u models.PriceUpdate) []models.FiredAlertEvent {
	sym := u.SymbolID
	if e.interest != nil && !e.interest.HasSubscribers(sym) {
		e.skipped.Add(1)
		return nil
	}
	e.evaluated.Add(1)

	if e.watchlist != nil {
		if err := e.watchlist.Publish(ctx, models.WatchlistEventFrom(u)); err != nil {
			e.publishFailures.Add(1)
			e.logger.Error("Failed to publish watchlist event", zap.String("symbol", sym), zap.Error(err))
		}
	}

	rules, err := e.store.ListActiveForSymbol(ctx, sym)
	if err != nil {
		e.storeErrors.Add(1)
		e.logger.Error("Failed to load alert rules", zap.String("symbol", sym), zap.Error(err))
		return nil
	}

	prev := l.rules[sym]
	next := make(map[string]ruleState, len(rules))
	var out []models.FiredAlertEvent

	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			e.invalidRules.Add(1)
			e.logger.Warn("Skipping invalid alert rule", zap.String("alert_id", rule.AlertID), zap.Error(err))
			continue
		}
		if rule.SymbolID != sym {
			continue
		}

		st := prev[rule.AlertID]
		if st.fired && rule.Rearms(u.NewPrice) {
			st.fired = false
		}
		if !st.fired && rule.Crossed(u.OldPrice, u.NewPrice) && !replayed(rule, st, u.Timestamp) {
			ev := models.FiredAlertEvent{
				AlertID:      rule.AlertID,
				UserID:       rule.UserID,
				SymbolID:     sym,
				TriggerPrice: u.NewPrice,
				Direction:    rule.Direction,
				FiredAt:      u.Timestamp,
			}
			st = ruleState{fired: true, firedAt: u.Timestamp}
			e.recordFired(ctx, ev)
			out = append(out, ev)
		}
		next[rule.AlertID] = st
	}

	if len(next) == 0 {
		delete(l.rules, sym)
	} else {
		l.rules[sym] = next
	}

	for _, ev := range out {
		e.firedCount.Add(1)
		if err := e.fired.Publish(ctx, ev); err != nil {
			e.publishFailures.Add(1)
			e.logger.Error("Failed to publish fired alert", zap.String("alert_id", ev.AlertID), zap.Error(err))
			continue
		}
		e.logger.Debug("Alert fired",
			zap.String("alert_id", ev.AlertID),
			zap.String("symbol", sym),
			zap.String("trigger_price", ev.TriggerPrice.String()),
			zap.Int("lane", l.id))
	}
	return out
}

// recordFired persists the firing. The event is delivered whatever the outcome.
func (e *Engine) recordFired(ctx context.Context, ev models.FiredAlertEvent) {
	err := e.store.RecordFired(ctx, ev.AlertID, ev.FiredAt)
	switch {
	case err == nil:
	case errors.Is(err, alertstore.ErrStaleRuleWrite):
		e.staleWrites.Add(1)
		e.logger.Info("Alert changed while firing, state not persisted", zap.String("alert_id", ev.AlertID))
	default:
		e.storeErrors.Add(1)
		e.logger.Error("Failed to record fired alert", zap.String("alert_id", ev.AlertID), zap.Error(err))
	}
}

// replayed reports whether the update is not newer than the rule's last firing.
func replayed(rule models.AlertRule, st ruleState, ts time.Time) bool {
	if rule.LastFiredAt != nil && !ts.After(*rule.LastFiredAt) {
		return true
	}
	return !st.firedAt.IsZero() && !ts.After(st.firedAt)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Evaluated:       e.evaluated.Load(),
		Skipped:         e.skipped.Load(),
		Fired:           e.firedCount.Load(),
		InvalidRules:    e.invalidRules.Load(),
		StaleWrites:     e.staleWrites.Load(),
		StoreErrors:     e.storeErrors.Load(),
		PublishFailures: e.publishFailures.Load(),
	}
}

func laneFor(symbol string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(lanes))
}
