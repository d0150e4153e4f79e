// Package dispatcher pushes notifications to every connected session of the
// target users. Sessions fail independently: one dead or slow session never
// blocks delivery to the others.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/tracker"
	"github.com/shubham-shewale/stock-alerts/pkg/broker"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

// ErrDeliveryFailed wraps every per-session push failure.
var ErrDeliveryFailed = errors.New("delivery failed")

// Sessions resolves the live connections of a user.
type Sessions interface {
	Connections(userID string) []tracker.Conn
}

// Audience resolves who watches a symbol.
type Audience interface {
	UsersForSymbol(symbolID string) []string
}

// Source is a typed channel the dispatcher listens on.
type Source[T any] interface {
	Subscribe(ctx context.Context, handler func(context.Context, T)) (broker.Subscription, error)
}

type Config struct {
	MaxInFlightPerUser int
	MaxConcurrentUsers int
	DeliveryTimeout    time.Duration
	DedupWindow        time.Duration
}

// SessionFailure is one failed push.
type SessionFailure struct {
	UserID    string
	SessionID string
	Err       error
}

// Report summarizes one fan-out.
type Report struct {
	Delivered int
	Failed    int
	// Dropped counts target users with no connected session.
	Dropped  int
	Failures []SessionFailure
}

func (r *Report) merge(o Report) {
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Dropped += o.Dropped
	r.Failures = append(r.Failures, o.Failures...)
}

type Stats struct {
	Delivered  int64
	Failed     int64
	Dropped    int64
	Duplicates int64
}

// userState orders one user's notifications. mu is held from numbering a
// message until every session has accepted or failed it, so a session never
// sees N+1 before N.
type userState struct {
	mu  sync.Mutex
	seq uint64
	sem *semaphore.Weighted
}

type Dispatcher struct {
	cfg      Config
	sessions Sessions
	audience Audience
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*userState

	dedupMu   sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time

	delivered  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	duplicates atomic.Int64
}

func New(cfg Config, sessions Sessions, audience Audience, logger *zap.Logger) *Dispatcher {
	if cfg.MaxInFlightPerUser < 1 {
		cfg.MaxInFlightPerUser = 1
	}
	if cfg.MaxConcurrentUsers < 1 {
		cfg.MaxConcurrentUsers = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Second
	}
	return &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		audience: audience,
		logger:   logger,
		now:      time.Now,
		users:    make(map[string]*userState),
		seen:     make(map[string]time.Time),
	}
}

// Listen attaches the dispatcher to the event channels.
func (d *Dispatcher) Listen(ctx context.Context,
	fired Source[models.FiredAlertEvent],
	watchlist Source[models.WatchlistEvent],
	subscriptions Source[models.SubscriptionEvent],
) ([]broker.Subscription, error) {
	var subs []broker.Subscription
	closeAll := func() {
		for _, s := range subs {
			s.Close()
		}
	}

	s, err := fired.Subscribe(ctx, func(ctx context.Context, ev models.FiredAlertEvent) { d.OnFiredAlert(ctx, ev) })
	if err != nil {
		return nil, fmt.Errorf("subscribe fired alerts: %w", err)
	}
	subs = append(subs, s)

	s, err = watchlist.Subscribe(ctx, func(ctx context.Context, ev models.WatchlistEvent) { d.OnWatchlistChanged(ctx, ev) })
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("subscribe watchlist: %w", err)
	}
	subs = append(subs, s)

	s, err = subscriptions.Subscribe(ctx, func(ctx context.Context, ev models.SubscriptionEvent) { d.OnSubscriptionChanged(ctx, ev) })
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("subscribe subscriptions: %w", err)
	}
	return append(subs, s), nil
}

// OnFiredAlert notifies the alert's owner. Redelivered events are recognized by
// their dedup key within the dedup window and skipped.
func (d *Dispatcher) OnFiredAlert(ctx context.Context, ev models.FiredAlertEvent) Report {
	if d.duplicate(ev.DedupKey()) {
		d.duplicates.Add(1)
		d.logger.Debug("Skipping duplicate fired alert", zap.String("alert_id", ev.AlertID))
		return Report{}
	}
	return d.fanout(ctx, []string{ev.UserID}, models.KindAlertFired, ev)
}

// OnWatchlistChanged notifies every user watching the symbol.
func (d *Dispatcher) OnWatchlistChanged(ctx context.Context, ev models.WatchlistEvent) Report {
	var users []string
	if d.audience != nil {
		users = d.audience.UsersForSymbol(ev.SymbolID)
	}
	return d.fanout(ctx, users, models.KindWatchlistChanged, ev)
}

// OnSubscriptionChanged syncs the user's watchlist across their sessions.
func (d *Dispatcher) OnSubscriptionChanged(ctx context.Context, ev models.SubscriptionEvent) Report {
	return d.fanout(ctx, []string{ev.UserID}, models.KindSubscriptionChanged, ev)
}

func (d *Dispatcher) fanout(ctx context.Context, users []string, kind models.NotificationKind, payload interface{}) Report {
	var (
		mu     sync.Mutex
		report Report
	)
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrentUsers)

	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			r := d.deliverToUser(ctx, userID, kind, payload)
			mu.Lock()
			report.merge(r)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return report
}

func (d *Dispatcher) deliverToUser(ctx context.Context, userID string, kind models.NotificationKind, payload interface{}) Report {
	conns := d.sessions.Connections(userID)
	if len(conns) == 0 {
		d.dropped.Add(1)
		d.logger.Debug("No connected sessions, dropping notification",
			zap.String("user_id", userID), zap.String("kind", string(kind)))
		return Report{Dropped: 1}
	}

	st := d.user(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.seq++
	msg := models.NotificationMessage{
		TargetUserID:   userID,
		Kind:           kind,
		Payload:        payload,
		SequenceNumber: st.seq,
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report Report
	)
	fail := func(conn tracker.Conn, err error) {
		d.failed.Add(1)
		d.logger.Warn("Delivery failed",
			zap.String("user_id", userID), zap.String("session_id", conn.ID()), zap.Error(err))
		mu.Lock()
		report.Failed++
		report.Failures = append(report.Failures, SessionFailure{
			UserID:    userID,
			SessionID: conn.ID(),
			Err:       fmt.Errorf("%w: session %s: %v", ErrDeliveryFailed, conn.ID(), err),
		})
		mu.Unlock()
	}

	for _, conn := range conns {
		if err := st.sem.Acquire(ctx, 1); err != nil {
			fail(conn, err)
			continue
		}
		wg.Add(1)
		go func(conn tracker.Conn) {
			defer wg.Done()
			defer st.sem.Release(1)

			dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
			defer cancel()
			if err := conn.Deliver(dctx, msg); err != nil {
				fail(conn, err)
				return
			}
			d.delivered.Add(1)
			mu.Lock()
			report.Delivered++
			mu.Unlock()
		}(conn)
	}
	wg.Wait()
	return report
}

func (d *Dispatcher) user(userID string) *userState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.users[userID]
	if !ok {
		st = &userState{sem: semaphore.NewWeighted(int64(d.cfg.MaxInFlightPerUser))}
		d.users[userID] = st
	}
	return st
}

// duplicate records key and reports whether it was already seen within the window.
func (d *Dispatcher) duplicate(key string) bool {
	if d.cfg.DedupWindow <= 0 {
		return false
	}
	now := d.now()

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()

	if now.Sub(d.lastPrune) > d.cfg.DedupWindow {
		for k, at := range d.seen {
			if now.Sub(at) > d.cfg.DedupWindow {
				delete(d.seen, k)
			}
		}
		d.lastPrune = now
	}

	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.cfg.DedupWindow {
		return true
	}
	d.seen[key] = now
	return false
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		Duplicates: d.duplicates.Load(),
	}
}
