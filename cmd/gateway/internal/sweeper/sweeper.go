// Package sweeper periodically expires sessions that stopped answering pings.
package sweeper

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Expirer is implemented by the session tracker.
type Expirer interface {
	ExpireStale() int
}

type Sweeper struct {
	cron     *gocron.Scheduler
	sessions Expirer
	interval time.Duration
	logger   *zap.Logger
}

func New(sessions Expirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cron:     gocron.NewScheduler(time.UTC),
		sessions: sessions,
		interval: interval,
		logger:   logger,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	if _, err := s.cron.Every(s.interval).Do(s.sweep); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	s.cron.StartAsync()
	s.logger.Info("Session sweeper started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Sweeper) Stop() {
	s.cron.Stop()
}

func (s *Sweeper) sweep() {
	if n := s.sessions.ExpireStale(); n > 0 {
		s.logger.Info("Swept stale sessions", zap.Int("expired", n))
	}
}
