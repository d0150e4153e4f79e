// Package alertstore holds alert rules. The evaluation engine only reads active
// rules and records firings through the compare-and-swap RecordFired.
package alertstore

import (
	"context"
	"errors"
	"time"

	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

var (
	ErrNotFound = errors.New("alert not found")
	// ErrStaleRuleWrite means the rule was deactivated or deleted before the write took effect.
	ErrStaleRuleWrite = errors.New("stale alert rule write")
)

// Store is the alert persistence port.
type Store interface {
	Create(ctx context.Context, rule models.AlertRule) (models.AlertRule, error)
	Get(ctx context.Context, alertID string) (models.AlertRule, error)
	Update(ctx context.Context, rule models.AlertRule) error
	Delete(ctx context.Context, alertID string) error
	// SetActive flips only the active flag, leaving LastFiredAt untouched.
	SetActive(ctx context.Context, alertID string, active bool) error
	ListForUser(ctx context.Context, userID string) ([]models.AlertRule, error)
	ListActiveForSymbol(ctx context.Context, symbolID string) ([]models.AlertRule, error)
	// RecordFired sets LastFiredAt only if the rule is still active.
	RecordFired(ctx context.Context, alertID string, firedAt time.Time) error
}
