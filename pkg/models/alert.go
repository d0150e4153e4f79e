package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidAlertRule is returned for rules with a malformed threshold or direction.
var ErrInvalidAlertRule = errors.New("invalid alert rule")

// ThresholdScale is the number of decimal places a threshold may carry.
// Stores persist thresholds at this scale exactly.
const ThresholdScale = 6

// Direction is the side of the threshold an alert watches.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionAbove || d == DirectionBelow
}

// AlertRule is owned by the alert store. The evaluation engine only requests
// changes to LastFiredAt.
type AlertRule struct {
	AlertID     string          `json:"alert_id"`
	UserID      string          `json:"user_id"`
	SymbolID    string          `json:"symbol_id"`
	Direction   Direction       `json:"direction"`
	Threshold   decimal.Decimal `json:"threshold"`
	Active      bool            `json:"active"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
}

// Validate checks the fields the engine relies on.
func (r AlertRule) Validate() error {
	switch {
	case r.AlertID == "":
		return fmt.Errorf("%w: missing alert id", ErrInvalidAlertRule)
	case r.UserID == "":
		return fmt.Errorf("%w: alert %s has no user", ErrInvalidAlertRule, r.AlertID)
	case r.SymbolID == "":
		return fmt.Errorf("%w: alert %s has no symbol", ErrInvalidAlertRule, r.AlertID)
	case !r.Direction.Valid():
		return fmt.Errorf("%w: alert %s has direction %q", ErrInvalidAlertRule, r.AlertID, r.Direction)
	case !r.Threshold.IsPositive():
		return fmt.Errorf("%w: alert %s has threshold %s", ErrInvalidAlertRule, r.AlertID, r.Threshold)
	case !r.Threshold.Equal(r.Threshold.Round(ThresholdScale)):
		return fmt.Errorf("%w: alert %s threshold %s has more than %d decimal places", ErrInvalidAlertRule, r.AlertID, r.Threshold, ThresholdScale)
	}
	return nil
}

// Crossed reports whether the move from oldPrice to newPrice crosses the
// threshold in the rule's direction.
//
//	Above: old <= T < new
//	Below: old >= T > new
func (r AlertRule) Crossed(oldPrice, newPrice decimal.Decimal) bool {
	switch r.Direction {
	case DirectionAbove:
		return oldPrice.LessThanOrEqual(r.Threshold) && r.Threshold.LessThan(newPrice)
	case DirectionBelow:
		return oldPrice.GreaterThanOrEqual(r.Threshold) && r.Threshold.GreaterThan(newPrice)
	}
	return false
}

// Rearms reports whether price has re-crossed to the armed side of the
// threshold. Touching the threshold is not enough.
//
//	Above: price < T
//	Below: price > T
func (r AlertRule) Rearms(price decimal.Decimal) bool {
	switch r.Direction {
	case DirectionAbove:
		return price.LessThan(r.Threshold)
	case DirectionBelow:
		return price.GreaterThan(r.Threshold)
	}
	return false
}

// FiredAlertEvent is emitted once per threshold crossing.
type FiredAlertEvent struct {
	AlertID      string          `json:"alert_id"`
	UserID       string          `json:"user_id"`
	SymbolID     string          `json:"symbol_id"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Direction    Direction       `json:"direction"`
	FiredAt      time.Time       `json:"fired_at"`
}

// DedupKey identifies the crossing for idempotent consumers.
func (e FiredAlertEvent) DedupKey() string {
	return e.AlertID + "|" + strconv.FormatInt(e.FiredAt.UnixNano(), 10)
}
