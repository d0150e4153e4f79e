package alertstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

var _ Store = (*GormStore)(nil)

// alertRow is the relational shape of an AlertRule.
type alertRow struct {
	AlertID     string          `gorm:"primaryKey;type:varchar(64)"`
	UserID      string          `gorm:"index;type:varchar(64);not null"`
	SymbolID    string          `gorm:"index:idx_symbol_active;type:varchar(20);not null"`
	Direction   string          `gorm:"type:varchar(10);not null"`
	Threshold   decimal.Decimal `gorm:"type:decimal(18,6);not null"` // scale is models.ThresholdScale
	Active      bool            `gorm:"index:idx_symbol_active;not null"`
	LastFiredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (alertRow) TableName() string { return "alert_rules" }

func toRow(r models.AlertRule) alertRow {
	return alertRow{
		AlertID:     r.AlertID,
		UserID:      r.UserID,
		SymbolID:    r.SymbolID,
		Direction:   string(r.Direction),
		Threshold:   r.Threshold,
		Active:      r.Active,
		LastFiredAt: r.LastFiredAt,
	}
}

func (row alertRow) rule() models.AlertRule {
	return models.AlertRule{
		AlertID:     row.AlertID,
		UserID:      row.UserID,
		SymbolID:    row.SymbolID,
		Direction:   models.Direction(row.Direction),
		Threshold:   row.Threshold,
		Active:      row.Active,
		LastFiredAt: row.LastFiredAt,
	}
}

// GormStore keeps rules in Postgres.
type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the alert table.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&alertRow{}); err != nil {
		return nil, fmt.Errorf("migrate alert_rules: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if rule.AlertID == "" {
		rule.AlertID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, err
	}
	row := toRow(rule)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return models.AlertRule{}, fmt.Errorf("create alert: %w", err)
	}
	return rule, nil
}

func (s *GormStore) Get(ctx context.Context, alertID string) (models.AlertRule, error) {
	var row alertRow
	err := s.db.WithContext(ctx).First(&row, "alert_id = ?", alertID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AlertRule{}, ErrNotFound
	}
	if err != nil {
		return models.AlertRule{}, fmt.Errorf("get alert: %w", err)
	}
	return row.rule(), nil
}

func (s *GormStore) Update(ctx context.Context, rule models.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&alertRow{}).
		Where("alert_id = ?", rule.AlertID).
		Updates(map[string]interface{}{
			"user_id":       rule.UserID,
			"symbol_id":     rule.SymbolID,
			"direction":     string(rule.Direction),
			"threshold":     rule.Threshold,
			"active":        rule.Active,
			"last_fired_at": rule.LastFiredAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, alertID string) error {
	res := s.db.WithContext(ctx).Delete(&alertRow{}, "alert_id = ?", alertID)
	if res.Error != nil {
		return fmt.Errorf("delete alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetActive(ctx context.Context, alertID string, active bool) error {
	res := s.db.WithContext(ctx).Model(&alertRow{}).
		Where("alert_id = ?", alertID).
		Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("set alert active: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListForUser(ctx context.Context, userID string) ([]models.AlertRule, error) {
	var rows []alertRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("alert_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list alerts for user: %w", err)
	}
	return rulesFrom(rows), nil
}

func (s *GormStore) ListActiveForSymbol(ctx context.Context, symbolID string) ([]models.AlertRule, error) {
	var rows []alertRow
	err := s.db.WithContext(ctx).
		Where("symbol_id = ? AND active = ?", symbolID, true).
		Order("alert_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	return rulesFrom(rows), nil
}

// RecordFired is a conditional update; zero affected rows means the rule was
// deactivated or deleted concurrently.
func (s *GormStore) RecordFired(ctx context.Context, alertID string, firedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&alertRow{}).
		Where("alert_id = ? AND active = ?", alertID, true).
		Update("last_fired_at", firedAt)
	if res.Error != nil {
		return fmt.Errorf("record fired: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleRuleWrite
	}
	return nil
}

func rulesFrom(rows []alertRow) []models.AlertRule {
	out := make([]models.AlertRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.rule())
	}
	return out
}
