package alertstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps rules in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	rules    map[string]models.AlertRule
	bySymbol map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[string]models.AlertRule),
		bySymbol: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, rule models.AlertRule) (models.AlertRule, error) {
	if rule.AlertID == "" {
		rule.AlertID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return models.AlertRule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(rule)
	return rule, nil
}

func (m *MemoryStore) Get(_ context.Context, alertID string) (models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[alertID]
	if !ok {
		return models.AlertRule{}, ErrNotFound
	}
	return copyRule(r), nil
}

func (m *MemoryStore) Update(_ context.Context, rule models.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.rules[rule.AlertID]
	if !ok {
		return ErrNotFound
	}
	m.unindex(old)
	m.put(rule)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[alertID]
	if !ok {
		return ErrNotFound
	}
	m.unindex(r)
	delete(m.rules, alertID)
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, alertID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[alertID]
	if !ok {
		return ErrNotFound
	}
	r.Active = active
	m.rules[alertID] = r
	return nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string) ([]models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AlertRule
	for _, r := range m.rules {
		if r.UserID == userID {
			out = append(out, copyRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

func (m *MemoryStore) ListActiveForSymbol(_ context.Context, symbolID string) ([]models.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AlertRule
	for id := range m.bySymbol[symbolID] {
		if r := m.rules[id]; r.Active {
			out = append(out, copyRule(r))
		}
	}
	sortRules(out)
	return out, nil
}

// RecordFired re-checks Active under the write lock.
func (m *MemoryStore) RecordFired(_ context.Context, alertID string, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[alertID]
	if !ok || !r.Active {
		return ErrStaleRuleWrite
	}
	at := firedAt
	r.LastFiredAt = &at
	m.rules[alertID] = r
	return nil
}

func (m *MemoryStore) put(r models.AlertRule) {
	m.rules[r.AlertID] = copyRule(r)
	if m.bySymbol[r.SymbolID] == nil {
		m.bySymbol[r.SymbolID] = make(map[string]struct{})
	}
	m.bySymbol[r.SymbolID][r.AlertID] = struct{}{}
}

func (m *MemoryStore) unindex(r models.AlertRule) {
	delete(m.bySymbol[r.SymbolID], r.AlertID)
	if len(m.bySymbol[r.SymbolID]) == 0 {
		delete(m.bySymbol, r.SymbolID)
	}
}

func copyRule(r models.AlertRule) models.AlertRule {
	if r.LastFiredAt != nil {
		at := *r.LastFiredAt
		r.LastFiredAt = &at
	}
	return r
}

func sortRules(rules []models.AlertRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].AlertID < rules[j].AlertID })
}
