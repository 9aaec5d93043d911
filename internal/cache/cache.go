// Package cache is the process-local durable copy of every synchronized
// collection. Entries are whole-collection JSON blobs keyed by name.
package cache

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	KeyCustomers         = "offline_customers"
	KeySuppliers         = "offline_suppliers"
	KeySales             = "offline_sales"
	KeyPurchases         = "offline_purchases"
	KeyVouchers          = "offline_vouchers"
	KeyCategories        = "offline_categories"
	KeyExpenses          = "offline_expenses"
	KeyWaste             = "offline_waste"
	KeyExchangeRates     = "offline_rates"
	KeyExpenseTemplates  = "offline_templates"
	KeyOpeningBalances   = "offline_opening_balances"
	KeyExpenseCategories = "offline_expense_categories"
)

// Keys lists every cache key the coordinator owns.
var Keys = []string{
	KeyCustomers, KeySuppliers, KeySales, KeyPurchases, KeyVouchers,
	KeyCategories, KeyExpenses, KeyWaste, KeyExchangeRates, KeyExpenseTemplates,
	KeyOpeningBalances, KeyExpenseCategories,
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Read decodes the entry at key, returning fallback when the entry is
// missing, unreadable or malformed. It never fails.
func Read[T any](ctx context.Context, s Store, key string, fallback T, logger *zap.Logger) T {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return fallback
	}
	if !ok {
		return fallback
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Warn("cache entry malformed, using fallback", zap.String("key", key), zap.Error(err))
		return fallback
	}
	return v
}

func Write(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}

// Memory keeps entries for the life of the process.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.entries[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}
