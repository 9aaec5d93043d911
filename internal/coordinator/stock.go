package coordinator

import (
	"github.com/shopspring/decimal"

	"daftar/internal/domain"
)

// findCategory prefers the stable id and falls back to the name for
// transactions recorded before categories carried ids, or whose category
// was re-created under the same name.
func findCategory(categories []domain.Category, id, name string) (domain.Category, bool) {
	if id != "" {
		for _, c := range categories {
			if c.ID == id {
				return c, true
			}
		}
	}
	if name == "" {
		return domain.Category{}, false
	}
	for _, c := range categories {
		if sameName(c.Name, name) {
			return c, true
		}
	}
	return domain.Category{}, false
}

// adjustStock moves the local projection of a category's stock by delta.
// The remote store keeps the canonical figure and a reload overwrites this.
func (c *Coordinator) adjustStock(b *Snapshot, id, name string, delta int, policy StockPolicy) {
	target, ok := findCategory(b.Categories, id, name)
	if !ok {
		c.logger.Debug("no category for stock change")
		return
	}
	for i := range b.Categories {
		if b.Categories[i].ID != target.ID {
			continue
		}
		stock := b.Categories[i].Stock + delta
		if policy != StockAllow {
			stock = max(0, stock)
		}
		b.Categories[i].Stock = stock
		return
	}
}

func decimalInt(n int) decimal.Decimal {
	return decimal.NewFromInt(int64(n))
}
